package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// GatewayAgent streams turns from the agent gateway over SSE. Each data line
// is one JSON fragment; "event: error" carries a failure and "[DONE]" ends
// the stream.
type GatewayAgent struct {
	baseURL string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

// NewGatewayAgent returns an agent for model served by the gateway at baseURL.
// A zero timeout leaves streams unbounded.
func NewGatewayAgent(log *slog.Logger, baseURL, model string, timeout time.Duration) *GatewayAgent {
	if log == nil {
		log = slog.Default()
	}
	return &GatewayAgent{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
		logger:  log.With(slog.String("component", "agent_gateway"), slog.String("model", model)),
	}
}

// GatewayFactory builds gateway agents for the Manager.
func GatewayFactory(log *slog.Logger, baseURL string, timeout time.Duration) Factory {
	return func(model string) (Agent, error) {
		if strings.TrimSpace(baseURL) == "" {
			return nil, errors.New("agent gateway url is empty")
		}
		return NewGatewayAgent(log, baseURL, model, timeout), nil
	}
}

// Close drops idle gateway connections.
func (g *GatewayAgent) Close() error {
	g.client.CloseIdleConnections()
	return nil
}

// Stream implements Agent.
func (g *GatewayAgent) Stream(ctx context.Context, req Request) (<-chan Fragment, <-chan error) {
	fragCh := make(chan Fragment)
	errCh := make(chan error, 1)
	if req.Model == "" {
		req.Model = g.model
	}

	go func() {
		defer close(fragCh)
		defer close(errCh)
		if err := g.stream(ctx, req, fragCh); err != nil {
			errCh <- err
		}
	}()
	return fragCh, errCh
}

func (g *GatewayAgent) stream(ctx context.Context, req Request, out chan<- Fragment) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	url := g.baseURL + "/chat/stream"
	g.logger.Debug("gateway stream request", slog.String("url", url), slog.String("thread_id", req.ThreadID))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("agent gateway connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("agent gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	currentEvent := ""
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			currentEvent = ""
			continue
		}
		if strings.HasPrefix(line, "event:") {
			currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return nil
		}
		if currentEvent == "error" {
			return decodeGatewayError(data)
		}

		var wire wireFragment
		if err := json.Unmarshal([]byte(data), &wire); err != nil {
			g.logger.Warn("skip malformed fragment", slog.String("data", truncate(data, 200)), slog.Any("error", err))
			continue
		}
		select {
		case out <- wire.fragment():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("agent gateway read: %w", err)
	}
	return nil
}

func decodeGatewayError(data string) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err == nil && payload.Error != "" {
		return fmt.Errorf("agent gateway: %s", payload.Error)
	}
	return fmt.Errorf("agent gateway: %s", truncate(data, 200))
}

// wireFragment accepts content either as a plain string or as typed blocks.
type wireFragment struct {
	Namespace      []string          `json:"namespace"`
	Content        json.RawMessage   `json:"content"`
	ToolCallChunks []json.RawMessage `json:"tool_call_chunks"`
}

func (w wireFragment) fragment() Fragment {
	f := Fragment{
		Namespace: w.Namespace,
		ToolCall:  len(w.ToolCallChunks) > 0,
	}
	if len(w.Content) == 0 {
		return f
	}
	var text string
	if err := json.Unmarshal(w.Content, &text); err == nil {
		if text != "" {
			f.Blocks = []Block{{Type: "text", Text: text}}
		}
		return f
	}
	var blocks []Block
	if err := json.Unmarshal(w.Content, &blocks); err == nil {
		f.Blocks = blocks
	}
	return f
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
