// Package terminal implements the interactive terminal channel. Tokens are
// written as they arrive; there is no debounce and no chunking.
package terminal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/memohai/deepmax/internal/channel"
	"github.com/memohai/deepmax/internal/config"
)

// Channel constants.
const (
	LocalUID         = "local"
	MaxMessageLength = 100000
)

// lineReader yields one user line at a time. io.EOF ends the session.
type lineReader interface {
	ReadLine() (string, error)
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithIO replaces stdin/stdout.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(a *Adapter) {
		a.in = in
		a.out = out
	}
}

// WithOnExit registers the callback run when input ends (EOF or Ctrl-C).
func WithOnExit(fn func()) Option {
	return func(a *Adapter) { a.onExit = fn }
}

// Adapter is the terminal channel.
type Adapter struct {
	userName string
	in       io.Reader
	out      io.Writer
	onExit   func()
	logger   *slog.Logger

	promptStyle lipgloss.Style
	noticeStyle lipgloss.Style

	writeMu sync.Mutex
	w       io.Writer

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	restore func()
}

var _ channel.Channel = (*Adapter)(nil)

// New returns a terminal adapter for cfg.
func New(log *slog.Logger, cfg config.TerminalConfig, opts ...Option) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	a := &Adapter{
		userName: cfg.UserName,
		in:       os.Stdin,
		out:      os.Stdout,
		logger:   log.With(slog.String("adapter", "terminal")),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.userName == "" {
		a.userName = config.DefaultTerminalUser
	}
	r := lipgloss.NewRenderer(a.out)
	a.promptStyle = r.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	a.noticeStyle = r.NewStyle().Faint(true)
	a.w = a.out
	return a
}

func (a *Adapter) Type() channel.Type {
	return channel.Terminal
}

func (a *Adapter) MaxMessageLength() int {
	return MaxMessageLength
}

func (a *Adapter) prompt() string {
	return a.promptStyle.Render(a.userName+">") + " "
}

func (a *Adapter) Start(ctx context.Context, handler channel.InboundHandler) error {
	reader, err := a.openReader()
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	a.mu.Lock()
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	go a.loop(runCtx, reader, handler, done)
	a.logger.Info("start", slog.String("user_name", a.userName))
	return nil
}

// openReader uses line editing when stdin is a terminal and a plain line
// scanner otherwise.
func (a *Adapter) openReader() (lineReader, error) {
	if f, ok := a.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		state, err := term.MakeRaw(int(f.Fd()))
		if err != nil {
			return nil, fmt.Errorf("raw terminal: %w", err)
		}
		t := term.NewTerminal(struct {
			io.Reader
			io.Writer
		}{f, a.out}, a.prompt())
		a.mu.Lock()
		a.restore = func() { _ = term.Restore(int(f.Fd()), state) }
		a.mu.Unlock()
		a.writeMu.Lock()
		a.w = t
		a.writeMu.Unlock()
		return t, nil
	}
	scanner := bufio.NewScanner(a.in)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxMessageLength*4)
	return &scanReader{scanner: scanner, prompt: func() { a.write(a.prompt()) }}, nil
}

func (a *Adapter) loop(ctx context.Context, reader lineReader, handler channel.InboundHandler, done chan struct{}) {
	defer close(done)
	for ctx.Err() == nil {
		line, err := reader.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				a.logger.Warn("read input failed", slog.Any("error", err))
			}
			if ctx.Err() == nil && a.onExit != nil {
				a.write("\n")
				a.onExit()
			}
			return
		}
		text := strings.TrimSpace(line)
		if text == "" {
			continue
		}
		handler(ctx, a, channel.InboundMessage{
			Channel:     channel.Terminal,
			ChannelUID:  LocalUID,
			ReplyTarget: LocalUID,
			Text:        text,
		})
	}
}

// Stop ends the read loop. A read blocked on stdin cannot be interrupted,
// so Stop does not wait for it; the terminal state is restored either way.
func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	cancel, restore := a.cancel, a.restore
	a.cancel, a.restore = nil, nil
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	a.logger.Info("stop")
	cancel()
	if restore != nil {
		restore()
	}
	return nil
}

// Done is closed when the read loop exits.
func (a *Adapter) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

func (a *Adapter) write(s string) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if _, err := io.WriteString(a.w, s); err != nil {
		a.logger.Debug("write failed", slog.Any("error", err))
	}
}

func (a *Adapter) SendToken(_ context.Context, _ string, text string) error {
	a.write(text)
	return nil
}

func (a *Adapter) Flush(context.Context, string) error {
	a.write("\n")
	return nil
}

func (a *Adapter) SendTyping(context.Context, string) error {
	return nil
}

func (a *Adapter) SendText(_ context.Context, _ string, text string) error {
	a.write(a.noticeStyle.Render(text) + "\n")
	return nil
}

type scanReader struct {
	scanner *bufio.Scanner
	prompt  func()
}

func (r *scanReader) ReadLine() (string, error) {
	r.prompt()
	if r.scanner.Scan() {
		return r.scanner.Text(), nil
	}
	if err := r.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}
