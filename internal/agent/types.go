// Package agent defines the streaming agent collaborator and its gateway client.
package agent

import (
	"context"
	"strings"
)

// Block is one typed piece of fragment content.
type Block struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Fragment is one unit of streamed agent output. An empty Namespace marks
// output from the top-level agent; nested sub-agents report their path.
// ToolCall marks fragments that only build tool-call arguments.
type Fragment struct {
	Namespace []string
	Blocks    []Block
	ToolCall  bool
}

// TopLevel reports whether the fragment came from the top-level agent.
func (f Fragment) TopLevel() bool {
	return len(f.Namespace) == 0
}

// Visible reports whether the fragment is user-facing text.
func (f Fragment) Visible() bool {
	return f.TopLevel() && !f.ToolCall
}

// Text concatenates the text blocks in order, dropping every other type.
func (f Fragment) Text() string {
	if len(f.Blocks) == 1 && f.Blocks[0].Type == "text" {
		return f.Blocks[0].Text
	}
	var b strings.Builder
	for _, block := range f.Blocks {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// TextFragment is a top-level fragment carrying plain text.
func TextFragment(text string) Fragment {
	return Fragment{Blocks: []Block{{Type: "text", Text: text}}}
}

// Request is one chat turn for the agent.
type Request struct {
	ThreadID     string `json:"thread_id"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Message      string `json:"message"`
}

// Agent streams the response to a Request. The fragment channel closes when
// the stream ends; the error channel then yields at most one error and closes.
// Cancelling ctx stops the stream.
type Agent interface {
	Stream(ctx context.Context, req Request) (<-chan Fragment, <-chan error)
}
