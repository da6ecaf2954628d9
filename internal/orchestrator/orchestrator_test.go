package orchestrator_test

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	migrations "github.com/memohai/deepmax/db"
	"github.com/memohai/deepmax/internal/agent"
	"github.com/memohai/deepmax/internal/channel"
	"github.com/memohai/deepmax/internal/config"
	"github.com/memohai/deepmax/internal/db"
	"github.com/memohai/deepmax/internal/identity"
	"github.com/memohai/deepmax/internal/orchestrator"
)

const (
	defaultModel  = "anthropic:claude-sonnet-4-5-20250929"
	defaultPrompt = "You are a helpful and concise personal assistant."
)

type event struct {
	kind   string
	target string
	text   string
}

type fakeChannel struct {
	mu     sync.Mutex
	events []event
}

func (c *fakeChannel) record(e event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *fakeChannel) snapshot() []event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event(nil), c.events...)
}

func (c *fakeChannel) texts() []string {
	var out []string
	for _, e := range c.snapshot() {
		if e.kind == "text" {
			out = append(out, e.text)
		}
	}
	return out
}

func (c *fakeChannel) count(kind string) int {
	n := 0
	for _, e := range c.snapshot() {
		if e.kind == kind {
			n++
		}
	}
	return n
}

func (c *fakeChannel) Type() channel.Type                                  { return channel.Telegram }
func (c *fakeChannel) Start(context.Context, channel.InboundHandler) error { return nil }
func (c *fakeChannel) Stop(context.Context) error                          { return nil }
func (c *fakeChannel) MaxMessageLength() int                               { return 4096 }

func (c *fakeChannel) SendToken(_ context.Context, target, text string) error {
	c.record(event{kind: "token", target: target, text: text})
	return nil
}

func (c *fakeChannel) Flush(_ context.Context, target string) error {
	c.record(event{kind: "flush", target: target})
	return nil
}

func (c *fakeChannel) SendTyping(_ context.Context, target string) error {
	c.record(event{kind: "typing", target: target})
	return nil
}

func (c *fakeChannel) SendText(_ context.Context, target, text string) error {
	c.record(event{kind: "text", target: target, text: text})
	return nil
}

type script func(ctx context.Context, req agent.Request, out chan<- agent.Fragment) error

type fakeAgents struct {
	script script

	mu       sync.Mutex
	requests []agent.Request
}

func (f *fakeAgents) Get(string) (agent.Agent, error) {
	return f, nil
}

func (f *fakeAgents) Stream(ctx context.Context, req agent.Request) (<-chan agent.Fragment, <-chan error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	out := make(chan agent.Fragment)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		err := f.script(ctx, req, out)
		close(out)
		if err != nil {
			errs <- err
		}
	}()
	return out, errs
}

type harness struct {
	store  identity.Store
	agents *fakeAgents
	orch   *orchestrator.Orchestrator
	ch     *fakeChannel
}

func newHarness(t *testing.T, s script) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "orchestrator.db")

	ctx := context.Background()
	conn, err := db.OpenSQLite(ctx, cfg.Database.Path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	src, err := migrations.Migrations(config.DriverSQLite)
	require.NoError(t, err)
	url, err := db.MigrateURL(cfg)
	require.NoError(t, err)
	require.NoError(t, db.RunMigrate(nil, url, src, "up", nil))

	store := identity.NewSQLiteStore(nil, conn)
	require.NoError(t, identity.Bootstrap(ctx, nil, store, []config.Link{
		{UserName: "alice", Channel: "telegram", ChannelUID: "1"},
		{UserName: "bob", Channel: "telegram", ChannelUID: "2"},
	}))

	if s == nil {
		s = func(context.Context, agent.Request, chan<- agent.Fragment) error { return nil }
	}
	agents := &fakeAgents{script: s}
	return &harness{
		store:  store,
		agents: agents,
		orch: orchestrator.New(nil, store, agents, orchestrator.Options{
			DefaultModel:        defaultModel,
			DefaultSystemPrompt: defaultPrompt,
			TypingInterval:      5 * time.Millisecond,
		}),
		ch: &fakeChannel{},
	}
}

func (h *harness) send(uid, text string) {
	h.orch.HandleMessage(context.Background(), h.ch, channel.InboundMessage{
		Channel:     channel.Telegram,
		ChannelUID:  uid,
		ReplyTarget: "chat-" + uid,
		Text:        text,
	})
}

func (h *harness) user(t *testing.T, uid string) identity.User {
	t.Helper()
	u, ok, err := h.store.Resolve(context.Background(), "telegram", uid)
	require.NoError(t, err)
	require.True(t, ok)
	return u
}

func TestUnknownSenderIsDenied(t *testing.T) {
	h := newHarness(t, nil)
	h.send("999", "hello")

	assert.Equal(t, []event{{kind: "text", target: "chat-999", text: "Access denied."}}, h.ch.snapshot())
	assert.Empty(t, h.agents.requests)
	assert.Zero(t, h.orch.ActiveTurns())
}

func TestShutdownRejectsBeforeProcessing(t *testing.T) {
	h := newHarness(t, nil)
	assert.Zero(t, h.orch.Drain(time.Second))
	assert.True(t, h.orch.ShuttingDown())

	h.send("1", "/new")
	h.send("999", "hello")
	assert.Equal(t, []string{
		"Bot is shutting down, please try again later.",
		"Bot is shutting down, please try again later.",
	}, h.ch.texts())

	_, ok, err := h.store.ActiveConversation(context.Background(), h.user(t, "1").ID)
	require.NoError(t, err)
	assert.False(t, ok, "no command ran")
}

func TestCommandsWithoutConversation(t *testing.T) {
	h := newHarness(t, nil)
	h.send("1", "/history")
	h.send("1", "/title My trip")
	h.send("1", "/system be brief")
	h.send("1", "/model")
	h.send("1", "/model openai:gpt-4.1")
	h.send("1", "/switch")
	h.send("1", "/switch 42")
	h.send("1", "/switch not-an-id!")
	h.send("1", "/title")
	h.send("1", "/system   ")
	h.send("1", "/Bogus arg")

	assert.Equal(t, []string{
		"No conversations yet.",
		"No active conversation.",
		"No active conversation.",
		"Current model: " + defaultModel,
		"No active conversation.",
		"Usage: /switch <id>",
		"Conversation not found.",
		"Invalid conversation id.",
		"Usage: /title <text>",
		"Usage: /system <prompt>",
		"Unknown command: /bogus",
	}, h.ch.texts())
	assert.Zero(t, h.ch.count("token"))
	assert.Zero(t, h.ch.count("flush"), "commands never use the streaming path")
}

func TestHelpText(t *testing.T) {
	h := newHarness(t, nil)
	h.send("1", "  /HELP  ")
	require.Len(t, h.ch.texts(), 1)
	assert.Equal(t, "Commands:\n"+
		"  /new — New conversation\n"+
		"  /history — List conversations\n"+
		"  /switch <id> — Switch conversation\n"+
		"  /title <text> — Set title\n"+
		"  /model [provider:model] — Show/change model\n"+
		"  /system <prompt> — Change system prompt\n"+
		"  /help — This help", h.ch.texts()[0])
}

func TestConversationCommands(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := h.user(t, "1")

	h.send("1", "/new")
	first, ok, err := h.store.ActiveConversation(ctx, alice.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, defaultModel, first.Model)
	assert.Equal(t, "New conversation created (id="+itoa(first.ID)+"). Thread: "+first.ThreadID[:8]+"...", h.ch.texts()[0])

	h.send("1", "/title My trip")
	assert.Equal(t, "Title set: My trip", last(h.ch.texts()))

	h.send("1", "/new")
	second, ok, err := h.store.ActiveConversation(ctx, alice.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, first.ID, second.ID)

	h.send("1", "/model openai:gpt-4.1")
	assert.Equal(t, "Model changed to: openai:gpt-4.1", last(h.ch.texts()))
	h.send("1", "/model")
	assert.Equal(t, "Current model: openai:gpt-4.1", last(h.ch.texts()))
	h.send("1", "/system  Answer in French.  ")
	assert.Equal(t, "System prompt updated.", last(h.ch.texts()))

	h.send("1", "/history")
	assert.Equal(t, "Conversations:\n"+
		"  ["+itoa(second.ID)+"] (untitled) — openai:gpt-4.1 *\n"+
		"  ["+itoa(first.ID)+"] My trip — "+defaultModel, last(h.ch.texts()))

	h.send("1", "/switch "+itoa(first.ID))
	assert.Equal(t, "Switched to ["+itoa(first.ID)+"] My trip", last(h.ch.texts()))

	h.send("1", "/switch "+second.ThreadID[:9])
	assert.Equal(t, "Switched to ["+itoa(second.ID)+"] (untitled)", last(h.ch.texts()))
	active, _, err := h.store.ActiveConversation(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
	assert.Equal(t, "Answer in French.", active.SystemPrompt)

	// Another user's conversation is not visible.
	h.send("2", "/switch "+itoa(first.ID))
	assert.Equal(t, "Conversation not found.", last(h.ch.texts()))
	h.send("2", "/history")
	assert.Equal(t, "No conversations yet.", last(h.ch.texts()))
}

func TestChatTurnForwardsVisibleText(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, _ agent.Request, out chan<- agent.Fragment) error {
		frags := []agent.Fragment{
			agent.TextFragment("Hel"),
			{Namespace: []string{"researcher"}, Blocks: []agent.Block{{Type: "text", Text: "nested"}}},
			{ToolCall: true, Blocks: []agent.Block{{Type: "text", Text: `{"q":`}}},
			{Blocks: []agent.Block{{Type: "text", Text: "lo"}, {Type: "image"}, {Type: "text", Text: "!"}}},
			{Blocks: []agent.Block{{Type: "image"}}},
		}
		for _, f := range frags {
			select {
			case out <- f:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	h.send("1", "hi there")

	var tokens []string
	for _, e := range h.ch.snapshot() {
		if e.kind == "token" {
			assert.Equal(t, "chat-1", e.target)
			tokens = append(tokens, e.text)
		}
	}
	assert.Equal(t, []string{"Hel", "lo!"}, tokens)
	assert.Equal(t, 1, h.ch.count("flush"))
	assert.GreaterOrEqual(t, h.ch.count("typing"), 1)
	assert.Empty(t, h.ch.texts())

	conv, ok, err := h.store.ActiveConversation(context.Background(), h.user(t, "1").ID)
	require.NoError(t, err)
	require.True(t, ok, "first chat turn creates the conversation")
	require.Len(t, h.agents.requests, 1)
	assert.Equal(t, agent.Request{
		ThreadID:     conv.ThreadID,
		Model:        defaultModel,
		SystemPrompt: defaultPrompt,
		Message:      "hi there",
	}, h.agents.requests[0])
}

func TestChatTurnStreamError(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, _ agent.Request, out chan<- agent.Fragment) error {
		out <- agent.TextFragment("partial")
		time.Sleep(15 * time.Millisecond)
		return errors.New("model overloaded")
	})
	h.send("1", "hello")

	events := h.ch.snapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, event{kind: "flush", target: "chat-1"}, events[len(events)-1], "flush is the last action")
	assert.Equal(t, 1, h.ch.count("flush"))
	assert.Equal(t, []string{"An error occurred processing your message."}, h.ch.texts())
	assert.Equal(t, 1, h.ch.count("token"))

	// The typing loop is stopped before the flush.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, len(events), len(h.ch.snapshot()))
}

func TestPerUserExclusion(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan string, 4)
	h := newHarness(t, func(ctx context.Context, req agent.Request, _ chan<- agent.Fragment) error {
		started <- req.Message
		if req.Message == "a1" {
			select {
			case <-gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	var wg sync.WaitGroup
	run := func(uid, text string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.send(uid, text)
		}()
	}

	run("1", "a1")
	assert.Equal(t, "a1", receive(t, started))

	run("1", "a2")
	run("2", "b1")
	assert.Equal(t, "b1", receive(t, started), "other users are not blocked")

	select {
	case msg := <-started:
		t.Fatalf("%s started while the user's previous turn was in flight", msg)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 2, h.orch.ActiveTurns(), "the waiting message is tracked")

	close(gate)
	assert.Equal(t, "a2", receive(t, started))
	wg.Wait()
	assert.Zero(t, h.orch.ActiveTurns())
	assert.Equal(t, 3, h.ch.count("flush"))
}

func TestDrainWaitsForTurns(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	h := newHarness(t, func(context.Context, agent.Request, chan<- agent.Fragment) error {
		close(started)
		<-gate
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.send("1", "hello")
	}()
	<-started

	drained := make(chan int, 1)
	go func() { drained <- h.orch.Drain(time.Second) }()
	time.Sleep(10 * time.Millisecond)
	close(gate)

	assert.Equal(t, 0, <-drained)
	<-done
	assert.Equal(t, 1, h.ch.count("flush"))
}

func TestDrainCancelsAfterTimeout(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, _ agent.Request, _ chan<- agent.Fragment) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.send("1", "hello")
	}()
	<-started

	assert.Equal(t, 1, h.orch.Drain(20*time.Millisecond))
	assert.Equal(t, 1, h.ch.count("flush"), "cancelled turns flush before Drain returns")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cancelled turn did not finish")
	}
	assert.Empty(t, h.ch.texts(), "cancellation is not reported as an error")

	h.send("1", "again")
	assert.Equal(t, []string{"Bot is shutting down, please try again later."}, h.ch.texts())
}

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out")
		return ""
	}
}

func last(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return items[len(items)-1]
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
