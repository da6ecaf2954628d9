package telegram

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/memohai/deepmax/internal/channel"
	"github.com/memohai/deepmax/internal/config"
)

type fakeBot struct {
	updates chan tgbotapi.Update

	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	nextID   int
	stopped  bool
}

func newFakeBot() *fakeBot {
	return &fakeBot{updates: make(chan tgbotapi.Update, 8)}
}

func (b *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return b.updates
}

func (b *fakeBot) StopReceivingUpdates() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, c)
	b.nextID++
	return tgbotapi.Message{MessageID: b.nextID}, nil
}

func (b *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (b *fakeBot) sentSnapshot() []tgbotapi.Chattable {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]tgbotapi.Chattable(nil), b.sent...)
}

func newTestAdapter(t *testing.T, bot *fakeBot, allowed []int64) *Adapter {
	t.Helper()
	a := New(nil, config.TelegramConfig{Enabled: true, BotToken: "x", AllowedUsers: allowed},
		WithBot(bot),
		WithEditInterval(10*time.Millisecond),
		WithLimiter(rate.NewLimiter(rate.Inf, 1)),
	)
	return a
}

func textUpdate(userID, chatID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: userID},
		Chat: &tgbotapi.Chat{ID: chatID},
		Text: text,
	}}
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t, newFakeBot(), []int64{42})

	msg, ok := a.normalize(textUpdate(42, -100, "  hello  "))
	require.True(t, ok)
	assert.Equal(t, channel.InboundMessage{
		Channel:     channel.Telegram,
		ChannelUID:  "42",
		ReplyTarget: "-100/42",
		Text:        "hello",
	}, msg)

	msg, ok = a.normalize(textUpdate(42, 42, "/title@DeepmaxBot  Group trip"))
	require.True(t, ok)
	assert.Equal(t, "42", msg.ReplyTarget, "private chats reply to the chat alone")
	assert.Equal(t, "/title  Group trip", msg.Text)

	_, ok = a.normalize(textUpdate(7, 7, "hi"))
	assert.False(t, ok, "sender outside the allow-list is dropped")

	_, ok = a.normalize(textUpdate(42, 42, "   "))
	assert.False(t, ok)

	_, ok = a.normalize(tgbotapi.Update{})
	assert.False(t, ok)
}

func TestEmptyAllowListAdmitsEveryone(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t, newFakeBot(), nil)
	_, ok := a.normalize(textUpdate(999, 999, "hi"))
	assert.True(t, ok)
}

func TestStartDeliversAllowedMessages(t *testing.T) {
	bot := newFakeBot()
	a := newTestAdapter(t, bot, []int64{1})

	got := make(chan channel.InboundMessage, 4)
	require.NoError(t, a.Start(context.Background(), func(_ context.Context, ch channel.Channel, msg channel.InboundMessage) {
		assert.Equal(t, channel.Telegram, ch.Type())
		got <- msg
	}))

	bot.updates <- textUpdate(2, 2, "intruder")
	bot.updates <- textUpdate(1, 1, "/help")

	select {
	case msg := <-got:
		assert.Equal(t, "1", msg.ChannelUID)
		assert.Equal(t, "/help", msg.Text)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	require.NoError(t, a.Stop(context.Background()))
	assert.True(t, bot.stopped)
	assert.Empty(t, got)
	require.NoError(t, a.Stop(context.Background()), "stop is idempotent")
}

func TestStreamingRendersThenFinalizes(t *testing.T) {
	bot := newFakeBot()
	a := newTestAdapter(t, bot, nil)
	require.NoError(t, a.Start(context.Background(), func(context.Context, channel.Channel, channel.InboundMessage) {}))
	defer func() { _ = a.Stop(context.Background()) }()

	ctx := context.Background()
	require.NoError(t, a.SendToken(ctx, "55", "Hello"))
	require.Eventually(t, func() bool { return len(bot.sentSnapshot()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.SendToken(ctx, "55", ", world"))
	require.NoError(t, a.Flush(ctx, "55"))

	sent := bot.sentSnapshot()
	require.GreaterOrEqual(t, len(sent), 2)
	first, ok := sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, int64(55), first.ChatID)
	assert.Equal(t, "Hello", first.Text)

	last, ok := sent[len(sent)-1].(tgbotapi.EditMessageTextConfig)
	require.True(t, ok)
	assert.Equal(t, 1, last.MessageID)
	assert.Equal(t, "Hello, world", last.Text)

	// The buffer is gone after flush; a second flush is a no-op.
	require.NoError(t, a.Flush(ctx, "55"))
	assert.Len(t, bot.sentSnapshot(), len(sent))
}

func TestSendTextChunksLongReplies(t *testing.T) {
	bot := newFakeBot()
	a := newTestAdapter(t, bot, nil)
	require.NoError(t, a.Start(context.Background(), func(context.Context, channel.Channel, channel.InboundMessage) {}))
	defer func() { _ = a.Stop(context.Background()) }()

	line := strings.Repeat("z", 100)
	lines := make([]string, 60)
	for i := range lines {
		lines[i] = line
	}
	require.NoError(t, a.SendText(context.Background(), "9", strings.Join(lines, "\n")))

	sent := bot.sentSnapshot()
	require.Len(t, sent, 2)
	for _, c := range sent {
		msg := c.(tgbotapi.MessageConfig)
		assert.LessOrEqual(t, len(msg.Text), ChunkSize)
	}
}

func TestSendTypingAndInvalidTarget(t *testing.T) {
	bot := newFakeBot()
	a := newTestAdapter(t, bot, nil)

	require.Error(t, a.SendTyping(context.Background(), "7"), "not started")
	require.NoError(t, a.Start(context.Background(), func(context.Context, channel.Channel, channel.InboundMessage) {}))
	defer func() { _ = a.Stop(context.Background()) }()

	require.NoError(t, a.SendTyping(context.Background(), "7"))
	bot.mu.Lock()
	require.Len(t, bot.requests, 1)
	action := bot.requests[0].(tgbotapi.ChatActionConfig)
	bot.mu.Unlock()
	assert.Equal(t, tgbotapi.ChatTyping, action.Action)

	assert.Error(t, a.SendText(context.Background(), "not-a-chat", "hi"))
	assert.Error(t, a.SendToken(context.Background(), "not-a-chat", "hi"))
	assert.Equal(t, MaxMessageLength, a.MaxMessageLength())
}

func TestStripBotMention(t *testing.T) {
	tests := map[string]string{
		"/new@DeepmaxBot":        "/new",
		"/switch@DeepmaxBot 3":   "/switch 3",
		"/help":                  "/help",
		"mail me at a@b.example": "mail me at a@b.example",
		"/title see you @ noon":  "/title see you @ noon",
	}
	for in, want := range tests {
		assert.Equal(t, want, stripBotMention(in), in)
	}
}

func TestGroupChatKeepsRepliesPerSender(t *testing.T) {
	bot := newFakeBot()
	a := New(nil, config.TelegramConfig{Enabled: true, BotToken: "x"},
		WithBot(bot),
		WithEditInterval(time.Hour),
		WithLimiter(rate.NewLimiter(rate.Inf, 1)),
	)
	require.NoError(t, a.Start(context.Background(), func(context.Context, channel.Channel, channel.InboundMessage) {}))
	defer func() { _ = a.Stop(context.Background()) }()

	alice, ok := a.normalize(textUpdate(1, -100, "hi"))
	require.True(t, ok)
	bob, ok := a.normalize(textUpdate(2, -100, "hey"))
	require.True(t, ok)
	require.NotEqual(t, alice.Target(), bob.Target())

	ctx := context.Background()
	require.NoError(t, a.SendToken(ctx, alice.Target(), "ALICE-REPLY"))
	require.NoError(t, a.SendToken(ctx, bob.Target(), "BOB-PART1 "))
	require.NoError(t, a.Flush(ctx, alice.Target()))
	require.NoError(t, a.SendToken(ctx, bob.Target(), "BOB-PART2"))
	require.NoError(t, a.Flush(ctx, bob.Target()))

	sent := bot.sentSnapshot()
	require.Len(t, sent, 2)
	first := sent[0].(tgbotapi.MessageConfig)
	second := sent[1].(tgbotapi.MessageConfig)
	assert.Equal(t, int64(-100), first.ChatID)
	assert.Equal(t, "ALICE-REPLY", first.Text)
	assert.Equal(t, int64(-100), second.ChatID)
	assert.Equal(t, "BOB-PART1 BOB-PART2", second.Text)
}

func TestInboundKeepsArrivalOrderPerSender(t *testing.T) {
	bot := newFakeBot()
	a := newTestAdapter(t, bot, nil)

	var (
		mu    sync.Mutex
		order []string
	)
	otherSeen := make(chan struct{})
	handled := make(chan struct{}, 3)
	require.NoError(t, a.Start(context.Background(), func(_ context.Context, _ channel.Channel, msg channel.InboundMessage) {
		switch msg.Text {
		case "first":
			// Slow identity lookup for the first message; another sender
			// must still get through meanwhile.
			select {
			case <-otherSeen:
			case <-time.After(time.Second):
			}
			time.Sleep(20 * time.Millisecond)
		case "other":
			close(otherSeen)
		}
		mu.Lock()
		order = append(order, msg.ChannelUID+":"+msg.Text)
		mu.Unlock()
		handled <- struct{}{}
	}))
	defer func() { _ = a.Stop(context.Background()) }()

	bot.updates <- textUpdate(1, 1, "first")
	bot.updates <- textUpdate(1, 1, "second")
	bot.updates <- textUpdate(2, 2, "other")

	for i := 0; i < 3; i++ {
		select {
		case <-handled:
		case <-time.After(2 * time.Second):
			t.Fatal("messages not handled")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"2:other", "1:first", "1:second"}, order)
}
