// Package discord implements the discord channel on a gateway session, with
// the same edit-streaming renderer as telegram under discord's limits.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/memohai/deepmax/internal/channel"
	"github.com/memohai/deepmax/internal/channel/stream"
	"github.com/memohai/deepmax/internal/config"
)

// Platform limits.
const (
	MaxMessageLength = 2000
	ChunkSize        = 1900
	EditInterval     = time.Second
)

// session is the subset of *discordgo.Session the adapter uses.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithSession injects a session instead of dialing with the token.
func WithSession(s session) Option {
	return func(a *Adapter) { a.newSession = func(string) (session, error) { return s, nil } }
}

// WithEditInterval overrides the partial-render debounce.
func WithEditInterval(d time.Duration) Option {
	return func(a *Adapter) { a.editInterval = d }
}

// Adapter is the discord channel.
type Adapter struct {
	token        string
	allowed      channel.AllowList[string]
	logger       *slog.Logger
	limiter      *rate.Limiter
	editInterval time.Duration
	newSession   func(token string) (session, error)
	queue        *channel.SenderQueue

	mu      sync.Mutex
	sess    session
	ctx     context.Context
	cancel  context.CancelFunc
	remove  func()
	handler channel.InboundHandler
	buffers map[string]*stream.Buffer
}

var _ channel.Channel = (*Adapter)(nil)

// New returns a discord adapter for cfg.
func New(log *slog.Logger, cfg config.DiscordConfig, opts ...Option) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	a := &Adapter{
		token:        cfg.BotToken,
		allowed:      channel.NewAllowList(cfg.AllowedUsers),
		logger:       log.With(slog.String("adapter", "discord")),
		limiter:      rate.NewLimiter(rate.Every(250*time.Millisecond), 4),
		editInterval: EditInterval,
		newSession:   dial,
		queue:        channel.NewSenderQueue(),
		buffers:      make(map[string]*stream.Buffer),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func dial(token string) (session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	// Handlers run on the event loop in arrival order; onMessage only queues.
	s.SyncEvents = true
	return s, nil
}

func (a *Adapter) Type() channel.Type {
	return channel.Discord
}

func (a *Adapter) MaxMessageLength() int {
	return MaxMessageLength
}

func (a *Adapter) Start(ctx context.Context, handler channel.InboundHandler) error {
	discordgo.Logger = a.libraryLog
	sess, err := a.newSession(a.token)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	a.sess = sess
	a.ctx = runCtx
	a.cancel = cancel
	a.handler = handler
	a.remove = sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.onMessage(m)
	})
	a.mu.Unlock()

	if err := sess.Open(); err != nil {
		cancel()
		return fmt.Errorf("open session: %w", err)
	}
	a.logger.Info("start", slog.Int("allowed_users", a.allowed.Len()))
	return nil
}

// libraryLog routes discordgo's internal logging through slog.
func (a *Adapter) libraryLog(level, _ int, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	switch level {
	case discordgo.LogError:
		a.logger.Error(msg, slog.String("source", "discordgo"))
	case discordgo.LogWarning:
		a.logger.Warn(msg, slog.String("source", "discordgo"))
	default:
		a.logger.Debug(msg, slog.String("source", "discordgo"))
	}
}

// onMessage runs on discordgo's event loop and queues the message per sender.
func (a *Adapter) onMessage(m *discordgo.MessageCreate) {
	msg, ok := a.normalize(m)
	if !ok {
		return
	}
	a.mu.Lock()
	ctx, handler := a.ctx, a.handler
	a.mu.Unlock()
	if ctx == nil || handler == nil || ctx.Err() != nil {
		return
	}
	a.logger.Info("inbound received",
		slog.String("channel_id", msg.ReplyTarget),
		slog.String("user_id", msg.ChannelUID),
		slog.String("text", channel.SummarizeText(msg.Text)))
	a.queue.Dispatch(ctx, a, handler, msg)
}

func (a *Adapter) normalize(m *discordgo.MessageCreate) (channel.InboundMessage, bool) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return channel.InboundMessage{}, false
	}
	text := strings.TrimSpace(m.Content)
	if text == "" {
		return channel.InboundMessage{}, false
	}
	if !a.allowed.Allowed(m.Author.ID) {
		a.logger.Debug("sender not allowed", slog.String("user_id", m.Author.ID))
		return channel.InboundMessage{}, false
	}
	return channel.InboundMessage{
		Channel:     channel.Discord,
		ChannelUID:  m.Author.ID,
		ReplyTarget: channel.TurnTarget(m.ChannelID, m.Author.ID),
		Text:        text,
	}, true
}

func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	sess, cancel, remove := a.sess, a.cancel, a.remove
	a.cancel, a.remove = nil, nil
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	a.logger.Info("stop")
	if remove != nil {
		remove()
	}
	cancel()
	return sess.Close()
}

func (a *Adapter) SendToken(_ context.Context, target, text string) error {
	if strings.TrimSpace(target) == "" {
		return errors.New("discord channel id is required")
	}
	a.mu.Lock()
	buf, ok := a.buffers[target]
	if !ok {
		ctx := a.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		buf = stream.NewBuffer(ctx, newMessenger(a, target), stream.Options{
			Limit:     MaxMessageLength,
			ChunkSize: ChunkSize,
			EditDelay: a.editInterval,
			Logger:    a.logger.With(slog.String("target", target)),
		})
		a.buffers[target] = buf
	}
	a.mu.Unlock()
	buf.Append(text)
	return nil
}

func (a *Adapter) Flush(ctx context.Context, target string) error {
	a.mu.Lock()
	buf, ok := a.buffers[target]
	delete(a.buffers, target)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return buf.Finalize(ctx)
}

func (a *Adapter) SendTyping(ctx context.Context, target string) error {
	sess, err := a.client(ctx)
	if err != nil {
		return err
	}
	return sess.ChannelTyping(newMessenger(a, target).channelID)
}

func (a *Adapter) SendText(ctx context.Context, target, text string) error {
	m := newMessenger(a, target)
	return stream.SendChunked(ctx, func(ctx context.Context, chunk string) error {
		_, err := m.Send(ctx, chunk)
		return err
	}, text, MaxMessageLength, ChunkSize)
}

func (a *Adapter) client(ctx context.Context) (session, error) {
	a.mu.Lock()
	sess := a.sess
	a.mu.Unlock()
	if sess == nil {
		return nil, errors.New("discord adapter not started")
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

type messenger struct {
	adapter   *Adapter
	channelID string
}

// newMessenger renders into the channel part of a reply target.
func newMessenger(a *Adapter, target string) *messenger {
	channelID, _ := channel.SplitTarget(target)
	return &messenger{adapter: a, channelID: channelID}
}

func (m *messenger) Send(ctx context.Context, text string) (string, error) {
	sess, err := m.adapter.client(ctx)
	if err != nil {
		return "", err
	}
	msg, err := sess.ChannelMessageSend(m.channelID, text, discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (m *messenger) Edit(ctx context.Context, ref, text string) error {
	sess, err := m.adapter.client(ctx)
	if err != nil {
		return err
	}
	_, err = sess.ChannelMessageEdit(m.channelID, ref, text, discordgo.WithContext(ctx))
	return err
}

func (m *messenger) Delete(ctx context.Context, ref string) error {
	sess, err := m.adapter.client(ctx)
	if err != nil {
		return err
	}
	return sess.ChannelMessageDelete(m.channelID, ref, discordgo.WithContext(ctx))
}
