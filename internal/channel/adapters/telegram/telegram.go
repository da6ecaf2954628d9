// Package telegram implements the telegram channel: long-polled updates in,
// debounced edit-streaming replies out.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/memohai/deepmax/internal/channel"
	"github.com/memohai/deepmax/internal/channel/stream"
	"github.com/memohai/deepmax/internal/config"
)

// Platform limits.
const (
	MaxMessageLength = 4096
	ChunkSize        = 3500
	EditInterval     = time.Second
	pollTimeout      = 30
)

// botAPI is the subset of *tgbotapi.BotAPI the adapter uses.
type botAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithBot injects a ready bot client instead of dialing with the token.
func WithBot(bot botAPI) Option {
	return func(a *Adapter) { a.newBot = func(string) (botAPI, error) { return bot, nil } }
}

// WithEditInterval overrides the partial-render debounce.
func WithEditInterval(d time.Duration) Option {
	return func(a *Adapter) { a.editInterval = d }
}

// WithLimiter overrides the outbound API rate limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(a *Adapter) { a.limiter = l }
}

// Adapter is the telegram channel.
type Adapter struct {
	token        string
	allowed      channel.AllowList[int64]
	logger       *slog.Logger
	limiter      *rate.Limiter
	editInterval time.Duration
	newBot       func(token string) (botAPI, error)
	queue        *channel.SenderQueue

	mu      sync.Mutex
	bot     botAPI
	cancel  context.CancelFunc
	done    chan struct{}
	ctx     context.Context
	buffers map[string]*stream.Buffer
}

var _ channel.Channel = (*Adapter)(nil)

// New returns a telegram adapter for cfg.
func New(log *slog.Logger, cfg config.TelegramConfig, opts ...Option) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	a := &Adapter{
		token:        cfg.BotToken,
		allowed:      channel.NewAllowList(cfg.AllowedUsers),
		logger:       log.With(slog.String("adapter", "telegram")),
		limiter:      rate.NewLimiter(rate.Limit(25), 5),
		editInterval: EditInterval,
		newBot: func(token string) (botAPI, error) {
			return tgbotapi.NewBotAPI(token)
		},
		queue:   channel.NewSenderQueue(),
		buffers: make(map[string]*stream.Buffer),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Type() channel.Type {
	return channel.Telegram
}

func (a *Adapter) MaxMessageLength() int {
	return MaxMessageLength
}

func (a *Adapter) Start(ctx context.Context, handler channel.InboundHandler) error {
	if err := tgbotapi.SetLogger(&slogBotLogger{log: a.logger}); err != nil {
		a.logger.Warn("set bot logger failed", slog.Any("error", err))
	}
	bot, err := a.newBot(a.token)
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = pollTimeout
	updates := bot.GetUpdatesChan(updateConfig)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	a.mu.Lock()
	a.bot = bot
	a.ctx = runCtx
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	go a.receive(runCtx, updates, handler, done)
	a.logger.Info("start", slog.Int("allowed_users", a.allowed.Len()))
	return nil
}

func (a *Adapter) receive(ctx context.Context, updates tgbotapi.UpdatesChannel, handler channel.InboundHandler, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				a.logger.Info("updates channel closed")
				return
			}
			msg, ok := a.normalize(update)
			if !ok {
				continue
			}
			a.logger.Info("inbound received",
				slog.String("chat_id", msg.ReplyTarget),
				slog.String("user_id", msg.ChannelUID),
				slog.String("text", channel.SummarizeText(msg.Text)))
			a.queue.Dispatch(ctx, a, handler, msg)
		}
	}
}

// normalize maps an update to an InboundMessage, dropping non-text updates
// and senders outside the allow-list.
func (a *Adapter) normalize(update tgbotapi.Update) (channel.InboundMessage, bool) {
	m := update.Message
	if m == nil || m.From == nil || m.Chat == nil {
		return channel.InboundMessage{}, false
	}
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return channel.InboundMessage{}, false
	}
	if !a.allowed.Allowed(m.From.ID) {
		a.logger.Debug("sender not allowed", slog.Int64("user_id", m.From.ID))
		return channel.InboundMessage{}, false
	}
	uid := strconv.FormatInt(m.From.ID, 10)
	return channel.InboundMessage{
		Channel:     channel.Telegram,
		ChannelUID:  uid,
		ReplyTarget: channel.TurnTarget(strconv.FormatInt(m.Chat.ID, 10), uid),
		Text:        stripBotMention(text),
	}, true
}

// stripBotMention turns "/new@SomeBot args" into "/new args". Group chats
// address commands to a bot this way.
func stripBotMention(text string) string {
	if !strings.HasPrefix(text, "/") {
		return text
	}
	end := strings.IndexFunc(text, unicode.IsSpace)
	if end < 0 {
		end = len(text)
	}
	if at := strings.IndexByte(text[:end], '@'); at > 0 {
		return text[:at] + text[end:]
	}
	return text
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	bot, cancel, done := a.bot, a.cancel, a.done
	a.cancel = nil
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}

	a.logger.Info("stop")
	cancel()
	bot.StopReceivingUpdates()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) SendToken(_ context.Context, target, text string) error {
	buf, err := a.buffer(target)
	if err != nil {
		return err
	}
	buf.Append(text)
	return nil
}

func (a *Adapter) buffer(target string) (*stream.Buffer, error) {
	chatID, err := parseChatID(target)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if buf, ok := a.buffers[target]; ok {
		return buf, nil
	}
	ctx := a.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	buf := stream.NewBuffer(ctx, &messenger{adapter: a, chatID: chatID}, stream.Options{
		Limit:     MaxMessageLength,
		ChunkSize: ChunkSize,
		EditDelay: a.editInterval,
		Logger:    a.logger.With(slog.String("target", target)),
	})
	a.buffers[target] = buf
	return buf, nil
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
	chatID, err := parseChatID(target)
	if err != nil {
		return err
	}
	bot, err := a.client(ctx)
	if err != nil {
		return err
	}
	_, err = bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	return err
}

func (a *Adapter) SendText(ctx context.Context, target, text string) error {
	chatID, err := parseChatID(target)
	if err != nil {
		return err
	}
	m := &messenger{adapter: a, chatID: chatID}
	return stream.SendChunked(ctx, func(ctx context.Context, chunk string) error {
		_, err := m.Send(ctx, chunk)
		return err
	}, text, MaxMessageLength, ChunkSize)
}

// client waits for the rate limiter and returns the bot.
func (a *Adapter) client(ctx context.Context) (botAPI, error) {
	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()
	if bot == nil {
		return nil, errors.New("telegram adapter not started")
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return bot, nil
}

// messenger renders one chat's stream.
type messenger struct {
	adapter *Adapter
	chatID  int64
}

func (m *messenger) Send(ctx context.Context, text string) (string, error) {
	bot, err := m.adapter.client(ctx)
	if err != nil {
		return "", err
	}
	sent, err := bot.Send(tgbotapi.NewMessage(m.chatID, text))
	if err != nil {
		return "", err
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (m *messenger) Edit(ctx context.Context, ref, text string) error {
	id, err := strconv.Atoi(ref)
	if err != nil {
		return fmt.Errorf("invalid message ref %q", ref)
	}
	bot, err := m.adapter.client(ctx)
	if err != nil {
		return err
	}
	_, err = bot.Send(tgbotapi.NewEditMessageText(m.chatID, id, text))
	if err != nil && strings.Contains(err.Error(), "message is not modified") {
		return nil
	}
	return err
}

func (m *messenger) Delete(ctx context.Context, ref string) error {
	id, err := strconv.Atoi(ref)
	if err != nil {
		return fmt.Errorf("invalid message ref %q", ref)
	}
	bot, err := m.adapter.client(ctx)
	if err != nil {
		return err
	}
	_, err = bot.Request(tgbotapi.NewDeleteMessage(m.chatID, id))
	return err
}

// parseChatID extracts the chat from a reply target.
func parseChatID(target string) (int64, error) {
	chat, _ := channel.SplitTarget(strings.TrimSpace(target))
	id, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q", target)
	}
	return id, nil
}

// slogBotLogger routes tgbotapi's internal logging through slog.
type slogBotLogger struct {
	log *slog.Logger
}

func (s *slogBotLogger) Println(v ...any) {
	s.log.Warn(strings.TrimSpace(fmt.Sprintln(v...)), slog.String("source", "tgbotapi"))
}

func (s *slogBotLogger) Printf(format string, v ...any) {
	s.log.Warn(fmt.Sprintf(format, v...), slog.String("source", "tgbotapi"))
}
