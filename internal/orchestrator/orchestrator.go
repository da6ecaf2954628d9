// Package orchestrator routes normalized inbound messages: access control,
// per-user exclusion, slash-command dispatch and streamed chat turns.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/memohai/deepmax/internal/agent"
	"github.com/memohai/deepmax/internal/channel"
	"github.com/memohai/deepmax/internal/identity"
	"github.com/memohai/deepmax/internal/logger"
)

// User-visible notices.
const (
	msgShuttingDown = "Bot is shutting down, please try again later."
	msgAccessDenied = "Access denied."
	msgTurnFailed   = "An error occurred processing your message."
)

// DefaultTypingInterval is the presence indicator cadence during a chat turn.
const DefaultTypingInterval = 4 * time.Second

// AgentProvider hands out the agent serving a model. *agent.Manager implements it.
type AgentProvider interface {
	Get(model string) (agent.Agent, error)
}

// Options configures an Orchestrator.
type Options struct {
	DefaultModel        string
	DefaultSystemPrompt string
	TypingInterval      time.Duration
}

// Orchestrator is the inbound handler shared by every channel.
type Orchestrator struct {
	store    identity.Store
	agents   AgentProvider
	logger   *slog.Logger
	opts     Options
	commands map[string]commandHandler

	shuttingDown atomic.Bool
	locks        *userLocks
	turns        *turnTracker
}

// New builds an Orchestrator.
func New(log *slog.Logger, store identity.Store, agents AgentProvider, opts Options) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if opts.TypingInterval <= 0 {
		opts.TypingInterval = DefaultTypingInterval
	}
	o := &Orchestrator{
		store:  store,
		agents: agents,
		logger: log.With(slog.String("component", "orchestrator")),
		opts:   opts,
		locks:  newUserLocks(),
		turns:  newTurnTracker(),
	}
	o.commands = o.commandTable()
	return o
}

// HandleMessage implements channel.InboundHandler. It returns once the
// message is fully processed; every failure is answered on ch.
func (o *Orchestrator) HandleMessage(ctx context.Context, ch channel.Channel, msg channel.InboundMessage) {
	target := msg.Target()
	if o.shuttingDown.Load() {
		o.reply(ctx, ch, target, msgShuttingDown)
		return
	}

	user, ok, err := o.store.Resolve(ctx, string(msg.Channel), msg.ChannelUID)
	if err != nil {
		o.logger.Error("resolve identity failed",
			slog.String("channel", string(msg.Channel)),
			slog.String("channel_uid", msg.ChannelUID),
			slog.Any("error", err))
		o.reply(ctx, ch, target, msgTurnFailed)
		return
	}
	if !ok {
		o.logger.Warn("Access denied",
			slog.String("channel", string(msg.Channel)),
			slog.String("channel_uid", msg.ChannelUID))
		o.reply(ctx, ch, target, msgAccessDenied)
		return
	}

	turnCtx, finish, ok := o.turns.begin(ctx)
	if !ok {
		o.reply(ctx, ch, target, msgShuttingDown)
		return
	}
	defer finish()

	unlock, err := o.locks.acquire(turnCtx, user.ID)
	if err != nil {
		o.logger.Info("turn abandoned while waiting", slog.Int64("user_id", user.ID), slog.Any("error", err))
		return
	}
	defer unlock()

	turnCtx = logger.WithContext(turnCtx,
		o.logger.With(slog.Int64("user_id", user.ID), slog.String("channel", string(msg.Channel))))
	if cmd, args, isCmd := channel.ParseSlashCommand(msg.Text); isCmd {
		o.dispatch(turnCtx, ch, target, user, cmd, args)
		return
	}
	o.chat(turnCtx, ch, target, user, msg.Text)
}

func (o *Orchestrator) dispatch(ctx context.Context, ch channel.Channel, target string, user identity.User, cmd, args string) {
	handler, ok := o.commands[cmd]
	if !ok {
		handler = unknownCommand(cmd)
	}
	text, err := handler(ctx, user, args)
	if err != nil {
		logger.FromContext(ctx).Error("command failed", slog.String("command", cmd), slog.Any("error", err))
		text = msgTurnFailed
	}
	o.reply(ctx, ch, target, text)
}

func (o *Orchestrator) chat(ctx context.Context, ch channel.Channel, target string, user identity.User, text string) {
	log := logger.FromContext(ctx)
	conv, err := o.store.GetOrCreateActiveConversation(ctx, user.ID, o.opts.DefaultModel, o.opts.DefaultSystemPrompt)
	if err != nil {
		log.Error("load active conversation failed", slog.Any("error", err))
		o.reply(ctx, ch, target, msgTurnFailed)
		return
	}
	ctx = logger.WithContext(ctx, log.With(slog.Int64("conversation_id", conv.ID)))
	o.streamTurn(ctx, ch, target, conv, text)
}

// streamTurn forwards the agent's visible text to ch. The typing loop is
// stopped and awaited, then the target is flushed exactly once, on every path.
func (o *Orchestrator) streamTurn(ctx context.Context, ch channel.Channel, target string, conv identity.Conversation, text string) {
	log := logger.FromContext(ctx)
	typingCtx, stopTyping := context.WithCancel(ctx)
	typingDone := make(chan struct{})
	go func() {
		defer close(typingDone)
		o.typingLoop(typingCtx, ch, target)
	}()

	defer func() {
		stopTyping()
		<-typingDone
		if err := ch.Flush(context.WithoutCancel(ctx), target); err != nil {
			log.Warn("flush failed", slog.Any("error", err))
		}
	}()

	err := o.forward(ctx, ch, target, conv, text)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		log.Warn("turn cancelled", slog.Any("error", err))
	default:
		log.Error("stream response failed", slog.String("thread_id", conv.ThreadID), slog.Any("error", err))
		o.reply(context.WithoutCancel(ctx), ch, target, msgTurnFailed)
	}
}

func (o *Orchestrator) forward(ctx context.Context, ch channel.Channel, target string, conv identity.Conversation, text string) error {
	ag, err := o.agents.Get(conv.Model)
	if err != nil {
		return err
	}
	prompt := conv.SystemPrompt
	if prompt == "" {
		prompt = o.opts.DefaultSystemPrompt
	}
	fragments, errs := ag.Stream(ctx, agent.Request{
		ThreadID:     conv.ThreadID,
		Model:        conv.Model,
		SystemPrompt: prompt,
		Message:      text,
	})
	for frag := range fragments {
		if !frag.Visible() {
			continue
		}
		token := frag.Text()
		if token == "" {
			continue
		}
		if err := ch.SendToken(ctx, target, token); err != nil {
			logger.FromContext(ctx).Warn("send token failed", slog.Any("error", err))
		}
	}
	if err := <-errs; err != nil {
		return err
	}
	return ctx.Err()
}

func (o *Orchestrator) typingLoop(ctx context.Context, ch channel.Channel, target string) {
	ticker := time.NewTicker(o.opts.TypingInterval)
	defer ticker.Stop()
	for {
		if err := ch.SendTyping(ctx, target); err != nil && !errors.Is(err, context.Canceled) {
			logger.FromContext(ctx).Debug("send typing failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) reply(ctx context.Context, ch channel.Channel, target, text string) {
	if err := ch.SendText(ctx, target, text); err != nil {
		o.logger.Warn("send reply failed",
			slog.String("channel", string(ch.Type())),
			slog.String("target", target),
			slog.Any("error", err))
	}
}

// BeginShutdown makes every later message receive the shutdown notice.
func (o *Orchestrator) BeginShutdown() {
	o.shuttingDown.Store(true)
	o.turns.close()
}

// ShuttingDown reports whether BeginShutdown was called.
func (o *Orchestrator) ShuttingDown() bool {
	return o.shuttingDown.Load()
}

// Drain stops accepting messages and waits up to timeout for in-flight
// turns. Turns still running afterwards are cancelled and briefly awaited;
// the count of cancelled turns is returned.
func (o *Orchestrator) Drain(timeout time.Duration) int {
	o.shuttingDown.Store(true)
	return o.turns.wait(o.logger, timeout)
}

// ActiveTurns returns the number of in-flight messages past access control.
func (o *Orchestrator) ActiveTurns() int {
	return o.turns.len()
}
