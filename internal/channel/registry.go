package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Registry holds the enabled channels and drives their lifecycle together.
type Registry struct {
	mu       sync.RWMutex
	channels map[Type]Channel
	order    []Type
	logger   *slog.Logger

	cancel context.CancelFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		channels: map[Type]Channel{},
		logger:   log.With(slog.String("component", "channels")),
	}
}

// Register adds a channel. Each type may be registered once.
func (r *Registry) Register(ch Channel) error {
	if ch == nil {
		return errors.New("channel is nil")
	}
	ct := normalizeType(ch.Type().String())
	if ct == "" {
		return errors.New("channel type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.channels[ct]; exists {
		return fmt.Errorf("channel type already registered: %s", ct)
	}
	r.channels[ct] = ch
	r.order = append(r.order, ct)
	return nil
}

// Get returns the channel registered for ct.
func (r *Registry) Get(ct Type) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[normalizeType(ct.String())]
	return ch, ok
}

// List returns channels in registration order.
func (r *Registry) List() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.order))
	for _, ct := range r.order {
		out = append(out, r.channels[ct])
	}
	return out
}

// Len reports how many channels are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// StartAll starts every channel under a shared background context. If one
// fails, the channels already started are stopped again.
func (r *Registry) StartAll(ctx context.Context, handler InboundHandler) error {
	if r.Len() == 0 {
		return errors.New("no channels registered")
	}
	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	var started []Channel
	for _, ch := range r.List() {
		if err := ch.Start(bg, handler); err != nil {
			for _, s := range started {
				_ = s.Stop(ctx)
			}
			cancel()
			return fmt.Errorf("start %s: %w", ch.Type(), err)
		}
		started = append(started, ch)
		r.logger.Info("channel started", slog.String("channel", ch.Type().String()))
	}
	return nil
}

// StopAll stops every channel, then cancels their background tasks.
// Stop failures are logged and do not prevent the remaining stops.
func (r *Registry) StopAll(ctx context.Context) {
	for _, ch := range r.List() {
		if err := ch.Stop(ctx); err != nil {
			r.logger.Warn("channel stop failed", slog.String("channel", ch.Type().String()), slog.Any("error", err))
			continue
		}
		r.logger.Info("channel stopped", slog.String("channel", ch.Type().String()))
	}
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
