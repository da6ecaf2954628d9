// Package stream renders streamed agent output on platforms with editable
// messages: debounced partial edits while tokens arrive, then a final render
// that splits oversized replies into markdown-safe chunks.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// DefaultEditDelay is the debounce between the first unrendered token and
// the partial render that shows it.
const DefaultEditDelay = time.Second

// Messenger is the platform surface for one reply target.
type Messenger interface {
	Send(ctx context.Context, text string) (ref string, err error)
	Edit(ctx context.Context, ref, text string) error
	Delete(ctx context.Context, ref string) error
}

// Options configures a Buffer.
type Options struct {
	// Limit is the platform's single-message length.
	Limit int
	// ChunkSize is the target size for chunks of an oversized final reply.
	ChunkSize int
	// EditDelay defaults to DefaultEditDelay.
	EditDelay time.Duration
	Logger    *slog.Logger
}

// Buffer accumulates one turn's tokens for one target. Append is safe to call
// from the streaming goroutine while a partial render runs on the timer.
type Buffer struct {
	ctx       context.Context
	messenger Messenger
	opts      Options
	logger    *slog.Logger

	mu        sync.Mutex
	text      strings.Builder
	timer     *time.Timer
	pending   bool
	finalized bool

	// renderMu serializes platform calls; the fields below are guarded by it.
	renderMu sync.Mutex
	ref      string
	rendered string
}

// NewBuffer returns a Buffer rendering through m. ctx bounds the timer-driven
// partial renders.
func NewBuffer(ctx context.Context, m Messenger, opts Options) *Buffer {
	if opts.EditDelay <= 0 {
		opts.EditDelay = DefaultEditDelay
	}
	if opts.ChunkSize <= 0 || (opts.Limit > 0 && opts.ChunkSize > opts.Limit) {
		opts.ChunkSize = opts.Limit
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Buffer{
		ctx:       context.WithoutCancel(ctx),
		messenger: m,
		opts:      opts,
		logger:    log,
	}
}

// Append adds text and schedules a partial render unless one is pending.
func (b *Buffer) Append(text string) {
	if text == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return
	}
	b.text.WriteString(text)
	if b.pending {
		return
	}
	b.pending = true
	b.timer = time.AfterFunc(b.opts.EditDelay, b.renderPartial)
}

// Text returns everything appended so far.
func (b *Buffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text.String()
}

func (b *Buffer) renderPartial() {
	b.renderMu.Lock()
	defer b.renderMu.Unlock()

	b.mu.Lock()
	if b.finalized {
		b.mu.Unlock()
		return
	}
	b.pending = false
	view := truncateRunes(b.text.String(), b.opts.Limit)
	b.mu.Unlock()

	if view == b.rendered || strings.TrimSpace(view) == "" {
		return
	}
	if b.ref == "" {
		ref, err := b.messenger.Send(b.ctx, view)
		if err != nil {
			b.logger.Warn("partial send failed", slog.Any("error", err))
			return
		}
		b.ref = ref
	} else if err := b.messenger.Edit(b.ctx, b.ref, view); err != nil {
		b.logger.Warn("partial edit failed", slog.String("ref", b.ref), slog.Any("error", err))
		return
	}
	b.rendered = view
}

// Finalize cancels any pending partial render and delivers the full reply.
// Delivery failures are collected; remaining chunks are still attempted.
func (b *Buffer) Finalize(ctx context.Context) error {
	b.mu.Lock()
	if b.finalized {
		b.mu.Unlock()
		return nil
	}
	b.finalized = true
	if b.timer != nil {
		b.timer.Stop()
	}
	final := b.text.String()
	b.mu.Unlock()

	// Waits for a partial render already in flight.
	b.renderMu.Lock()
	defer b.renderMu.Unlock()

	if strings.TrimSpace(final) == "" {
		return nil
	}

	if b.opts.Limit <= 0 || utf8.RuneCountInString(final) <= b.opts.Limit {
		if b.ref == "" {
			ref, err := b.messenger.Send(ctx, final)
			if err != nil {
				return fmt.Errorf("send reply: %w", err)
			}
			b.ref = ref
		} else if final != b.rendered {
			if err := b.messenger.Edit(ctx, b.ref, final); err != nil {
				return fmt.Errorf("edit reply: %w", err)
			}
		}
		b.rendered = final
		return nil
	}

	if b.ref != "" {
		if err := b.messenger.Delete(ctx, b.ref); err != nil {
			b.logger.Warn("delete partial reply failed", slog.String("ref", b.ref), slog.Any("error", err))
		}
		b.ref, b.rendered = "", ""
	}
	var errs []error
	for i, chunk := range ChunkMarkdown(final, b.opts.ChunkSize) {
		if _, err := b.messenger.Send(ctx, chunk); err != nil {
			errs = append(errs, fmt.Errorf("send chunk %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
