package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// userLocks is the per-user exclusion table. Entries live for the process
// lifetime.
type userLocks struct {
	mu    sync.Mutex
	locks map[int64]chan struct{}
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[int64]chan struct{})}
}

// acquire blocks until the user's section is free or ctx ends.
func (l *userLocks) acquire(ctx context.Context, userID int64) (func(), error) {
	l.mu.Lock()
	sem, ok := l.locks[userID]
	if !ok {
		sem = make(chan struct{}, 1)
		l.locks[userID] = sem
	}
	l.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// cancelGrace bounds how long wait lingers for turns it has cancelled, so
// their final flush lands before the adapters stop.
const cancelGrace = 5 * time.Second

type turn struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// turnTracker is the live set of in-flight messages. Once closed it admits
// no new turns.
type turnTracker struct {
	mu     sync.Mutex
	next   uint64
	closed bool
	turns  map[uint64]*turn
	grace  time.Duration
}

func newTurnTracker() *turnTracker {
	return &turnTracker{turns: make(map[uint64]*turn), grace: cancelGrace}
}

// begin registers a turn. ok is false after close.
func (t *turnTracker) begin(parent context.Context) (ctx context.Context, finish func(), ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	tr := &turn{cancel: cancel, done: make(chan struct{})}
	t.next++
	id := t.next
	t.turns[id] = tr

	return ctx, func() {
		t.mu.Lock()
		delete(t.turns, id)
		t.mu.Unlock()
		cancel()
		close(tr.done)
	}, true
}

func (t *turnTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.turns)
}

// close refuses later turns and returns the ones in flight. No turn can
// slip in between the two.
func (t *turnTracker) close() []*turn {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	out := make([]*turn, 0, len(t.turns))
	for _, tr := range t.turns {
		out = append(out, tr)
	}
	return out
}

// wait closes the tracker and blocks until the turns in flight have finished
// or timeout elapses. The rest are cancelled and given a short grace to run
// their cleanup; the number cancelled is returned.
func (t *turnTracker) wait(log *slog.Logger, timeout time.Duration) int {
	pending := t.close()
	if len(pending) == 0 {
		return 0
	}
	log.Info("waiting for active turns", slog.Int("count", len(pending)))

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for i, tr := range pending {
		select {
		case <-tr.done:
		case <-deadline.C:
			return t.cancelRest(log, pending[i:])
		}
	}
	return 0
}

func (t *turnTracker) cancelRest(log *slog.Logger, rest []*turn) int {
	var cancelled []*turn
	for _, r := range rest {
		select {
		case <-r.done:
		default:
			r.cancel()
			cancelled = append(cancelled, r)
		}
	}
	if len(cancelled) == 0 {
		return 0
	}
	log.Warn("timed out waiting for active turns", slog.Int("cancelled", len(cancelled)))

	grace := time.NewTimer(t.grace)
	defer grace.Stop()
	for _, r := range cancelled {
		select {
		case <-r.done:
		case <-grace.C:
			log.Warn("cancelled turns still running after grace period")
			return len(cancelled)
		}
	}
	return len(cancelled)
}
