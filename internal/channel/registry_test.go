package channel

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChannel struct {
	typ      Type
	startErr error
	stopErr  error

	mu      sync.Mutex
	started bool
	stopped int
	ctx     context.Context
}

func (s *stubChannel) Type() Type { return s.typ }

func (s *stubChannel) Start(ctx context.Context, _ InboundHandler) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	s.ctx = ctx
	return nil
}

func (s *stubChannel) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
	return s.stopErr
}

func (s *stubChannel) SendToken(context.Context, string, string) error { return nil }
func (s *stubChannel) Flush(context.Context, string) error             { return nil }
func (s *stubChannel) SendTyping(context.Context, string) error         { return nil }
func (s *stubChannel) SendText(context.Context, string, string) error  { return nil }
func (s *stubChannel) MaxMessageLength() int                           { return 100 }

func (s *stubChannel) stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func noopHandler(context.Context, Channel, InboundMessage) {}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&stubChannel{typ: Telegram}))
	require.NoError(t, r.Register(&stubChannel{typ: Discord}))

	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(&stubChannel{typ: " "}))
	assert.Error(t, r.Register(&stubChannel{typ: "TELEGRAM"}), "types compare case-insensitively")

	ch, ok := r.Get(Discord)
	require.True(t, ok)
	assert.Equal(t, Discord, ch.Type())
	_, ok = r.Get(Terminal)
	assert.False(t, ok)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, Telegram, list[0].Type())
	assert.Equal(t, Discord, list[1].Type())
}

func TestRegistryStartAllEmpty(t *testing.T) {
	assert.Error(t, NewRegistry(nil).StartAll(context.Background(), noopHandler))
}

func TestRegistryStartAllRollsBack(t *testing.T) {
	r := NewRegistry(nil)
	first := &stubChannel{typ: Terminal}
	second := &stubChannel{typ: Telegram, startErr: errors.New("bad token")}
	third := &stubChannel{typ: Discord}
	for _, ch := range []*stubChannel{first, second, third} {
		require.NoError(t, r.Register(ch))
	}

	err := r.StartAll(context.Background(), noopHandler)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start telegram")
	assert.Equal(t, 1, first.stops())
	assert.Zero(t, third.stops())
	assert.False(t, third.started)
	require.NotNil(t, first.ctx)
	assert.Error(t, first.ctx.Err(), "background context is cancelled on rollback")
}

func TestRegistryStopAll(t *testing.T) {
	r := NewRegistry(nil)
	a := &stubChannel{typ: Terminal, stopErr: errors.New("stuck")}
	b := &stubChannel{typ: Discord}
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	startCtx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.StartAll(startCtx, noopHandler))
	cancel()
	assert.NoError(t, a.ctx.Err(), "adapters outlive the start context")

	r.StopAll(context.Background())
	assert.Equal(t, 1, a.stops())
	assert.Equal(t, 1, b.stops())
	assert.Error(t, b.ctx.Err())

	// A second stop is harmless.
	r.StopAll(context.Background())
	assert.Equal(t, 2, b.stops())
}
