package agent

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// ErrClosed is returned by Manager.Get after Close.
var ErrClosed = errors.New("agent manager closed")

// Factory builds the agent serving model.
type Factory func(model string) (Agent, error)

// Manager caches one Agent per model string.
type Manager struct {
	factory Factory
	logger  *slog.Logger

	mu     sync.Mutex
	agents map[string]Agent
	closed bool
}

// NewManager returns an empty cache that builds agents with factory.
func NewManager(log *slog.Logger, factory Factory) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		factory: factory,
		logger:  log.With(slog.String("component", "agent_manager")),
		agents:  make(map[string]Agent),
	}
}

// Get returns the cached agent for model, building it on first use.
func (m *Manager) Get(model string) (Agent, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("model is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if a, ok := m.agents[model]; ok {
		return a, nil
	}
	a, err := m.factory(model)
	if err != nil {
		return nil, fmt.Errorf("build agent for %s: %w", model, err)
	}
	m.agents[model] = a
	m.logger.Info("agent created", slog.String("model", model))
	return a, nil
}

// Close releases every cached agent that holds resources.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	for model, a := range m.agents {
		if c, ok := a.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close agent %s: %w", model, err))
			}
		}
	}
	m.agents = nil
	return errors.Join(errs...)
}
