package channels

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Manager owns the lifecycle of all registered channels and resolves the
// channel an event arrived on.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

func NewManager() *Manager {
	return &Manager{channels: make(map[string]Channel)}
}

func (m *Manager) RegisterChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// Get returns the channel with the given name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Names lists registered channels in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartAll starts every channel. A channel that fails to start is logged
// and skipped so the others keep working.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}
	for name, ch := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := ch.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
		}
	}
	return nil
}

// StopAll stops every running channel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, ch := range m.channels {
		if !ch.IsRunning() {
			continue
		}
		slog.Info("stopping channel", "channel", name)
		if err := ch.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}
	return nil
}
