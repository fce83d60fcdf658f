package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Manager manages all registered channels and their lifecycle.
type Manager struct {
	channels map[string]Channel
	mu       sync.RWMutex
}

// NewManager creates a new channel manager.
// Channels are registered externally via RegisterChannel.
func NewManager() *Manager {
	return &Manager{channels: make(map[string]Channel)}
}

// StartAll starts all registered channels. A channel that fails to start is
// logged and skipped; the error lists every failure.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	slog.Info("starting all channels")

	var failed []string
	for name, channel := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := channel.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
			failed = append(failed, name)
		}
	}
	if len(failed) == len(m.channels) {
		return fmt.Errorf("no channel started (failed: %v)", failed)
	}

	slog.Info("all channels started")
	return nil
}

// StopAll gracefully stops all channels.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	slog.Info("stopping all channels")

	for name, channel := range m.channels {
		if !channel.IsRunning() {
			continue
		}
		slog.Info("stopping channel", "channel", name)
		if err := channel.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}

	slog.Info("all channels stopped")
	return nil
}

// ChannelStatus is the lifecycle view of one channel.
type ChannelStatus struct {
	Enabled bool `json:"enabled"`
	Running bool `json:"running"`
}

// GetStatus returns the status of every registered channel.
func (m *Manager) GetStatus() map[string]ChannelStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ChannelStatus, len(m.channels))
	for name, channel := range m.channels {
		status[name] = ChannelStatus{Enabled: true, Running: channel.IsRunning()}
	}
	return status
}

// GetEnabledChannels returns the names of all registered channels, sorted.
func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterChannel adds a channel to the manager.
func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

// UnregisterChannel removes a channel from the manager.
func (m *Manager) UnregisterChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}
