// Package channels provides the transport abstraction for chat platforms.
// A channel observes platform events, translates them into bus events for an
// InboundHandler, and exposes the send/reply/edit/react capability the relay
// streams replies through.
package channels

import (
	"context"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
)

// DMPolicy controls how DMs are handled.
type DMPolicy string

const (
	DMPolicyAllowlist DMPolicy = "allowlist" // Only whitelisted senders
	DMPolicyOpen      DMPolicy = "open"      // Accept all
	DMPolicyDisabled  DMPolicy = "disabled"  // Reject all DMs
)

// GroupPolicy controls how guild channel messages are handled.
type GroupPolicy string

const (
	GroupPolicyOpen      GroupPolicy = "open"      // Accept all senders
	GroupPolicyAllowlist GroupPolicy = "allowlist" // Only whitelisted senders
	GroupPolicyDisabled  GroupPolicy = "disabled"  // Never trigger from guilds
)

// Channel defines the interface that all channel implementations must satisfy.
type Channel interface {
	// Name returns the channel identifier (e.g., "discord").
	Name() string

	// Start begins listening for events. Should be non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// IsRunning returns whether the channel is actively processing events.
	IsRunning() bool

	// IsAllowed checks if a sender is permitted by the channel's allowlist.
	IsAllowed(senderID string) bool
}

// BaseChannel provides shared functionality for all channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name string

	mu          sync.RWMutex
	handler     bus.InboundHandler
	running     bool
	allowList   []string
	dmPolicy    DMPolicy
	groupPolicy GroupPolicy
}

// NewBaseChannel creates a new BaseChannel with the given parameters.
func NewBaseChannel(name string, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		allowList: append([]string(nil), allowList...),
	}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = running
}

// SetHandler installs the consumer of inbound events.
func (c *BaseChannel) SetHandler(h bus.InboundHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Handler returns the installed consumer, or nil.
func (c *BaseChannel) Handler() bus.InboundHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handler
}

// SetPolicy replaces the allowlist and DM/group policies. Safe to call while
// running; used for config hot reload.
func (c *BaseChannel) SetPolicy(allowList []string, dmPolicy DMPolicy, groupPolicy GroupPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowList = append([]string(nil), allowList...)
	c.dmPolicy = dmPolicy
	c.groupPolicy = groupPolicy
}

// IsAllowed checks if a sender is permitted by the allowlist.
// Supports compound senderID format: "123456|username".
// Empty allowlist means all senders are allowed.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.allowList) == 0 {
		return true
	}

	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		if idPart == trimmed || senderID == trimmed || (userPart != "" && userPart == trimmed) {
			return true
		}
	}
	return false
}

// CheckPolicy evaluates the DM/group policy for a sender.
// peerKind is "direct" or "group". An unset policy means "open".
func (c *BaseChannel) CheckPolicy(peerKind, senderID string) bool {
	c.mu.RLock()
	dm, group := c.dmPolicy, c.groupPolicy
	c.mu.RUnlock()

	if peerKind == "group" {
		switch group {
		case GroupPolicyDisabled:
			return false
		case GroupPolicyAllowlist:
			return c.IsAllowed(senderID)
		}
		return true
	}

	switch dm {
	case DMPolicyDisabled:
		return false
	case DMPolicyAllowlist:
		return c.IsAllowed(senderID)
	}
	return true
}

// Truncate shortens a string to maxLen runes, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
