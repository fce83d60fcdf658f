// Package turns arbitrates who speaks next in a shared channel.
//
// Every observed message is buffered per channel. Human mentions and DMs run
// immediately and pre-empt queued agent chatter; agent mentions are parked as
// a single pending reply that a once-per-second sweep fires only after a
// cooldown, while no human is typing and the channel is not already
// responding.
package turns

import (
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
)

const (
	RecentCapacity = 20
	AgentCooldown  = 5 * time.Second
	TypingWindow   = 15 * time.Second
	SweepInterval  = time.Second
)

// Options tunes a Registry. Zero fields fall back to the package constants.
type Options struct {
	Capacity      int
	Cooldown      time.Duration
	TypingWindow  time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = RecentCapacity
	}
	if o.Cooldown <= 0 {
		o.Cooldown = AgentCooldown
	}
	if o.TypingWindow <= 0 {
		o.TypingWindow = TypingWindow
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = SweepInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Entry is one buffered channel message.
type Entry struct {
	MessageID string
	From      string
	Content   string
	FromAgent bool
	At        time.Time
}

// PendingReply is a queued autonomous reply to an agent mention.
type PendingReply struct {
	ChannelID string
	TriggerID string // agent user id that mentioned us
	Message   bus.InboundMessage
	QueuedAt  time.Time
	ReadyAt   time.Time // cooldown expiry
}

// Decision is the outcome of observing a message.
type Decision int

const (
	// DecisionBuffered: kept for context only.
	DecisionBuffered Decision = iota
	// DecisionQueued: an agent mention replaced the channel's pending reply.
	DecisionQueued
	// DecisionExecute: a human mention or DM that must run now.
	DecisionExecute
)

func (d Decision) String() string {
	switch d {
	case DecisionQueued:
		return "queued"
	case DecisionExecute:
		return "execute"
	}
	return "buffered"
}

// Queue is the per-channel arbitration state.
type Queue struct {
	channelID   string
	recent      []Entry
	pending     *PendingReply
	typingUntil time.Time
	responding  bool
}

func (q *Queue) push(e Entry, capacity int) {
	q.recent = append(q.recent, e)
	if over := len(q.recent) - capacity; over > 0 {
		q.recent = append(q.recent[:0:0], q.recent[over:]...)
	}
}

// due reports whether the pending reply may fire at now.
func (q *Queue) due(now time.Time) bool {
	return q.pending != nil &&
		!q.responding &&
		!now.Before(q.typingUntil) &&
		!now.Before(q.pending.ReadyAt)
}

// transcript renders the buffer as "from: content" lines, skipping the
// trigger entry (or the newest entry when the trigger is not buffered).
func (q *Queue) transcript(triggerID string) string {
	skip := -1
	for i, e := range q.recent {
		if triggerID != "" && e.MessageID == triggerID {
			skip = i
		}
	}
	if skip < 0 {
		skip = len(q.recent) - 1
	}

	var sb strings.Builder
	for i, e := range q.recent {
		if i == skip {
			continue
		}
		sb.WriteString(e.From)
		sb.WriteString(": ")
		sb.WriteString(e.Content)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// clearThrough drops entries up to and including messageID. Entries that
// arrived after the trigger stay as context for the next reply.
func (q *Queue) clearThrough(messageID string) {
	for i, e := range q.recent {
		if messageID != "" && e.MessageID == messageID {
			q.recent = append(q.recent[:0:0], q.recent[i+1:]...)
			return
		}
	}
	q.recent = nil
}
