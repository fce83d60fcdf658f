package turns

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/metrics"
)

// Registry owns every channel Queue. Safe for concurrent use.
type Registry struct {
	opts Options

	mu     sync.Mutex
	queues map[string]*Queue
	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:   opts.withDefaults(),
		queues: make(map[string]*Queue),
	}
}

func (r *Registry) queueLocked(channelID string) *Queue {
	q, ok := r.queues[channelID]
	if !ok {
		q = &Queue{channelID: channelID}
		r.queues[channelID] = q
	}
	return q
}

// Observe buffers msg and classifies it.
func (r *Registry) Observe(msg bus.InboundMessage) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.opts.Now()
	q := r.queueLocked(msg.ChatID)
	at := msg.Timestamp
	if at.IsZero() {
		at = now
	}
	q.push(Entry{
		MessageID: msg.MessageID,
		From:      msg.SenderName,
		Content:   msg.Content,
		FromAgent: msg.FromAgent,
		At:        at,
	}, r.opts.Capacity)

	decision := DecisionBuffered
	sender := "human"
	switch {
	case msg.FromAgent:
		sender = "agent"
		if !msg.Mentioned || r.closed {
			break
		}
		if q.pending != nil {
			metrics.PendingReplies.WithLabelValues("replaced").Inc()
		}
		q.pending = &PendingReply{
			ChannelID: msg.ChatID,
			TriggerID: msg.SenderID,
			Message:   msg,
			QueuedAt:  now,
			ReadyAt:   now.Add(r.opts.Cooldown),
		}
		metrics.PendingReplies.WithLabelValues("queued").Inc()
		decision = DecisionQueued

	case msg.Mentioned || msg.Direct:
		if q.pending != nil {
			slog.Debug("turns: human pre-empted pending agent reply",
				"channel_id", msg.ChatID, "agent_id", q.pending.TriggerID)
			q.pending = nil
			metrics.PendingReplies.WithLabelValues("cancelled").Inc()
		}
		decision = DecisionExecute
	}

	metrics.InboundMessages.WithLabelValues(sender, decision.String()).Inc()
	return decision
}

// Typing extends the channel's human-typing window. It never clears a
// pending reply; it only delays it.
func (r *Registry) Typing(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queueLocked(channelID)
	q.typingUntil = r.opts.Now().Add(r.opts.TypingWindow)
}

// BeginResponding sets the responding flag. It returns false when the
// channel is already responding; the caller must drop its trigger.
func (r *Registry) BeginResponding(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queueLocked(channelID)
	if q.responding {
		return false
	}
	q.responding = true
	return true
}

// EndResponding clears the responding flag.
func (r *Registry) EndResponding(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[channelID]; ok {
		q.responding = false
	}
}

// Responding reports whether the channel has an active generation.
func (r *Registry) Responding(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[channelID]
	return ok && q.responding
}

// Pending returns a copy of the channel's pending reply, if any.
func (r *Registry) Pending(channelID string) (PendingReply, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[channelID]
	if !ok || q.pending == nil {
		return PendingReply{}, false
	}
	return *q.pending, true
}

// CancelPending drops the channel's pending reply. Returns false if none.
func (r *Registry) CancelPending(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[channelID]
	if !ok || q.pending == nil {
		return false
	}
	q.pending = nil
	metrics.PendingReplies.WithLabelValues("cancelled").Inc()
	return true
}

// Transcript renders the buffered context for a reply to triggerID.
func (r *Registry) Transcript(channelID, triggerID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[channelID]
	if !ok {
		return ""
	}
	return q.transcript(triggerID)
}

// ClearBuffer forgets context up to and including triggerID. Called after a
// triggered response completes successfully.
func (r *Registry) ClearBuffer(channelID, triggerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[channelID]; ok {
		q.clearThrough(triggerID)
	}
}

// Due removes and returns every pending reply that may fire now.
func (r *Registry) Due() []PendingReply {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.opts.Now()
	var out []PendingReply
	for _, q := range r.queues {
		if !q.due(now) {
			continue
		}
		out = append(out, *q.pending)
		q.pending = nil
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out
}

// QueueStatus is a point-in-time view of one channel.
type QueueStatus struct {
	ChannelID   string     `json:"channel_id"`
	Buffered    int        `json:"buffered"`
	Responding  bool       `json:"responding"`
	TypingUntil *time.Time `json:"typing_until,omitempty"`
	PendingFrom string     `json:"pending_from,omitempty"`
	PendingAge  string     `json:"pending_age,omitempty"`
}

// Snapshot returns the status of every known channel, ordered by id.
func (r *Registry) Snapshot() []QueueStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.opts.Now()
	out := make([]QueueStatus, 0, len(r.queues))
	for id, q := range r.queues {
		st := QueueStatus{
			ChannelID:  id,
			Buffered:   len(q.recent),
			Responding: q.responding,
		}
		if now.Before(q.typingUntil) {
			t := q.typingUntil
			st.TypingUntil = &t
		}
		if q.pending != nil {
			st.PendingFrom = q.pending.TriggerID
			st.PendingAge = now.Sub(q.pending.QueuedAt).Truncate(time.Millisecond).String()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// Close drops every pending reply and refuses new ones.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, q := range r.queues {
		q.pending = nil
	}
}
