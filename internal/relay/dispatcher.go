// Package relay connects channel traffic to agent generation. It classifies
// inbound messages through the turn registry, runs at most one injection per
// channel, and streams the output back through the transport.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/sessions"
	"github.com/nextlevelbuilder/clawrelay/internal/streaming"
	"github.com/nextlevelbuilder/clawrelay/internal/turns"
)

// Transport is the chat platform capability set the relay drives.
type Transport interface {
	streaming.Messenger
	React(ctx context.Context, ref streaming.MessageRef, emoji string) error
	RemoveReaction(ctx context.Context, ref streaming.MessageRef, emoji string) error
}

// Injector runs generation for a session and streams its output.
type Injector interface {
	Inject(ctx context.Context, sessionKey, text string, onStream func(bus.Chunk)) (string, error)
	CancelInject(sessionKey string) bool
}

// Config wires a Dispatcher.
type Config struct {
	Transport Transport
	Injector  Injector
	Turns     *turns.Registry
	Sessions  *sessions.Manager // optional run ledger
	AgentID   string
	Channel   string // transport name used in session keys, e.g. "discord"

	StreamOptions streaming.Options
}

// run is one active generation on a channel.
type run struct {
	id         string
	sessionKey string
	stream     *streaming.Stream
	cancel     context.CancelFunc
	stopped    atomic.Bool // set by Cancel
}

// Dispatcher implements bus.InboundHandler.
type Dispatcher struct {
	cfg    Config
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*run // by channel id
	closed bool
}

var _ bus.InboundHandler = (*Dispatcher)(nil)

// New creates a Dispatcher. Call Run to start firing queued agent replies.
func New(cfg Config) *Dispatcher {
	if cfg.Channel == "" {
		cfg.Channel = "discord"
	}
	if cfg.AgentID == "" {
		cfg.AgentID = "default"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:    cfg,
		tracer: otel.Tracer("github.com/nextlevelbuilder/clawrelay/internal/relay"),
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*run),
	}
}

// HandleInbound buffers msg and starts execution when it is a direct human
// trigger. Agent mentions are left to the ticker.
func (d *Dispatcher) HandleInbound(ctx context.Context, msg bus.InboundMessage) {
	decision := d.cfg.Turns.Observe(msg)
	slog.Debug("relay: inbound",
		"channel_id", msg.ChatID,
		"sender", msg.SenderName,
		"from_agent", msg.FromAgent,
		"decision", decision,
	)
	if decision == turns.DecisionExecute {
		d.spawn(msg)
	}
}

// HandleTyping extends the channel's typing window for human typists.
func (d *Dispatcher) HandleTyping(ctx context.Context, evt bus.TypingEvent) {
	if evt.FromAgent {
		return
	}
	d.cfg.Turns.Typing(evt.ChatID)
}

// HandleStop cancels queued and active work for chatID.
func (d *Dispatcher) HandleStop(ctx context.Context, chatID string) bool {
	return d.Cancel(ctx, chatID) != CancelNothing
}

// Run fires due pending replies until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.cfg.Turns.Run(ctx, func(p turns.PendingReply) {
		d.spawn(p.Message)
	})
}

// spawn runs Execute on its own goroutine so the caller never blocks on
// generation.
func (d *Dispatcher) spawn(msg bus.InboundMessage) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		if err := d.Execute(d.ctx, msg); err != nil {
			if errors.Is(err, ErrBusy) {
				slog.Debug("relay: trigger dropped, channel busy", "channel_id", msg.ChatID, "message_id", msg.MessageID)
				return
			}
			slog.Warn("relay: run failed", "channel_id", msg.ChatID, "error", err)
		}
	}()
}

// Active reports whether channelID has a generation in flight.
func (d *Dispatcher) Active(channelID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.runs[channelID]
	return ok
}

// SessionKey returns the agent session key for msg.
func (d *Dispatcher) SessionKey(msg bus.InboundMessage) string {
	return sessions.BuildSessionKey(d.cfg.AgentID, d.cfg.Channel, sessions.PeerKindFromGroup(!msg.Direct), msg.ChatID)
}

// Close stops accepting triggers, drops pending replies, aborts active runs,
// and waits for them to wind down or for ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	active := make([]*run, 0, len(d.runs))
	for _, r := range d.runs {
		active = append(active, r)
	}
	d.mu.Unlock()

	d.cfg.Turns.Close()
	for _, r := range active {
		r.stream.Finalize(ctx)
	}
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		slog.Warn("relay: shutdown timed out with runs in flight", "runs", len(active))
		return ctx.Err()
	}
}
