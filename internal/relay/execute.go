package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/gateway"
	"github.com/nextlevelbuilder/clawrelay/internal/metrics"
	"github.com/nextlevelbuilder/clawrelay/internal/sessions"
	"github.com/nextlevelbuilder/clawrelay/internal/streaming"
)

// ErrBusy is returned by Execute when the channel already has a generation in
// flight. The trigger is dropped, not queued.
var ErrBusy = errors.New("relay: channel is already responding")

const (
	reactionAck    = "👀"
	reactionFailed = "❌"
)

// IsCancelled reports whether err means the run was stopped on purpose.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, gateway.ErrCancelled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "cancel") || strings.Contains(msg, "abort")
}

// Execute runs one generation for msg and streams it into the channel as a
// reply to msg. The channel's responding flag is held for the whole run and
// always released.
func (d *Dispatcher) Execute(ctx context.Context, msg bus.InboundMessage) (err error) {
	channelID := msg.ChatID
	if !d.cfg.Turns.BeginResponding(channelID) {
		metrics.Runs.WithLabelValues("busy").Inc()
		return ErrBusy
	}
	defer d.cfg.Turns.EndResponding(channelID)

	started := time.Now()
	sessionKey := d.SessionKey(msg)
	runID := uuid.NewString()

	ctx, span := d.tracer.Start(ctx, "relay.execute", trace.WithAttributes(
		attribute.String("relay.run_id", runID),
		attribute.String("relay.session_key", sessionKey),
		attribute.String("relay.channel_id", channelID),
		attribute.Bool("relay.from_agent", msg.FromAgent),
	))
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	trigger := streaming.MessageRef{ChannelID: channelID, MessageID: msg.MessageID}
	var replyTo *streaming.MessageRef
	if msg.MessageID != "" {
		replyTo = &trigger
	}
	// Deliveries outlive a cancelled run so the partial reply is still flushed.
	deliverCtx := context.WithoutCancel(ctx)
	stream := streaming.NewStream(deliverCtx, d.cfg.Transport, channelID, replyTo, d.cfg.StreamOptions)

	r := &run{id: runID, sessionKey: sessionKey, stream: stream, cancel: cancel}
	d.mu.Lock()
	d.runs[channelID] = r
	d.mu.Unlock()

	slog.Info("relay: run started",
		"run_id", runID,
		"session", sessionKey,
		"trigger", msg.MessageID,
		"from", msg.SenderName,
	)
	if replyTo != nil {
		d.react(deliverCtx, trigger, reactionAck)
	}

	defer func() {
		stream.Finalize(deliverCtx)

		d.mu.Lock()
		if d.runs[channelID] == r {
			delete(d.runs, channelID)
		}
		d.mu.Unlock()

		if replyTo != nil {
			d.unreact(deliverCtx, trigger, reactionAck)
		}

		var outcome string
		switch {
		case r.stopped.Load() || IsCancelled(err):
			outcome = "cancelled"
			err = nil
		case err == nil:
			outcome = "ok"
			d.cfg.Turns.ClearBuffer(channelID, msg.MessageID)
		default:
			outcome = "failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if replyTo != nil {
				d.react(deliverCtx, trigger, reactionFailed)
			}
		}

		elapsed := time.Since(started)
		metrics.Runs.WithLabelValues(outcome).Inc()
		metrics.RunDuration.Observe(elapsed.Seconds())
		span.SetAttributes(attribute.String("relay.outcome", outcome), attribute.Int("relay.units", len(stream.Units())))
		d.record(msg, sessionKey, runID, outcome, err, stream, started, elapsed)

		slog.Info("relay: run finished",
			"run_id", runID,
			"session", sessionKey,
			"outcome", outcome,
			"units", len(stream.Units()),
			"duration", elapsed.Truncate(time.Millisecond),
		)
	}()

	var streamed atomic.Bool
	final, injErr := d.cfg.Injector.Inject(runCtx, sessionKey, d.composePrompt(msg), func(c bus.Chunk) {
		if c.Type != bus.ChunkText || c.Content == "" {
			return
		}
		streamed.Store(true)
		stream.Append(c.Content)
	})
	if injErr != nil {
		return fmt.Errorf("inject %s: %w", sessionKey, injErr)
	}
	if !streamed.Load() && strings.TrimSpace(final) != "" {
		stream.Append(final)
	}

	stream.Finalize(deliverCtx)
	if serr := stream.Err(); serr != nil {
		return fmt.Errorf("deliver reply: %w", serr)
	}
	return nil
}

// composePrompt prefixes the trigger with the channel's buffered context.
func (d *Dispatcher) composePrompt(msg bus.InboundMessage) string {
	var sb strings.Builder
	if transcript := d.cfg.Turns.Transcript(msg.ChatID, msg.MessageID); transcript != "" {
		sb.WriteString("[Recent channel messages]\n")
		sb.WriteString(transcript)
		sb.WriteString("\n")
	}
	from := msg.SenderName
	if from == "" {
		from = msg.SenderID
	}
	fmt.Fprintf(&sb, "[From: %s]\n%s", from, msg.Content)
	return sb.String()
}

func (d *Dispatcher) react(ctx context.Context, ref streaming.MessageRef, emoji string) {
	if err := d.cfg.Transport.React(ctx, ref, emoji); err != nil {
		slog.Debug("relay: add reaction failed", "message_id", ref.MessageID, "emoji", emoji, "error", err)
	}
}

func (d *Dispatcher) unreact(ctx context.Context, ref streaming.MessageRef, emoji string) {
	if err := d.cfg.Transport.RemoveReaction(ctx, ref, emoji); err != nil {
		slog.Debug("relay: remove reaction failed", "message_id", ref.MessageID, "emoji", emoji, "error", err)
	}
}

// record writes the run to the session ledger.
func (d *Dispatcher) record(msg bus.InboundMessage, sessionKey, runID, outcome string, err error, stream *streaming.Stream, started time.Time, elapsed time.Duration) {
	if d.cfg.Sessions == nil {
		return
	}
	entry := sessions.Run{
		ID:        runID,
		TriggerID: msg.MessageID,
		Outcome:   outcome,
		Started:   started,
		Duration:  elapsed.Truncate(time.Millisecond).String(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	for _, u := range stream.Units() {
		if ref, ok := u.Ref(); ok {
			entry.Messages = append(entry.Messages, ref.MessageID)
		}
	}
	d.cfg.Sessions.RecordRun(sessionKey, d.cfg.Channel, entry)
	if serr := d.cfg.Sessions.Save(sessionKey); serr != nil {
		slog.Warn("relay: save session failed", "session", sessionKey, "error", serr)
	}
}
