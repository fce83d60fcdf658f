package streaming

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Phase is the lifecycle position of a Unit.
type Phase int

const (
	PhaseBuffering Phase = iota
	PhaseSending
	PhaseSent
	PhaseFinalized
)

func (p Phase) String() string {
	switch p {
	case PhaseBuffering:
		return "buffering"
	case PhaseSending:
		return "sending"
	case PhaseSent:
		return "sent"
	case PhaseFinalized:
		return "finalized"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// FlushResult reports what Flush did.
type FlushResult int

const (
	// FlushSkip means nothing was sent: empty, below threshold, busy or finalized.
	FlushSkip FlushResult = iota
	// FlushOK means the content was sent or edited.
	FlushOK
	// FlushSplit means the unit overflowed, delivered its first MaxLength
	// characters and finalized. The caller must move Remainder to a new unit.
	FlushSplit
)

func (r FlushResult) String() string {
	switch r {
	case FlushOK:
		return "ok"
	case FlushSplit:
		return "split"
	}
	return "skip"
}

// unitState is one variant of the unit lifecycle. Each variant carries only
// the fields valid for it.
type unitState interface {
	phase() Phase
}

type buffering struct {
	content string
}

type sending struct {
	content string
	done    chan struct{} // closed when the in-flight send returns
}

type sent struct {
	content        string
	ref            MessageRef
	lastEditLength int
}

type finalized struct {
	content string // what was (or was meant to be) delivered
	ref     *MessageRef
}

func (buffering) phase() Phase { return PhaseBuffering }
func (sending) phase() Phase   { return PhaseSending }
func (sent) phase() Phase      { return PhaseSent }
func (finalized) phase() Phase { return PhaseFinalized }

func (s buffering) appendText(text string) unitState { return buffering{content: s.content + text} }

func (s sent) appendText(text string) unitState {
	s.content += text
	return s
}

func (s buffering) startSend() (sending, chan struct{}) {
	done := make(chan struct{})
	return sending{content: s.content, done: done}, done
}

func (s sending) delivered(ref MessageRef) unitState {
	return sent{content: s.content, ref: ref, lastEditLength: runeLen(s.content)}
}

func (s sending) failed() unitState { return buffering{content: s.content} }

// Unit is a single outbound message. It is owned by one Stream.
type Unit struct {
	messenger Messenger
	channelID string
	replyTo   *MessageRef
	opts      Options

	mu        sync.Mutex
	state     unitState
	remainder string
}

func newUnit(m Messenger, channelID string, replyTo *MessageRef, opts Options) *Unit {
	return &Unit{
		messenger: m,
		channelID: channelID,
		replyTo:   replyTo,
		opts:      opts,
		state:     buffering{},
	}
}

// Append adds text. It is dropped unless the unit is buffering or sent.
func (u *Unit) Append(text string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch s := u.state.(type) {
	case buffering:
		u.state = s.appendText(text)
	case sent:
		u.state = s.appendText(text)
	}
}

// Phase returns the current lifecycle phase.
func (u *Unit) Phase() Phase {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state.phase()
}

// Content returns the accumulated text, or the delivered text once finalized.
func (u *Unit) Content() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return contentOf(u.state)
}

// Ref returns the transport message, if one was created.
func (u *Unit) Ref() (MessageRef, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch s := u.state.(type) {
	case sent:
		return s.ref, true
	case finalized:
		if s.ref != nil {
			return *s.ref, true
		}
	}
	return MessageRef{}, false
}

// Len returns the content length in characters.
func (u *Unit) Len() int { return runeLen(u.Content()) }

// HasContent reports whether the unit holds non-blank text.
func (u *Unit) HasContent() bool { return strings.TrimSpace(u.Content()) != "" }

// Remainder returns and clears the text cut off by the last split.
func (u *Unit) Remainder() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	r := u.remainder
	u.remainder = ""
	return r
}

func contentOf(st unitState) string {
	switch s := st.(type) {
	case buffering:
		return s.content
	case sending:
		return s.content
	case sent:
		return s.content
	case finalized:
		return s.content
	}
	return ""
}

// Flush sends or edits the message when enough text has accumulated.
// A failed initial send rolls back to buffering and returns the error.
func (u *Unit) Flush(ctx context.Context) (FlushResult, error) {
	u.mu.Lock()
	switch u.state.(type) {
	case buffering, sent:
	default:
		u.mu.Unlock()
		return FlushSkip, nil
	}

	trimmed := strings.TrimSpace(contentOf(u.state))
	if trimmed == "" {
		u.mu.Unlock()
		return FlushSkip, nil
	}
	if runeLen(trimmed) > u.opts.MaxLength {
		return u.splitLocked(ctx, trimmed)
	}

	switch s := u.state.(type) {
	case buffering:
		if runeLen(trimmed) < u.opts.EditThreshold {
			u.mu.Unlock()
			return FlushSkip, nil
		}
		inflight, done := s.startSend()
		u.state = inflight
		u.mu.Unlock()

		ref, err := u.deliver(ctx, trimmed)

		u.mu.Lock()
		defer u.mu.Unlock()
		close(done)
		if err != nil {
			u.state = inflight.failed()
			return FlushSkip, fmt.Errorf("send message: %w", err)
		}
		u.state = inflight.delivered(ref)
		return FlushOK, nil

	case sent:
		length := runeLen(s.content)
		if length-s.lastEditLength < u.opts.EditThreshold {
			u.mu.Unlock()
			return FlushSkip, nil
		}
		prev := s.lastEditLength
		s.lastEditLength = length
		u.state = s
		u.mu.Unlock()

		if err := u.messenger.Edit(ctx, s.ref, trimmed); err != nil {
			u.mu.Lock()
			if cur, ok := u.state.(sent); ok {
				cur.lastEditLength = prev
				u.state = cur
			}
			u.mu.Unlock()
			return FlushSkip, fmt.Errorf("edit message: %w", err)
		}
		return FlushOK, nil
	}

	u.mu.Unlock()
	return FlushSkip, nil
}

// splitLocked delivers the first MaxLength characters and finalizes the unit.
// Called with u.mu held; releases it.
func (u *Unit) splitLocked(ctx context.Context, trimmed string) (FlushResult, error) {
	head, rest := splitAt(trimmed, u.opts.MaxLength)

	switch s := u.state.(type) {
	case buffering:
		inflight, done := s.startSend()
		u.state = inflight
		u.mu.Unlock()

		ref, err := u.deliver(ctx, head)

		u.mu.Lock()
		defer u.mu.Unlock()
		close(done)
		if err != nil {
			u.state = inflight.failed()
			return FlushSkip, fmt.Errorf("send message: %w", err)
		}
		u.state = finalized{content: head, ref: &ref}
		u.remainder = rest
		return FlushSplit, nil

	case sent:
		ref := s.ref
		u.state = finalized{content: head, ref: &ref}
		u.remainder = rest
		u.mu.Unlock()

		if err := u.messenger.Edit(ctx, ref, head); err != nil {
			slog.Warn("streaming: overflow edit failed", "channel_id", ref.ChannelID, "message_id", ref.MessageID, "error", err)
		}
		return FlushSplit, nil
	}

	u.mu.Unlock()
	return FlushSkip, nil
}

// Finalize delivers the final content and makes the unit immutable.
// It waits for an in-flight send, is idempotent, and never returns an error:
// delivery failures are logged.
func (u *Unit) Finalize(ctx context.Context) {
	u.mu.Lock()
	for {
		s, ok := u.state.(sending)
		if !ok {
			break
		}
		u.mu.Unlock()
		<-s.done
		u.mu.Lock()
	}

	switch s := u.state.(type) {
	case buffering:
		final := truncate(strings.TrimSpace(s.content), u.opts.MaxLength)
		u.state = finalized{content: final}
		u.mu.Unlock()
		if final == "" {
			return
		}
		ref, err := u.deliver(ctx, final)
		if err != nil {
			slog.Warn("streaming: final send failed", "channel_id", u.channelID, "error", err)
			return
		}
		u.mu.Lock()
		u.state = finalized{content: final, ref: &ref}
		u.mu.Unlock()

	case sent:
		final := truncate(strings.TrimSpace(s.content), u.opts.MaxLength)
		ref := s.ref
		unchanged := runeLen(s.content) == s.lastEditLength
		u.state = finalized{content: final, ref: &ref}
		u.mu.Unlock()
		if unchanged || final == "" {
			return
		}
		if err := u.messenger.Edit(ctx, ref, final); err != nil {
			slog.Warn("streaming: final edit failed", "channel_id", ref.ChannelID, "message_id", ref.MessageID, "error", err)
		}

	default:
		u.mu.Unlock()
	}
}

func (u *Unit) deliver(ctx context.Context, content string) (MessageRef, error) {
	if u.replyTo != nil {
		return u.messenger.Reply(ctx, *u.replyTo, content)
	}
	return u.messenger.Send(ctx, u.channelID, content)
}
