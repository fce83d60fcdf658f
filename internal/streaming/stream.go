package streaming

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawrelay/internal/metrics"
)

type chunk struct {
	text string
	at   time.Time
}

// Stream owns the ordered Units of one logical reply. Chunks are applied
// strictly in arrival order by a single drain at a time.
type Stream struct {
	ctx       context.Context // used for network calls made by background drains
	messenger Messenger
	channelID string
	opts      Options

	mu         sync.Mutex
	active     *Unit
	history    []*Unit
	pending    []chunk
	lastAppend time.Time
	processing bool
	idle       chan struct{} // closed when the running drain exits
	finalized  bool
	debounce   *scheduled
	err        error
}

// NewStream creates a stream whose first message replies to replyTo (when
// non-nil). Later units are standalone messages in channelID.
func NewStream(ctx context.Context, m Messenger, channelID string, replyTo *MessageRef, opts Options) *Stream {
	opts = opts.withDefaults()
	return &Stream{
		ctx:        ctx,
		messenger:  m,
		channelID:  channelID,
		opts:       opts,
		active:     newUnit(m, channelID, replyTo, opts),
		lastAppend: time.Now(),
	}
}

// Append queues text. Once queued text reaches the edit threshold a drain is
// started right away; otherwise a debounced drain is (re)scheduled.
func (s *Stream) Append(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		slog.Debug("streaming: append after finalize dropped", "channel_id", s.channelID, "len", len(text))
		return
	}
	s.pending = append(s.pending, chunk{text: text, at: time.Now()})

	queued := s.active.Len()
	for _, c := range s.pending {
		queued += runeLen(c.text)
	}

	s.debounce.Cancel()
	s.debounce = nil
	if queued >= s.opts.EditThreshold {
		s.startDrainLocked()
		return
	}
	s.debounce = schedule(s.opts.Debounce, s.kick)
}

func (s *Stream) kick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return
	}
	s.startDrainLocked()
}

// startDrainLocked runs a drain on its own goroutine unless one is running;
// the running drain picks up everything queued so far.
func (s *Stream) startDrainLocked() {
	if s.processing {
		return
	}
	s.processing = true
	s.idle = make(chan struct{})
	go s.drain()
}

func (s *Stream) drain() {
	for {
		s.mu.Lock()
		if s.finalized {
			// Finalize gave up waiting; the tail is delivered from here.
			pending := s.pending
			s.pending = nil
			s.mu.Unlock()
			s.finish(s.ctx, pending)
			s.mu.Lock()
			s.stopDrainLocked()
			s.mu.Unlock()
			return
		}
		if len(s.pending) == 0 {
			s.stopDrainLocked()
			s.mu.Unlock()
			return
		}
		c := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		if err := s.apply(s.ctx, c, true); err != nil {
			slog.Warn("streaming: flush failed", "channel_id", s.channelID, "error", err)
			s.mu.Lock()
			s.err = err
			if s.finalized {
				s.mu.Unlock()
				continue
			}
			s.stopDrainLocked()
			s.mu.Unlock()
			return
		}
	}
}

func (s *Stream) stopDrainLocked() {
	s.processing = false
	if s.idle != nil {
		close(s.idle)
		s.idle = nil
	}
}

// apply appends one chunk to the active unit, starting a new unit first when
// the producer was idle longer than IdleSplit.
func (s *Stream) apply(ctx context.Context, c chunk, flush bool) error {
	s.mu.Lock()
	gap := c.at.Sub(s.lastAppend)
	s.lastAppend = c.at
	unit := s.active
	s.mu.Unlock()

	if gap > s.opts.IdleSplit && unit.HasContent() {
		unit.Finalize(ctx)
		unit = s.rotate()
		metrics.StreamUnits.WithLabelValues("idle").Inc()
	}

	unit.Append(c.text)
	if !flush {
		return nil
	}
	return s.flushOverflow(ctx, unit)
}

// flushOverflow flushes unit, moving overflow into fresh units until no
// further split is needed.
func (s *Stream) flushOverflow(ctx context.Context, unit *Unit) error {
	for {
		res, err := unit.Flush(ctx)
		if err != nil {
			return err
		}
		if res != FlushSplit {
			return nil
		}
		rest := unit.Remainder()
		unit = s.rotate()
		metrics.StreamUnits.WithLabelValues("overflow").Inc()
		unit.Append(rest)
	}
}

// rotate retires the active unit to history and starts a standalone unit.
func (s *Stream) rotate() *Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, s.active)
	s.active = newUnit(s.messenger, s.channelID, nil, s.opts)
	return s.active
}

// Finalize flushes everything queued and finalizes the active unit.
// Idempotent. Waits up to FinalizeWait for a running drain; if the drain is
// still busy after that, Finalize returns and the drain delivers the rest
// when its in-flight call completes.
func (s *Stream) Finalize(ctx context.Context) {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return
	}
	s.debounce.Cancel()
	s.debounce = nil

	if s.processing {
		idle := s.idle
		s.mu.Unlock()

		timer := time.NewTimer(s.opts.FinalizeWait)
		select {
		case <-idle:
		case <-timer.C:
			slog.Warn("streaming: finalize timed out waiting for drain", "channel_id", s.channelID, "wait", s.opts.FinalizeWait)
		case <-ctx.Done():
			slog.Warn("streaming: finalize wait interrupted", "channel_id", s.channelID, "error", ctx.Err())
		}
		timer.Stop()

		s.mu.Lock()
		if s.processing {
			s.finalized = true
			s.mu.Unlock()
			return
		}
	}

	s.finalized = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	s.finish(ctx, pending)
}

// finish applies chunks left in the queue, runs a last overflow-aware flush
// and finalizes the active unit. Only one goroutine runs it per stream.
func (s *Stream) finish(ctx context.Context, pending []chunk) {
	for _, c := range pending {
		_ = s.apply(ctx, c, false)
	}

	if err := s.flushOverflow(ctx, s.Active()); err != nil {
		slog.Warn("streaming: final flush failed", "channel_id", s.channelID, "error", err)
	}
	s.Active().Finalize(ctx)
	metrics.StreamUnits.WithLabelValues("final").Inc()
}

// Active returns the unit currently receiving text.
func (s *Stream) Active() *Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Units returns every unit in creation order.
func (s *Stream) Units() []*Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Unit, 0, len(s.history)+1)
	out = append(out, s.history...)
	return append(out, s.active)
}

// Finalized reports whether Finalize has started.
func (s *Stream) Finalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}

// Err returns the last flush error seen by a background drain.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
