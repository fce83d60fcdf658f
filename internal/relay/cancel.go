package relay

import (
	"context"
	"log/slog"
)

// CancelResult says what a Cancel call actually stopped.
type CancelResult int

const (
	// CancelNothing: no queued reply and no active run.
	CancelNothing CancelResult = iota
	// CancelClearedPending: only a queued agent reply was dropped.
	CancelClearedPending
	// CancelStopped: an active run was stopped.
	CancelStopped
)

func (r CancelResult) String() string {
	switch r {
	case CancelClearedPending:
		return "cleared_pending"
	case CancelStopped:
		return "stopped"
	}
	return "nothing"
}

// Cancel drops the channel's pending agent reply and stops its active run.
// The stream is finalized right away and the gateway is asked to abort;
// the two signals are independent and a late chunk may still be dropped.
func (d *Dispatcher) Cancel(ctx context.Context, channelID string) CancelResult {
	cleared := d.cfg.Turns.CancelPending(channelID)

	d.mu.Lock()
	r := d.runs[channelID]
	d.mu.Unlock()

	if r == nil {
		if cleared {
			slog.Info("relay: cancelled pending reply", "channel_id", channelID)
			return CancelClearedPending
		}
		return CancelNothing
	}

	r.stopped.Store(true)
	r.stream.Finalize(ctx)
	aborted := d.cfg.Injector.CancelInject(r.sessionKey)
	// An acknowledged abort does not guarantee the pending call returns.
	r.cancel()
	slog.Info("relay: cancelled run", "channel_id", channelID, "run_id", r.id, "session", r.sessionKey, "remote_abort", aborted)
	return CancelStopped
}
