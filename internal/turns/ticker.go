package turns

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/clawrelay/internal/metrics"
)

// FireFunc starts execution of a pending reply. It must not block the sweep.
type FireFunc func(PendingReply)

// Run sweeps every queue once per SweepInterval, firing due pending replies,
// until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, fire FireFunc) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	slog.Info("turn arbitration ticker started", "interval", r.opts.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("turn arbitration ticker stopped")
			return
		case <-ticker.C:
			r.Sweep(fire)
		}
	}
}

// Sweep fires every pending reply that is due right now.
func (r *Registry) Sweep(fire FireFunc) int {
	due := r.Due()
	for _, p := range due {
		slog.Info("turns: firing pending agent reply",
			"channel_id", p.ChannelID,
			"agent_id", p.TriggerID,
			"waited", r.opts.Now().Sub(p.QueuedAt).Truncate(time.Millisecond),
		)
		metrics.PendingReplies.WithLabelValues("fired").Inc()
		fire(p)
	}
	return len(due)
}
