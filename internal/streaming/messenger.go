package streaming

import (
	"context"
	"time"
)

// MessageRef identifies a message on the transport.
type MessageRef struct {
	ChannelID string
	MessageID string
}

// Messenger is the subset of the chat transport a Stream needs.
// None of the calls are assumed idempotent.
type Messenger interface {
	Send(ctx context.Context, channelID, content string) (MessageRef, error)
	Reply(ctx context.Context, parent MessageRef, content string) (MessageRef, error)
	Edit(ctx context.Context, ref MessageRef, content string) error
}

// scheduled is a cancellable handle for a delayed callback.
type scheduled struct {
	timer *time.Timer
}

func schedule(d time.Duration, fn func()) *scheduled {
	return &scheduled{timer: time.AfterFunc(d, fn)}
}

// Cancel stops the callback if it has not fired yet. Safe on a nil handle.
func (s *scheduled) Cancel() {
	if s != nil && s.timer != nil {
		s.timer.Stop()
	}
}
