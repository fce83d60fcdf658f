package streaming

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type call struct {
	op        string // "send", "reply", "edit"
	channelID string
	messageID string
	content   string
}

// fakeMessenger records transport calls and the latest content per message.
type fakeMessenger struct {
	mu        sync.Mutex
	calls     []call
	latest    map[string]string
	order     []string
	nextID    int
	failSends int           // number of upcoming send/reply calls to fail
	editErr   error         // returned by every edit when set
	delay     time.Duration // applied to send/reply
	gate      chan struct{} // when set, send/reply block until it is closed
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{latest: make(map[string]string)}
}

func (f *fakeMessenger) create(op, channelID, content string) (MessageRef, error) {
	f.mu.Lock()
	gate, delay := f.gate, f.delay
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSends > 0 {
		f.failSends--
		f.calls = append(f.calls, call{op: op + "-failed", channelID: channelID, content: content})
		return MessageRef{}, errors.New("transport unavailable")
	}
	f.nextID++
	id := fmt.Sprintf("m%d", f.nextID)
	f.calls = append(f.calls, call{op: op, channelID: channelID, messageID: id, content: content})
	f.latest[id] = content
	f.order = append(f.order, id)
	return MessageRef{ChannelID: channelID, MessageID: id}, nil
}

func (f *fakeMessenger) Send(_ context.Context, channelID, content string) (MessageRef, error) {
	return f.create("send", channelID, content)
}

func (f *fakeMessenger) Reply(_ context.Context, parent MessageRef, content string) (MessageRef, error) {
	return f.create("reply", parent.ChannelID, content)
}

func (f *fakeMessenger) Edit(_ context.Context, ref MessageRef, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: "edit", channelID: ref.ChannelID, messageID: ref.MessageID, content: content})
	if f.editErr != nil {
		return f.editErr
	}
	f.latest[ref.MessageID] = content
	return nil
}

func (f *fakeMessenger) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

// messages returns the latest content of every created message, in creation order.
func (f *fakeMessenger) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.latest[id])
	}
	return out
}

func (f *fakeMessenger) count(op string) int {
	n := 0
	for _, c := range f.snapshot() {
		if c.op == op {
			n++
		}
	}
	return n
}
