package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/gateway"
	"github.com/nextlevelbuilder/clawrelay/internal/streaming"
)

type transportCall struct {
	op      string // "send", "reply", "edit", "react", "unreact"
	target  string // parent/message id
	content string // message body or emoji
}

type fakeTransport struct {
	mu     sync.Mutex
	calls  []transportCall
	nextID int
}

func (f *fakeTransport) record(op, target, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, transportCall{op: op, target: target, content: content})
}

func (f *fakeTransport) create(op, channelID, parent, content string) streaming.MessageRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("out%d", f.nextID)
	f.calls = append(f.calls, transportCall{op: op, target: parent, content: content})
	return streaming.MessageRef{ChannelID: channelID, MessageID: id}
}

func (f *fakeTransport) Send(ctx context.Context, channelID, content string) (streaming.MessageRef, error) {
	return f.create("send", channelID, "", content), nil
}

func (f *fakeTransport) Reply(ctx context.Context, parent streaming.MessageRef, content string) (streaming.MessageRef, error) {
	return f.create("reply", parent.ChannelID, parent.MessageID, content), nil
}

func (f *fakeTransport) Edit(ctx context.Context, ref streaming.MessageRef, content string) error {
	f.record("edit", ref.MessageID, content)
	return nil
}

func (f *fakeTransport) React(ctx context.Context, ref streaming.MessageRef, emoji string) error {
	f.record("react", ref.MessageID, emoji)
	return nil
}

func (f *fakeTransport) RemoveReaction(ctx context.Context, ref streaming.MessageRef, emoji string) error {
	f.record("unreact", ref.MessageID, emoji)
	return nil
}

func (f *fakeTransport) snapshot() []transportCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transportCall(nil), f.calls...)
}

func (f *fakeTransport) ops(op string) []transportCall {
	var out []transportCall
	for _, c := range f.snapshot() {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

type injectCall struct {
	sessionKey string
	text       string
}

// fakeInjector streams canned chunks. With block set, Inject waits until ctx
// is done or CancelInject is called.
type fakeInjector struct {
	chunks []string
	final  string
	err    error
	block  bool

	// ignoreAbort acknowledges CancelInject without releasing Inject.
	ignoreAbort bool

	mu       sync.Mutex
	calls    []injectCall
	cancels  []string
	released chan struct{}
}

func newFakeInjector() *fakeInjector {
	return &fakeInjector{released: make(chan struct{})}
}

func (f *fakeInjector) Inject(ctx context.Context, sessionKey, text string, onStream func(bus.Chunk)) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, injectCall{sessionKey: sessionKey, text: text})
	f.mu.Unlock()

	for _, c := range f.chunks {
		onStream(bus.Chunk{Type: bus.ChunkText, Content: c})
	}
	if f.block {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-f.released:
			return "", fmt.Errorf("%w: aborted by user", gateway.ErrCancelled)
		}
	}
	return f.final, f.err
}

func (f *fakeInjector) CancelInject(sessionKey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, sessionKey)
	if f.ignoreAbort {
		return true
	}
	if f.block {
		select {
		case <-f.released:
		default:
			close(f.released)
		}
		return true
	}
	return false
}

func (f *fakeInjector) injectCalls() []injectCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]injectCall(nil), f.calls...)
}

func (f *fakeInjector) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancels)
}

var errProvider = errors.New("provider returned 500")

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
