package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/gateway"
	"github.com/nextlevelbuilder/clawrelay/internal/sessions"
	"github.com/nextlevelbuilder/clawrelay/internal/turns"
)

func newTestDispatcher(t *testing.T, inj *fakeInjector, opts turns.Options) (*Dispatcher, *fakeTransport, *turns.Registry) {
	t.Helper()
	tr := &fakeTransport{}
	reg := turns.NewRegistry(opts)
	d := New(Config{
		Transport: tr,
		Injector:  inj,
		Turns:     reg,
		Sessions:  sessions.NewManager(""),
		AgentID:   "default",
		Channel:   "discord",
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		d.Close(ctx)
	})
	return d, tr, reg
}

func humanMention(id, content string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel: "discord", ChatID: "c1", MessageID: id,
		SenderID: "u1", SenderName: "alice", Content: content, Mentioned: true,
	}
}

func agentMention(id, content string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel: "discord", ChatID: "c1", MessageID: id,
		SenderID: "b1", SenderName: "scout", Content: content, Mentioned: true, FromAgent: true,
	}
}

func TestExecuteStreamsReplyToTrigger(t *testing.T) {
	inj := newFakeInjector()
	inj.chunks = []string{"Hel", "lo"}
	inj.final = "Hello"
	d, tr, reg := newTestDispatcher(t, inj, turns.Options{})

	msg := humanMention("m1", "hi bot")
	reg.Observe(msg)
	if err := d.Execute(context.Background(), msg); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	replies := tr.ops("reply")
	if len(replies) != 1 || replies[0].target != "m1" || replies[0].content != "Hello" {
		t.Fatalf("replies = %+v, want one reply to m1 with Hello", replies)
	}
	if len(tr.ops("send")) != 0 {
		t.Errorf("unexpected plain sends: %+v", tr.ops("send"))
	}

	calls := inj.injectCalls()
	if len(calls) != 1 || calls[0].sessionKey != "agent:default:discord:group:c1" {
		t.Errorf("inject calls = %+v", calls)
	}
	if reg.Responding("c1") {
		t.Error("responding flag left set")
	}
	if d.Active("c1") {
		t.Error("run entry left registered")
	}
}

func TestExecuteReactions(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantErr  bool
		wantFail bool
	}{
		{"success", nil, false, false},
		{"cancelled", fmt.Errorf("%w: stopped", gateway.ErrCancelled), false, false},
		{"cancel wording", errors.New("run was aborted"), false, false},
		{"failure", errProvider, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inj := newFakeInjector()
			inj.final = "ok"
			inj.err = tt.err
			d, tr, reg := newTestDispatcher(t, inj, turns.Options{})
			msg := humanMention("m1", "go")
			reg.Observe(msg)

			err := d.Execute(context.Background(), msg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Execute = %v, wantErr %v", err, tt.wantErr)
			}

			reacts := tr.ops("react")
			if len(reacts) == 0 || reacts[0].content != reactionAck {
				t.Errorf("first reaction = %+v, want %s", reacts, reactionAck)
			}
			unreacts := tr.ops("unreact")
			if len(unreacts) != 1 || unreacts[0].content != reactionAck {
				t.Errorf("removed reactions = %+v, want ack removed", unreacts)
			}
			gotFail := len(reacts) == 2 && reacts[1].content == reactionFailed
			if gotFail != tt.wantFail {
				t.Errorf("failure reaction shown = %v, want %v", gotFail, tt.wantFail)
			}
			if reg.Responding("c1") {
				t.Error("responding flag left set")
			}
		})
	}
}

func TestExecuteFallsBackToFinalText(t *testing.T) {
	inj := newFakeInjector()
	inj.final = "all done"
	d, tr, _ := newTestDispatcher(t, inj, turns.Options{})

	if err := d.Execute(context.Background(), humanMention("m1", "do it")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if replies := tr.ops("reply"); len(replies) != 1 || replies[0].content != "all done" {
		t.Errorf("replies = %+v, want final text", replies)
	}
}

func TestExecuteBusyDropsTrigger(t *testing.T) {
	inj := newFakeInjector()
	d, _, reg := newTestDispatcher(t, inj, turns.Options{})
	reg.BeginResponding("c1")

	if err := d.Execute(context.Background(), humanMention("m1", "hi")); !errors.Is(err, ErrBusy) {
		t.Fatalf("Execute = %v, want ErrBusy", err)
	}
	if got := len(inj.injectCalls()); got != 0 {
		t.Errorf("inject calls = %d, want 0", got)
	}
	if !reg.Responding("c1") {
		t.Error("busy Execute cleared another run's responding flag")
	}
}

func TestSingleActiveGeneration(t *testing.T) {
	inj := newFakeInjector()
	inj.block = true
	d, _, _ := newTestDispatcher(t, inj, turns.Options{})

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- d.Execute(context.Background(), humanMention(fmt.Sprintf("m%d", i), "hi"))
		}(i)
	}
	waitFor(t, "one run to start", func() bool { return d.Active("c1") })
	waitFor(t, "four triggers to be dropped", func() bool { return len(errs) == 4 })

	if got := len(inj.injectCalls()); got != 1 {
		t.Errorf("inject calls = %d, want 1", got)
	}
	if res := d.Cancel(context.Background(), "c1"); res != CancelStopped {
		t.Errorf("Cancel = %v, want stopped", res)
	}
	wg.Wait()
	close(errs)

	busy := 0
	for err := range errs {
		switch {
		case errors.Is(err, ErrBusy):
			busy++
		case err != nil:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if busy != 4 {
		t.Errorf("busy = %d, want 4", busy)
	}
}

func TestCancelResults(t *testing.T) {
	inj := newFakeInjector()
	inj.block = true
	inj.chunks = []string{"partial answer"}
	d, tr, reg := newTestDispatcher(t, inj, turns.Options{})

	if res := d.Cancel(context.Background(), "c1"); res != CancelNothing {
		t.Errorf("Cancel on idle channel = %v, want nothing", res)
	}

	reg.Observe(agentMention("a1", "ping"))
	if res := d.Cancel(context.Background(), "c1"); res != CancelClearedPending {
		t.Errorf("Cancel with pending reply = %v, want cleared_pending", res)
	}
	if _, ok := reg.Pending("c1"); ok {
		t.Error("pending reply survived Cancel")
	}

	done := make(chan error, 1)
	go func() { done <- d.Execute(context.Background(), humanMention("m1", "long job")) }()
	waitFor(t, "run to start", func() bool { return d.Active("c1") })

	if res := d.Cancel(context.Background(), "c1"); res != CancelStopped {
		t.Errorf("Cancel with active run = %v, want stopped", res)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("cancelled Execute = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after Cancel")
	}

	if got := inj.cancelCount(); got != 1 {
		t.Errorf("CancelInject calls = %d, want 1", got)
	}
	if replies := tr.ops("reply"); len(replies) != 1 || replies[0].content != "partial answer" {
		t.Errorf("replies = %+v, want partial output flushed", replies)
	}
	for _, r := range tr.ops("react") {
		if r.content == reactionFailed {
			t.Error("failure reaction shown for a cancelled run")
		}
	}
}

func TestCancelReleasesRunWhenAbortIsNotAnswered(t *testing.T) {
	inj := newFakeInjector()
	inj.block = true
	inj.ignoreAbort = true
	d, tr, _ := newTestDispatcher(t, inj, turns.Options{})

	done := make(chan error, 1)
	go func() { done <- d.Execute(context.Background(), humanMention("m1", "long job")) }()
	waitFor(t, "run to start", func() bool { return d.Active("c1") })

	if res := d.Cancel(context.Background(), "c1"); res != CancelStopped {
		t.Errorf("Cancel = %v, want stopped", res)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("cancelled Execute = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute still blocked after an acknowledged abort")
	}
	if d.Active("c1") {
		t.Error("responding flag left set after Cancel")
	}
	for _, r := range tr.ops("react") {
		if r.content == reactionFailed {
			t.Error("failure reaction shown for a cancelled run")
		}
	}
}

func TestBufferClearedOnlyOnSuccess(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantBuffered int
	}{
		{"success clears through trigger", nil, 1},
		{"failure keeps context", errProvider, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inj := newFakeInjector()
			inj.final = "answer"
			inj.err = tt.err
			d, _, reg := newTestDispatcher(t, inj, turns.Options{})

			reg.Observe(bus.InboundMessage{ChatID: "c1", MessageID: "x1", SenderName: "bob", Content: "context"})
			trigger := humanMention("m1", "question")
			reg.Observe(trigger)
			reg.Observe(bus.InboundMessage{ChatID: "c1", MessageID: "x2", SenderName: "bob", Content: "later"})

			_ = d.Execute(context.Background(), trigger)

			if got := reg.Snapshot()[0].Buffered; got != tt.wantBuffered {
				t.Errorf("buffered = %d, want %d", got, tt.wantBuffered)
			}
		})
	}
}

func TestComposePromptIncludesTranscript(t *testing.T) {
	inj := newFakeInjector()
	inj.final = "ok"
	d, _, reg := newTestDispatcher(t, inj, turns.Options{})

	reg.Observe(bus.InboundMessage{ChatID: "c1", MessageID: "x1", SenderName: "bob", Content: "the build is red"})
	reg.Observe(bus.InboundMessage{ChatID: "c1", MessageID: "x2", SenderName: "scout", Content: "looking", FromAgent: true})
	trigger := humanMention("m1", "what broke?")
	reg.Observe(trigger)

	if err := d.Execute(context.Background(), trigger); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	want := "[Recent channel messages]\nbob: the build is red\nscout: looking\n\n[From: alice]\nwhat broke?"
	if got := inj.injectCalls()[0].text; got != want {
		t.Errorf("prompt =\n%s\nwant\n%s", got, want)
	}
}

func TestComposePromptWithoutContext(t *testing.T) {
	inj := newFakeInjector()
	d, _, _ := newTestDispatcher(t, inj, turns.Options{})

	msg := humanMention("m1", "hello")
	msg.SenderName = ""
	if got := d.composePrompt(msg); got != "[From: u1]\nhello" {
		t.Errorf("prompt = %q", got)
	}
}

func TestHumanMentionPreemptsPendingAgentReply(t *testing.T) {
	inj := newFakeInjector()
	inj.final = "on it"
	d, tr, reg := newTestDispatcher(t, inj, turns.Options{})

	d.HandleInbound(context.Background(), agentMention("a1", "hey relay"))
	if _, ok := reg.Pending("c1"); !ok {
		t.Fatal("agent mention was not queued")
	}
	if got := len(inj.injectCalls()); got != 0 {
		t.Fatalf("agent mention executed immediately: %d calls", got)
	}

	d.HandleInbound(context.Background(), humanMention("m1", "answer me instead"))
	waitFor(t, "human run to finish", func() bool { return len(tr.ops("reply")) == 1 })

	if _, ok := reg.Pending("c1"); ok {
		t.Error("pending agent reply survived a human mention")
	}
	calls := inj.injectCalls()
	if len(calls) != 1 || !strings.HasSuffix(calls[0].text, "answer me instead") {
		t.Errorf("inject calls = %+v, want the human request", calls)
	}
	if got := tr.ops("reply")[0].target; got != "m1" {
		t.Errorf("reply target = %s, want m1", got)
	}
}

func TestRunFiresPendingAgentReply(t *testing.T) {
	inj := newFakeInjector()
	inj.final = "pong"
	d, tr, _ := newTestDispatcher(t, inj, turns.Options{
		Cooldown:      20 * time.Millisecond,
		SweepInterval: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.HandleInbound(context.Background(), agentMention("a1", "ping"))
	waitFor(t, "queued reply to fire", func() bool { return len(tr.ops("reply")) == 1 })

	if got := tr.ops("reply")[0].target; got != "a1" {
		t.Errorf("reply target = %s, want a1", got)
	}
	if got := len(inj.injectCalls()); got != 1 {
		t.Errorf("inject calls = %d, want exactly 1", got)
	}
}

func TestHandleTypingIgnoresAgents(t *testing.T) {
	d, _, reg := newTestDispatcher(t, newFakeInjector(), turns.Options{})

	d.HandleTyping(context.Background(), bus.TypingEvent{ChatID: "c1", FromAgent: true})
	if got := reg.Snapshot(); len(got) != 0 {
		t.Errorf("agent typing touched registry: %+v", got)
	}
	d.HandleTyping(context.Background(), bus.TypingEvent{ChatID: "c1", UserID: "u1"})
	if got := reg.Snapshot(); len(got) != 1 || got[0].TypingUntil == nil {
		t.Errorf("human typing not recorded: %+v", got)
	}
}

func TestExecuteRecordsSessionRun(t *testing.T) {
	inj := newFakeInjector()
	inj.chunks = []string{"hi there"}
	tr := &fakeTransport{}
	ledger := sessions.NewManager("")
	d := New(Config{Transport: tr, Injector: inj, Turns: turns.NewRegistry(turns.Options{}), Sessions: ledger})
	defer d.Close(context.Background())

	msg := humanMention("m1", "hello")
	msg.Direct = true
	if err := d.Execute(context.Background(), msg); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	last, ok := ledger.LastRun("agent:default:discord:direct:c1")
	if !ok {
		t.Fatal("no run recorded for the direct session")
	}
	if last.Outcome != "ok" || last.TriggerID != "m1" || len(last.Messages) != 1 {
		t.Errorf("run = %+v", last)
	}
}

func TestCloseAbortsActiveRuns(t *testing.T) {
	inj := newFakeInjector()
	inj.block = true
	d, _, reg := newTestDispatcher(t, inj, turns.Options{})

	d.HandleInbound(context.Background(), humanMention("m1", "long job"))
	waitFor(t, "run to start", func() bool { return d.Active("c1") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if reg.Responding("c1") {
		t.Error("responding flag left set after Close")
	}

	d.HandleInbound(context.Background(), humanMention("m2", "after close"))
	time.Sleep(20 * time.Millisecond)
	if got := len(inj.injectCalls()); got != 1 {
		t.Errorf("inject calls = %d, want 1 (no runs after Close)", got)
	}
}

func TestIsCancelled(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, true},
		{fmt.Errorf("inject: %w", gateway.ErrCancelled), true},
		{errors.New("Run Aborted"), true},
		{errors.New("request cancelled by user"), true},
		{errProvider, false},
		{context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		if got := IsCancelled(tt.err); got != tt.want {
			t.Errorf("IsCancelled(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
