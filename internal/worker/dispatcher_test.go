package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"coscene/internal/editor"
	"coscene/internal/events"
)

type fakeExecutor struct {
	mu    sync.Mutex
	order []string
	block map[int64]chan struct{} // per-session gate, nil entries run through
	began chan int64
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		block: make(map[int64]chan struct{}),
		began: make(chan int64, 32),
	}
}

func (f *fakeExecutor) Run(ctx context.Context, req editor.Request, stream *events.Stream) (*editor.Result, error) {
	if stream != nil {
		defer stream.Close()
	}
	select {
	case f.began <- req.SessionID:
	default:
	}
	f.mu.Lock()
	gate := f.block[req.SessionID]
	f.order = append(f.order, req.Instruction)
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return &editor.Result{Phase: editor.PhaseSucceeded}, nil
}

func (f *fakeExecutor) ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

func submit(t *testing.T, d *Dispatcher, sessionID int64, instruction string) chan Outcome {
	t.Helper()
	done := make(chan Outcome, 1)
	err := d.Submit(Job{
		Type: Edit,
		Ctx:  context.Background(),
		Req:  editor.Request{SessionID: sessionID, Instruction: instruction},
		Done: done,
	})
	if err != nil {
		t.Fatalf("Submit(%s): %v", instruction, err)
	}
	return done
}

func waitOutcome(t *testing.T, done chan Outcome) Outcome {
	t.Helper()
	select {
	case out := <-done:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("job did not complete")
		return Outcome{}
	}
}

func TestDispatcherRunsJob(t *testing.T) {
	exec := newFakeExecutor()
	d := NewDispatcher(1, 2, 10, exec, time.Minute)

	out := waitOutcome(t, submit(t, d, 1, "add a cube"))
	if out.Err != nil {
		t.Fatalf("outcome error: %v", out.Err)
	}
	if out.Result == nil || out.Result.Phase != editor.PhaseSucceeded {
		t.Fatalf("unexpected result: %#v", out.Result)
	}
}

func TestDispatcherSessionFIFO(t *testing.T) {
	exec := newFakeExecutor()
	d := NewDispatcher(1, 1, 10, exec, time.Minute)

	done1 := submit(t, d, 5, "first")
	done2 := submit(t, d, 5, "second")
	done3 := submit(t, d, 5, "third")
	waitOutcome(t, done1)
	waitOutcome(t, done2)
	waitOutcome(t, done3)

	order := exec.ran()
	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("expected FIFO order, got %v", order)
	}
}

func TestDispatcherBusySessionDoesNotStarveOthers(t *testing.T) {
	exec := newFakeExecutor()
	gate := make(chan struct{})
	exec.block[1] = gate
	d := NewDispatcher(1, 3, 10, exec, time.Minute)

	slowDone := submit(t, d, 1, "slow")
	select {
	case <-exec.began:
	case <-time.After(time.Second):
		t.Fatal("slow job did not start")
	}

	fastDone := submit(t, d, 2, "fast")
	waitOutcome(t, fastDone)

	close(gate)
	waitOutcome(t, slowDone)
}

func TestDispatcherBackpressure(t *testing.T) {
	exec := newFakeExecutor()
	gate := make(chan struct{})
	exec.block[1] = gate
	defer close(gate)
	d := NewDispatcher(1, 1, 1, exec, time.Minute)

	submit(t, d, 1, "occupies the worker")
	select {
	case <-exec.began:
	case <-time.After(time.Second):
		t.Fatal("first job did not start")
	}
	submit(t, d, 1, "queued behind the worker")

	// The single worker is held and the intake slot fills; eventually
	// Submit must refuse instead of blocking.
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := d.Submit(Job{Type: Edit, Req: editor.Request{SessionID: 1, Instruction: "overflow"}})
		if errors.Is(err, ErrDispatcherBusy) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("Submit never returned ErrDispatcherBusy")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCancelSessionDropsPending(t *testing.T) {
	exec := newFakeExecutor()
	gate := make(chan struct{})
	exec.block[9] = gate
	d := NewDispatcher(1, 1, 10, exec, time.Minute)

	running := submit(t, d, 9, "running")
	select {
	case <-exec.began:
	case <-time.After(time.Second):
		t.Fatal("job did not start")
	}
	submit(t, d, 9, "pending, will be dropped")

	// Give the run loop a moment to move the pending job off the intake
	// channel into the session queue.
	time.Sleep(50 * time.Millisecond)
	d.CancelSession(9)
	close(gate)
	waitOutcome(t, running)

	time.Sleep(100 * time.Millisecond)
	for _, in := range exec.ran() {
		if in == "pending, will be dropped" {
			t.Fatal("cancelled job still executed")
		}
	}
}

func TestCancelSessionReleasesSubscribers(t *testing.T) {
	exec := newFakeExecutor()
	gate := make(chan struct{})
	exec.block[4] = gate
	defer close(gate)
	d := NewDispatcher(1, 1, 10, exec, time.Minute)

	submit(t, d, 4, "occupies the worker")
	select {
	case <-exec.began:
	case <-time.After(time.Second):
		t.Fatal("job did not start")
	}

	stream := events.NewStream("cancelled-edit")
	done := make(chan Outcome, 1)
	if err := d.Submit(Job{
		Type:   Edit,
		Ctx:    context.Background(),
		Req:    editor.Request{SessionID: 4, Instruction: "will never run"},
		Stream: stream,
		Done:   done,
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// A subscriber is already draining the queued job's stream, the way
	// the HTTP handlers do.
	drained := make(chan []events.Event, 1)
	go func() {
		var got []events.Event
		for ev := range stream.Events() {
			got = append(got, ev)
		}
		drained <- got
	}()

	time.Sleep(50 * time.Millisecond)
	d.CancelSession(4)

	var got []events.Event
	select {
	case got = <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber still blocked after CancelSession")
	}
	if len(got) != 2 {
		t.Fatalf("expected error + failed status, got %d events: %#v", len(got), got)
	}
	if errEv, ok := got[0].(events.Error); !ok || errEv.Code != "cancelled" {
		t.Fatalf("first event should report cancellation: %#v", got[0])
	}
	if st, ok := got[1].(events.Status); !ok || st.State != events.StatusFailed {
		t.Fatalf("terminal status missing: %#v", got[1])
	}

	select {
	case out := <-done:
		if !errors.Is(out.Err, ErrSessionCancelled) {
			t.Fatalf("outcome error %v, want ErrSessionCancelled", out.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dropped job never signalled Done")
	}
}
