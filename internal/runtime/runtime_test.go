package runtime

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func newMirrorRuntime() *Runtime {
	r := &Runtime{
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		events:     make(chan func(), 4),
		mirrorDone: make(chan struct{}),
	}
	go r.mirrorLoop()
	return r
}

// The session callbacks fire on pipeline goroutines, so queueing a record
// must return immediately even when the mirror goroutine is stuck and the
// queue is full.
func TestDispatchNeverBlocksWhenQueueFull(t *testing.T) {
	r := newMirrorRuntime()

	gate := make(chan struct{})
	r.dispatch(func() { <-gate })
	for i := 0; i < cap(r.events)+8; i++ {
		r.dispatch(func() {})
	}

	done := make(chan struct{})
	go func() {
		r.dispatch(func() {})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch blocked on a full queue")
	}

	close(gate)
	close(r.events)
	select {
	case <-r.mirrorDone:
	case <-time.After(time.Second):
		t.Fatal("mirror loop did not exit after close")
	}
}

func TestMirrorDrainsQueuedRecordsOnClose(t *testing.T) {
	r := newMirrorRuntime()

	var ran atomic.Int64
	for i := 0; i < cap(r.events); i++ {
		r.dispatch(func() { ran.Add(1) })
	}
	close(r.events)

	select {
	case <-r.mirrorDone:
	case <-time.After(time.Second):
		t.Fatal("mirror loop did not exit after close")
	}
	if got := ran.Load(); got != int64(cap(r.events)) {
		t.Fatalf("ran %d records, want %d", got, cap(r.events))
	}
}
