// Package sink fans ordered transcription results out to independent
// consumers. Each sink runs on its own goroutine so a slow sink never stalls
// delivery to the others, and a failing sink is isolated and reported.
package sink

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/dictalabs/dicta-core/internal/protocol"
)

// Sink consumes the ordered result stream. Publish is called once per
// result, in sequence order, from the sink's private goroutine.
type Sink interface {
	ID() string
	Publish(result protocol.TranscriptionResult) error
}

// FailureFunc observes sink failures. Delivery to other sinks continues.
type FailureFunc func(sinkID string, err error)

type Fanout struct {
	log       *slog.Logger
	onFailure FailureFunc

	mu      sync.Mutex
	workers []*worker
	closed  bool
}

func NewFanout(log *slog.Logger, onFailure FailureFunc) *Fanout {
	return &Fanout{
		log:       log.With(slog.String("component", "sink-fanout")),
		onFailure: onFailure,
	}
}

// Register adds a sink. Results published after Register reach the sink;
// earlier ones do not.
func (f *Fanout) Register(s Sink) {
	w := &worker{
		sink: s,
		cond: sync.NewCond(&sync.Mutex{}),
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.workers = append(f.workers, w)
	f.mu.Unlock()

	go w.run(f.log, f.onFailure)
}

// Publish hands result to every registered sink. Never blocks on sink speed;
// per-sink queues grow as needed and drain in order.
func (f *Fanout) Publish(result protocol.TranscriptionResult) {
	f.mu.Lock()
	workers := f.workers
	f.mu.Unlock()
	for _, w := range workers {
		w.enqueue(result)
	}
}

// Close stops all sink workers after their queued results drain.
func (f *Fanout) Close() {
	f.mu.Lock()
	workers := f.workers
	f.workers = nil
	f.closed = true
	f.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			w.stop()
		}(w)
	}
	wg.Wait()
}

type worker struct {
	sink Sink
	cond *sync.Cond
	// guarded by cond.L
	queue   []protocol.TranscriptionResult
	closing bool
	done    bool
}

func (w *worker) enqueue(result protocol.TranscriptionResult) {
	w.cond.L.Lock()
	if !w.closing {
		w.queue = append(w.queue, result)
	}
	w.cond.L.Unlock()
	w.cond.Broadcast()
}

func (w *worker) stop() {
	w.cond.L.Lock()
	w.closing = true
	w.cond.Broadcast()
	for !w.done {
		w.cond.Wait()
	}
	w.cond.L.Unlock()
}

func (w *worker) run(log *slog.Logger, onFailure FailureFunc) {
	defer func() {
		w.cond.L.Lock()
		w.done = true
		w.cond.L.Unlock()
		w.cond.Broadcast()
	}()

	for {
		w.cond.L.Lock()
		for len(w.queue) == 0 && !w.closing {
			w.cond.Wait()
		}
		if len(w.queue) == 0 && w.closing {
			w.cond.L.Unlock()
			return
		}
		result := w.queue[0]
		w.queue = w.queue[1:]
		w.cond.L.Unlock()

		w.deliver(result, log, onFailure)
	}
}

func (w *worker) deliver(result protocol.TranscriptionResult, log *slog.Logger, onFailure FailureFunc) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("sink panicked",
				slog.String("sink", w.sink.ID()),
				slog.Any("panic", r))
			if onFailure != nil {
				onFailure(w.sink.ID(), panicError{r})
			}
		}
	}()
	if err := w.sink.Publish(result); err != nil {
		log.Warn("sink publish failed",
			slog.String("sink", w.sink.ID()),
			slog.String("error", err.Error()))
		if onFailure != nil {
			onFailure(w.sink.ID(), err)
		}
	}
}

type panicError struct {
	value any
}

func (e panicError) Error() string {
	return fmt.Sprintf("sink panicked: %v", e.value)
}
