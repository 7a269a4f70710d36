// Package session orchestrates the live transcription pipeline: capture,
// chunking, concurrent inference, and ordered delivery to sinks.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dictalabs/dicta-core/internal/audio"
	"github.com/dictalabs/dicta-core/internal/chunker"
	"github.com/dictalabs/dicta-core/internal/protocol"
	"github.com/dictalabs/dicta-core/internal/sink"
	"github.com/dictalabs/dicta-core/internal/stt"
	"github.com/google/uuid"
)

var (
	// ErrSessionActive reports a start while a session is already running.
	ErrSessionActive = errors.New("session: already running")
	// ErrNotRunning reports stop/reconfigure without a running session.
	ErrNotRunning = errors.New("session: not running")
	// ErrStallTimeout reports capture or inference exceeding the watchdog.
	ErrStallTimeout = errors.New("session: stall watchdog expired")
)

// StartError wraps whatever made start fail after partial setup was undone.
type StartError struct {
	Cause error
}

func (e *StartError) Error() string { return fmt.Sprintf("session start failed: %v", e.Cause) }
func (e *StartError) Unwrap() error { return e.Cause }

// State is the controller's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateReconfiguring
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateReconfiguring:
		return "reconfiguring"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Opener claims audio devices. Satisfied by *audio.Context.
type Opener interface {
	Open(deviceID string, format audio.Format) (audio.Source, error)
}

// Config is one session's pipeline configuration.
type Config struct {
	DeviceID     string
	SampleRate   int
	Channels     int
	FrameSize    int
	ChunkSeconds float64
	QueueDepth   int
	Workers      int // 0 = sized by model preset
	Preset       string
	Watchdog     time.Duration
	StopTimeout  time.Duration
}

func (c Config) format() audio.Format {
	return audio.Format{SampleRate: c.SampleRate, Channels: c.Channels, FrameSize: c.FrameSize}
}

// Changes is a partial reconfiguration applied to a running session.
// Nil fields are left untouched.
type Changes struct {
	DeviceID     *string
	Preset       *string
	ChunkSeconds *float64
}

// Events receives controller notifications. Fields may be nil.
type Events struct {
	OnState   func(protocol.SessionEvent)
	OnOverrun func(protocol.Overrun)
}

// Snapshot is a point-in-time view of the controller for the control surface.
type Snapshot struct {
	State            string  `json:"state"`
	SessionID        string  `json:"session_id,omitempty"`
	DeviceID         string  `json:"device_id,omitempty"`
	Preset           string  `json:"preset,omitempty"`
	ChunkSeconds     float64 `json:"chunk_seconds,omitempty"`
	Workers          int     `json:"workers,omitempty"`
	ChunksEmitted    uint64  `json:"chunks_emitted"`
	ResultsDelivered uint64  `json:"results_delivered"`
	Overruns         uint64  `json:"overruns"`
}

// Controller owns the AudioSource → Chunker → inference → fan-out chain.
// Exactly one session runs at a time; start/stop/reconfigure are atomic with
// respect to each other.
type Controller struct {
	opener  Opener
	engine  *stt.Engine
	fanout  *sink.Fanout
	events  Events
	log     *slog.Logger
	metrics *pipelineMetrics

	mu    sync.Mutex
	state State
	run   *run
}

func NewController(opener Opener, engine *stt.Engine, fanout *sink.Fanout, events Events, log *slog.Logger) (*Controller, error) {
	metrics, err := newPipelineMetrics()
	if err != nil {
		return nil, fmt.Errorf("register pipeline metrics: %w", err)
	}
	return &Controller{
		opener:  opener,
		engine:  engine,
		fanout:  fanout,
		events:  events,
		log:     log.With(slog.String("component", "session")),
		metrics: metrics,
	}, nil
}

// run is the state of one active session. Its loops communicate only
// through channels; the reorder buffer and counters live on the delivery
// side so there is a single writer for each.
type run struct {
	id      string
	cfg     Config
	chunker *chunker.Chunker
	queue   chan chunker.Chunk
	results chan protocol.TranscriptionResult
	drops   chan uint64

	ctx    context.Context
	cancel context.CancelFunc

	srcMu    sync.Mutex
	src      audio.Source
	deviceID string

	workers int

	captureDone chan struct{}
	workersDone chan struct{}
	deliverDone chan struct{}

	chunksEmitted    atomic.Uint64
	resultsDelivered atomic.Uint64
	overruns         atomic.Uint64
}

func (r *run) currentSource() audio.Source {
	r.srcMu.Lock()
	defer r.srcMu.Unlock()
	return r.src
}

func (r *run) swapSource(src audio.Source, deviceID string) audio.Source {
	r.srcMu.Lock()
	old := r.src
	r.src = src
	r.deviceID = deviceID
	r.srcMu.Unlock()
	return old
}

func (r *run) currentDeviceID() string {
	r.srcMu.Lock()
	defer r.srcMu.Unlock()
	return r.deviceID
}

func (r *run) closeSource() {
	if src := r.currentSource(); src != nil {
		_ = src.Close()
	}
}

// Start opens the device, loads the model preset, and spawns the pipeline.
// Valid only from Idle. On failure every partially acquired resource is
// released and the controller returns to Idle.
func (c *Controller) Start(cfg Config) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrSessionActive
	}
	c.state = StateStarting
	c.mu.Unlock()

	abort := func(err error) error {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		return &StartError{Cause: err}
	}

	src, err := c.opener.Open(cfg.DeviceID, cfg.format())
	if err != nil {
		return abort(err)
	}

	loadCtx, cancelLoad := context.WithTimeout(context.Background(), cfg.Watchdog)
	handle, err := c.engine.LoadPreset(loadCtx, cfg.Preset)
	cancelLoad()
	if err != nil {
		_ = src.Close()
		return abort(err)
	}

	ch, err := chunker.New(cfg.format(), cfg.ChunkSeconds)
	if err != nil {
		_ = src.Close()
		return abort(err)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = handle.Preset().Workers
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:          uuid.NewString(),
		cfg:         cfg,
		chunker:     ch,
		queue:       make(chan chunker.Chunk, cfg.QueueDepth),
		results:     make(chan protocol.TranscriptionResult, workers),
		drops:       make(chan uint64, cfg.QueueDepth+1),
		ctx:         ctx,
		cancel:      cancel,
		src:         src,
		deviceID:    cfg.DeviceID,
		workers:     workers,
		captureDone: make(chan struct{}),
		workersDone: make(chan struct{}),
		deliverDone: make(chan struct{}),
	}

	go c.captureLoop(r)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go c.inferenceWorker(r, &wg)
	}
	go func() {
		wg.Wait()
		close(r.workersDone)
	}()
	go c.deliverLoop(r)

	c.mu.Lock()
	c.state = StateRunning
	c.run = r
	c.mu.Unlock()

	c.log.Info("session started",
		slog.String("session_id", r.id),
		slog.String("preset", cfg.Preset),
		slog.Int("workers", workers),
		slog.Float64("chunk_seconds", cfg.ChunkSeconds))
	c.emitState(r, "running", nil)
	return nil
}

// Stop tears the pipeline down. The device is released before Stop returns;
// queued chunks are discarded, and each worker's in-flight inference runs to
// completion (bounded by the watchdog) with its result dropped. Returns
// within the configured stop timeout.
func (c *Controller) Stop() error {
	return c.stop(nil)
}

func (c *Controller) stop(cause error) error {
	c.mu.Lock()
	if c.state != StateRunning && c.state != StateReconfiguring {
		c.mu.Unlock()
		return ErrNotRunning
	}
	r := c.run
	c.state = StateStopping
	c.mu.Unlock()

	c.emitState(r, "stopping", cause)

	// Release the device first: a blocked ReadFrame wakes with SourceClosed.
	r.closeSource()
	r.cancel()

	done := make(chan struct{})
	go func() {
		<-r.captureDone
		<-r.workersDone
		<-r.deliverDone
		close(done)
	}()

	var timedOut bool
	select {
	case <-done:
	case <-time.After(r.cfg.StopTimeout):
		timedOut = true
	}

	c.mu.Lock()
	c.state = StateIdle
	c.run = nil
	c.mu.Unlock()

	c.log.Info("session stopped",
		slog.String("session_id", r.id),
		slog.Uint64("chunks", r.chunksEmitted.Load()),
		slog.Uint64("delivered", r.resultsDelivered.Load()),
		slog.Uint64("overruns", r.overruns.Load()))
	c.emitState(r, "idle", cause)

	if timedOut {
		return fmt.Errorf("%w: pipeline did not wind down within %v", ErrStallTimeout, r.cfg.StopTimeout)
	}
	return nil
}

// Reconfigure applies device/preset/chunk-length changes to the running
// session without losing its identity: sequence numbering continues and no
// already-dispatched chunk's result is lost.
func (c *Controller) Reconfigure(changes Changes) error {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return ErrNotRunning
	}
	r := c.run
	c.state = StateReconfiguring
	c.mu.Unlock()

	c.emitState(r, "reconfiguring", nil)
	defer func() {
		c.mu.Lock()
		if c.run == r && c.state == StateReconfiguring {
			c.state = StateRunning
		}
		c.mu.Unlock()
		c.emitState(r, "running", nil)
	}()

	if changes.ChunkSeconds != nil {
		if err := r.chunker.SetChunkSeconds(*changes.ChunkSeconds); err != nil {
			return err
		}
		c.log.Info("chunk duration updated",
			slog.String("session_id", r.id),
			slog.Float64("chunk_seconds", *changes.ChunkSeconds))
	}

	if changes.Preset != nil {
		loadCtx, cancel := context.WithTimeout(context.Background(), r.cfg.Watchdog)
		_, err := c.engine.LoadPreset(loadCtx, *changes.Preset)
		cancel()
		if err != nil {
			return err
		}
		// chunks already dispatched keep the handle they were claimed with
		c.log.Info("preset switched",
			slog.String("session_id", r.id),
			slog.String("preset", *changes.Preset))
	}

	if changes.DeviceID != nil && *changes.DeviceID != r.currentDeviceID() {
		newSrc, err := c.opener.Open(*changes.DeviceID, r.cfg.format())
		if err != nil {
			return err
		}
		old := r.swapSource(newSrc, *changes.DeviceID)
		if old != nil {
			_ = old.Close()
		}
		c.log.Info("capture device switched",
			slog.String("session_id", r.id),
			slog.String("device_id", *changes.DeviceID))
	}

	return nil
}

// Snapshot reports current state and counters.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	state := c.state
	r := c.run
	c.mu.Unlock()

	snap := Snapshot{State: state.String()}
	if r == nil {
		return snap
	}
	snap.SessionID = r.id
	snap.DeviceID = r.currentDeviceID()
	snap.ChunkSeconds = r.chunker.ChunkSeconds()
	snap.Workers = r.workers
	snap.ChunksEmitted = r.chunksEmitted.Load()
	snap.ResultsDelivered = r.resultsDelivered.Load()
	snap.Overruns = r.overruns.Load()
	if handle := c.engine.Current(); handle != nil {
		snap.Preset = handle.Preset().Name
	}
	return snap
}

// State reports the controller's lifecycle position.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) captureLoop(r *run) {
	defer close(r.captureDone)
	for {
		src := r.currentSource()
		readCtx, cancel := context.WithTimeout(r.ctx, r.cfg.Watchdog)
		frame, err := src.ReadFrame(readCtx)
		cancel()
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			if errors.Is(err, audio.ErrSourceClosed) {
				if r.currentSource() != src {
					// device swap mid-session, keep capturing
					continue
				}
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				c.failAsync(r, fmt.Errorf("%w: no audio frame within %v", ErrStallTimeout, r.cfg.Watchdog))
				return
			}
			c.failAsync(r, fmt.Errorf("capture failed: %w", err))
			return
		}

		chunk, ok := r.chunker.Feed(frame)
		if !ok {
			continue
		}
		r.chunksEmitted.Add(1)
		c.metrics.chunksEmitted.Add(r.ctx, 1)

	enqueue:
		for {
			// the send must win whenever the queue has room; a combined
			// send/receive select would drop chunks on a non-full queue
			select {
			case r.queue <- chunk:
				break enqueue
			default:
			}

			select {
			case old := <-r.queue:
				// queue full: drop the oldest unconsumed chunk, report it,
				// then retry the send
				r.overruns.Add(1)
				c.metrics.overruns.Add(r.ctx, 1)
				c.emitOverrun(r, old.Sequence)
				select {
				case r.drops <- old.Sequence:
				case <-r.ctx.Done():
					return
				}
			default:
				// a worker claimed a slot between the two selects
			}

			if r.ctx.Err() != nil {
				return
			}
		}
	}
}

func (c *Controller) inferenceWorker(r *run, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case chunk := <-r.queue:
			// claim the current handle; it stays valid for this chunk even
			// if a preset switch lands mid-inference
			handle := c.engine.Current()

			// not derived from r.ctx: cancellation is cooperative, checked
			// between chunks; an in-flight inference runs to completion
			// bounded only by the watchdog
			inferCtx, cancel := context.WithTimeout(context.Background(), r.cfg.Watchdog)
			start := time.Now()
			result, err := handle.Transcribe(inferCtx, chunk.PCM, r.cfg.SampleRate, r.cfg.Channels)
			cancel()
			c.metrics.inferenceSeconds.Record(r.ctx, time.Since(start).Seconds())

			text := result.Text
			if err != nil {
				if r.ctx.Err() != nil {
					// stopping; the result is discarded by policy
					return
				}
				if errors.Is(err, context.DeadlineExceeded) {
					c.failAsync(r, fmt.Errorf("%w: inference exceeded %v", ErrStallTimeout, r.cfg.Watchdog))
					return
				}
				c.log.Warn("transcription failed",
					slog.Uint64("sequence", chunk.Sequence),
					slog.String("error", err.Error()))
				text = ""
			}

			out := protocol.TranscriptionResult{
				SessionID: r.id,
				Sequence:  chunk.Sequence,
				Text:      text,
				Final:     true,
				Timestamp: chunk.Timestamp,
			}
			select {
			case r.results <- out:
			case <-r.ctx.Done():
				return
			}
		}
	}
}

func (c *Controller) deliverLoop(r *run) {
	defer close(r.deliverDone)
	buf := newReorderBuffer()
	for {
		select {
		case <-r.ctx.Done():
			return
		case seq := <-r.drops:
			for _, out := range buf.MarkDropped(seq) {
				c.deliver(r, out)
			}
		case result := <-r.results:
			for _, out := range buf.Add(result) {
				c.deliver(r, out)
			}
		}
	}
}

func (c *Controller) deliver(r *run, result protocol.TranscriptionResult) {
	r.resultsDelivered.Add(1)
	c.metrics.resultsDelivered.Add(r.ctx, 1)
	c.fanout.Publish(result)
}

// failAsync reports a terminal failure from inside a pipeline loop and tears
// the session down without blocking the caller.
func (c *Controller) failAsync(r *run, err error) {
	c.log.Error("session failed",
		slog.String("session_id", r.id),
		slog.String("error", err.Error()))
	c.emitState(r, "failed", err)
	go func() {
		_ = c.stop(err)
	}()
}

func (c *Controller) emitState(r *run, state string, cause error) {
	if c.events.OnState == nil {
		return
	}
	evt := protocol.SessionEvent{
		SessionID: r.id,
		State:     state,
		Timestamp: time.Now().UTC(),
	}
	if cause != nil {
		evt.Error = cause.Error()
	}
	c.events.OnState(evt)
}

func (c *Controller) emitOverrun(r *run, seq uint64) {
	c.log.Warn("chunk dropped by backpressure",
		slog.String("session_id", r.id),
		slog.Uint64("sequence", seq))
	if c.events.OnOverrun == nil {
		return
	}
	c.events.OnOverrun(protocol.Overrun{
		SessionID: r.id,
		Sequence:  seq,
		QueueLen:  len(r.queue),
		Timestamp: time.Now().UTC(),
	})
}
