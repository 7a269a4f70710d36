package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dictalabs/dicta-core/internal/audio"
	"github.com/dictalabs/dicta-core/internal/config"
	"github.com/dictalabs/dicta-core/internal/protocol"
	"github.com/dictalabs/dicta-core/internal/sink"
	"github.com/dictalabs/dicta-core/internal/stt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

var testFormat = audio.Format{SampleRate: 16000, Channels: 1, FrameSize: 1024}

func testConfig() Config {
	return Config{
		DeviceID:     "",
		SampleRate:   testFormat.SampleRate,
		Channels:     testFormat.Channels,
		FrameSize:    testFormat.FrameSize,
		ChunkSeconds: 2,
		QueueDepth:   8,
		Workers:      1,
		Preset:       "base",
		Watchdog:     5 * time.Second,
		StopTimeout:  5 * time.Second,
	}
}

// fakeOpener hands out whatever source the test configured.
type fakeOpener struct {
	mu     sync.Mutex
	next   func(deviceID string, format audio.Format) (audio.Source, error)
	opened []audio.Source
}

func (o *fakeOpener) Open(deviceID string, format audio.Format) (audio.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	src, err := o.next(deviceID, format)
	if err != nil {
		return nil, err
	}
	o.opened = append(o.opened, src)
	return src, nil
}

func mockOpener(limit int) *fakeOpener {
	return &fakeOpener{next: func(deviceID string, format audio.Format) (audio.Source, error) {
		if deviceID == "missing" {
			return nil, audio.ErrDeviceUnavailable
		}
		// unlimited sources get a small pacing interval so tests don't spin
		var interval time.Duration
		if limit <= 0 {
			interval = time.Millisecond
		}
		return audio.NewMockSource(format, interval, limit), nil
	}}
}

type chanSink struct {
	ch chan protocol.TranscriptionResult
}

func newChanSink() *chanSink {
	return &chanSink{ch: make(chan protocol.TranscriptionResult, 256)}
}

func (s *chanSink) ID() string { return "test" }

func (s *chanSink) Publish(result protocol.TranscriptionResult) error {
	select {
	case s.ch <- result:
	default: // a full buffer only means the test stopped reading
	}
	return nil
}

func (s *chanSink) wait(t *testing.T, timeout time.Duration) protocol.TranscriptionResult {
	t.Helper()
	select {
	case r := <-s.ch:
		return r
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a result")
		return protocol.TranscriptionResult{}
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	states []protocol.SessionEvent
	drops  []protocol.Overrun
}

func (e *eventRecorder) events() Events {
	return Events{
		OnState: func(evt protocol.SessionEvent) {
			e.mu.Lock()
			e.states = append(e.states, evt)
			e.mu.Unlock()
		},
		OnOverrun: func(o protocol.Overrun) {
			e.mu.Lock()
			e.drops = append(e.drops, o)
			e.mu.Unlock()
		},
	}
}

func (e *eventRecorder) overrunCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.drops)
}

func (e *eventRecorder) sawState(state string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, evt := range e.states {
		if evt.State == state {
			return true
		}
	}
	return false
}

func newTestController(t *testing.T, opener Opener, factory stt.RecognizerFactory, s sink.Sink) (*Controller, *eventRecorder) {
	t.Helper()
	var engine *stt.Engine
	if factory != nil {
		engine = stt.NewEngineWithFactory(config.STTConfig{}, factory, testLogger())
	} else {
		engine = stt.NewEngine(config.STTConfig{Mode: "mock"}, testLogger())
	}
	fanout := sink.NewFanout(testLogger(), nil)
	if s != nil {
		fanout.Register(s)
	}
	rec := &eventRecorder{}
	ctrl, err := NewController(opener, engine, fanout, rec.events(), testLogger())
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	t.Cleanup(func() {
		_ = ctrl.Stop()
		fanout.Close()
	})
	return ctrl, rec
}

func TestEndToEndSilenceChunk(t *testing.T) {
	// 32 frames of 1024 samples cover one 2-second chunk at 16 kHz.
	opener := mockOpener(32)
	out := newChanSink()
	ctrl, _ := newTestController(t, opener, nil, out)

	if err := ctrl.Start(testConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}

	result := out.wait(t, 2*time.Second)
	if result.Sequence != 0 {
		t.Fatalf("expected sequence 0, got %d", result.Sequence)
	}
	if result.Text != "" {
		t.Fatalf("silence should transcribe to empty text, got %q", result.Text)
	}
	if !result.Final {
		t.Fatal("chunk results must be final")
	}

	select {
	case extra := <-out.ch:
		t.Fatalf("unexpected extra result: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}

	if err := ctrl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestStartInvalidDeviceLeavesIdle(t *testing.T) {
	opener := mockOpener(0)
	ctrl, _ := newTestController(t, opener, nil, nil)

	cfg := testConfig()
	cfg.DeviceID = "missing"
	err := ctrl.Start(cfg)
	if err == nil {
		t.Fatal("expected start error")
	}
	var startErr *StartError
	if !errors.As(err, &startErr) {
		t.Fatalf("expected StartError, got %T", err)
	}
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("expected DeviceUnavailable cause, got %v", err)
	}
	if got := ctrl.State(); got != StateIdle {
		t.Fatalf("expected idle after failed start, got %v", got)
	}
	if len(opener.opened) != 0 {
		t.Fatal("no source should be held after failed start")
	}
}

func TestStartModelLoadFailureReleasesDevice(t *testing.T) {
	opener := mockOpener(0)
	factory := func(_ context.Context, _ config.STTConfig, _ stt.Preset) (stt.Recognizer, error) {
		return nil, errors.New("weights missing")
	}
	ctrl, _ := newTestController(t, opener, factory, nil)

	err := ctrl.Start(testConfig())
	if !errors.Is(err, stt.ErrModelLoad) {
		t.Fatalf("expected ErrModelLoad, got %v", err)
	}
	if got := ctrl.State(); got != StateIdle {
		t.Fatalf("expected idle, got %v", got)
	}

	// The opened source must have been closed during unwind.
	if len(opener.opened) != 1 {
		t.Fatalf("expected exactly one opened source, got %d", len(opener.opened))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := opener.opened[0].ReadFrame(ctx); !errors.Is(err, audio.ErrSourceClosed) {
		t.Fatalf("expected source closed after unwind, got %v", err)
	}
}

func TestSecondStartRejected(t *testing.T) {
	ctrl, _ := newTestController(t, mockOpener(0), nil, nil)
	if err := ctrl.Start(testConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := ctrl.Start(testConfig()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestStopWithoutStart(t *testing.T) {
	ctrl, _ := newTestController(t, mockOpener(0), nil, nil)
	if err := ctrl.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

// slowFirstRecognizer delays its first call so a later chunk finishes
// inference before an earlier one.
type slowFirstRecognizer struct {
	calls atomic.Int64
}

func (r *slowFirstRecognizer) Transcribe(ctx context.Context, pcm []byte, _, _ int) (stt.Result, error) {
	n := r.calls.Add(1)
	delay := 5 * time.Millisecond
	if n == 1 {
		delay = 150 * time.Millisecond
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return stt.Result{}, ctx.Err()
	}
	return stt.Result{Text: "chunk"}, nil
}

func TestOrderedDeliveryWithConcurrentWorkers(t *testing.T) {
	// 3 chunks' worth of frames; two workers race on them.
	opener := mockOpener(96)
	rec := &slowFirstRecognizer{}
	factory := func(_ context.Context, _ config.STTConfig, _ stt.Preset) (stt.Recognizer, error) {
		return rec, nil
	}
	out := newChanSink()
	ctrl, _ := newTestController(t, opener, factory, out)

	cfg := testConfig()
	cfg.Workers = 2
	if err := ctrl.Start(cfg); err != nil {
		t.Fatalf("start: %v", err)
	}

	for want := uint64(0); want < 3; want++ {
		result := out.wait(t, 3*time.Second)
		if result.Sequence != want {
			t.Fatalf("out-of-order delivery: expected sequence %d, got %d", want, result.Sequence)
		}
	}
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

// gatedRecognizer blocks every call until the gate opens or ctx ends.
type gatedRecognizer struct {
	gate chan struct{}
}

func (r *gatedRecognizer) Transcribe(ctx context.Context, _ []byte, _, _ int) (stt.Result, error) {
	select {
	case <-r.gate:
		return stt.Result{Text: "late"}, nil
	case <-ctx.Done():
		return stt.Result{}, ctx.Err()
	}
}

func TestStopIsBoundedAndReleasesDevice(t *testing.T) {
	opener := mockOpener(0) // unlimited silence
	rec := &gatedRecognizer{gate: make(chan struct{})}
	factory := func(_ context.Context, _ config.STTConfig, _ stt.Preset) (stt.Recognizer, error) {
		return rec, nil
	}
	ctrl, _ := newTestController(t, opener, factory, nil)

	cfg := testConfig()
	cfg.ChunkSeconds = 0.064 // one frame per chunk, queue fills fast
	// cancellation is cooperative: a blocked inference only unwinds at the
	// watchdog, which must sit well inside the stop bound
	cfg.Watchdog = 200 * time.Millisecond
	if err := ctrl.Start(cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	// let the pipeline queue some chunks against the blocked recognizer
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if took := time.Since(start); took > cfg.StopTimeout {
		t.Fatalf("stop exceeded its bound: %v", took)
	}
	if got := ctrl.State(); got != StateIdle {
		t.Fatalf("expected idle after stop, got %v", got)
	}

	src := opener.opened[0]
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := src.ReadFrame(ctx); !errors.Is(err, audio.ErrSourceClosed) {
		t.Fatalf("expected ErrSourceClosed after stop, got %v", err)
	}
}

func TestBackpressureDropsOldestWithReport(t *testing.T) {
	opener := mockOpener(0)
	rec := &gatedRecognizer{gate: make(chan struct{})}
	factory := func(_ context.Context, _ config.STTConfig, _ stt.Preset) (stt.Recognizer, error) {
		return rec, nil
	}
	out := newChanSink()
	ctrl, events := newTestController(t, opener, factory, out)

	cfg := testConfig()
	cfg.ChunkSeconds = 0.064 // one frame per chunk
	cfg.QueueDepth = 1
	if err := ctrl.Start(cfg); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for events.overrunCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected overrun reports while recognizer is blocked")
		case <-time.After(5 * time.Millisecond):
		}
	}

	close(rec.gate)

	// Delivered sequences must be strictly increasing despite the gaps.
	var last int64 = -1
	received := 0
	timeout := time.After(2 * time.Second)
	for received < 3 {
		select {
		case r := <-out.ch:
			if int64(r.Sequence) <= last {
				t.Fatalf("non-increasing delivery: %d after %d", r.Sequence, last)
			}
			last = int64(r.Sequence)
			received++
		case <-timeout:
			t.Fatalf("only %d results delivered after gate opened", received)
		}
	}
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestNoDropsWhileQueueHasRoom(t *testing.T) {
	// 20 one-frame chunks against a blocked worker; depth 64 holds them all,
	// so not a single overrun may be reported.
	opener := mockOpener(20)
	rec := &gatedRecognizer{gate: make(chan struct{})}
	factory := func(_ context.Context, _ config.STTConfig, _ stt.Preset) (stt.Recognizer, error) {
		return rec, nil
	}
	ctrl, events := newTestController(t, opener, factory, nil)

	cfg := testConfig()
	cfg.ChunkSeconds = 0.064 // one frame per chunk
	cfg.QueueDepth = 64
	if err := ctrl.Start(cfg); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for ctrl.Snapshot().ChunksEmitted < 20 {
		select {
		case <-deadline:
			t.Fatalf("only %d chunks emitted", ctrl.Snapshot().ChunksEmitted)
		case <-time.After(5 * time.Millisecond):
		}
	}

	if got := events.overrunCount(); got != 0 {
		t.Fatalf("queue had room for every chunk, yet %d overruns were reported", got)
	}
	if got := ctrl.Snapshot().Overruns; got != 0 {
		t.Fatalf("expected overrun counter 0, got %d", got)
	}

	close(rec.gate)
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestReconfigurePresetKeepsSessionAndResults(t *testing.T) {
	opener := mockOpener(0)
	var loads atomic.Int64
	factory := func(_ context.Context, _ config.STTConfig, preset stt.Preset) (stt.Recognizer, error) {
		loads.Add(1)
		return &slowFirstRecognizer{}, nil
	}
	out := newChanSink()
	ctrl, _ := newTestController(t, opener, factory, out)

	cfg := testConfig()
	cfg.ChunkSeconds = 0.128
	cfg.Workers = 2
	if err := ctrl.Start(cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	sessionID := ctrl.Snapshot().SessionID

	first := out.wait(t, 2*time.Second)

	preset := "small"
	if err := ctrl.Reconfigure(Changes{Preset: &preset}); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	if got := loads.Load(); got != 2 {
		t.Fatalf("expected 2 model loads, got %d", got)
	}
	if got := ctrl.State(); got != StateRunning {
		t.Fatalf("expected running after reconfigure, got %v", got)
	}

	// Session identity and sequence numbering continue.
	snap := ctrl.Snapshot()
	if snap.SessionID != sessionID {
		t.Fatal("session identity lost across reconfigure")
	}
	if snap.Preset != "small" {
		t.Fatalf("expected preset small, got %s", snap.Preset)
	}

	// Numbering continues across the reload; delivery stays ordered even if
	// backpressure skipped some sequences.
	next := out.wait(t, 2*time.Second)
	if next.Sequence <= first.Sequence {
		t.Fatalf("sequence did not continue: %d then %d", first.Sequence, next.Sequence)
	}
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestReconfigureChunkSecondsAtBoundary(t *testing.T) {
	opener := mockOpener(0)
	out := newChanSink()
	ctrl, _ := newTestController(t, opener, nil, out)

	cfg := testConfig()
	cfg.ChunkSeconds = 0.5
	if err := ctrl.Start(cfg); err != nil {
		t.Fatalf("start: %v", err)
	}

	newLen := 0.25
	if err := ctrl.Reconfigure(Changes{ChunkSeconds: &newLen}); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	if got := ctrl.Snapshot().ChunkSeconds; got != 0.25 {
		t.Fatalf("expected chunk seconds 0.25, got %v", got)
	}
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestWatchdogStallFailsSession(t *testing.T) {
	// One frame is not enough for a chunk; the source then blocks forever.
	opener := mockOpener(1)
	ctrl, events := newTestController(t, opener, nil, nil)

	cfg := testConfig()
	cfg.Watchdog = 50 * time.Millisecond
	if err := ctrl.Start(cfg); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for ctrl.State() != StateIdle {
		select {
		case <-deadline:
			t.Fatal("session did not fail over to idle on stall")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if !events.sawState("failed") {
		t.Fatal("expected a failed event")
	}
}
