package stt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dictalabs/dicta-core/internal/config"
)

// RecognizerFactory builds a backend for one preset. The build is the
// expensive "model load" step; per-chunk inference happens on the returned
// Recognizer.
type RecognizerFactory func(ctx context.Context, cfg config.STTConfig, preset Preset) (Recognizer, error)

// ModelHandle pairs a loaded recognizer with its preset. Handles are shared
// read-only across inference workers. After a preset switch the old handle
// stays valid for chunks already dispatched against it; only new dispatches
// see the new handle.
type ModelHandle struct {
	preset   Preset
	rec      Recognizer
	version  uint64
	inflight sync.WaitGroup
}

func (h *ModelHandle) Preset() Preset  { return h.preset }
func (h *ModelHandle) Version() uint64 { return h.version }

// Transcribe runs one inference against this handle.
func (h *ModelHandle) Transcribe(ctx context.Context, pcm []byte, sampleRate, channels int) (Result, error) {
	h.inflight.Add(1)
	defer h.inflight.Done()
	return h.rec.Transcribe(ctx, pcm, sampleRate, channels)
}

// Engine owns the current ModelHandle and serializes preset loads.
type Engine struct {
	cfg     config.STTConfig
	factory RecognizerFactory
	log     *slog.Logger

	loadMu  sync.Mutex // at most one load in flight
	version atomic.Uint64
	current atomic.Pointer[ModelHandle]
}

// NewEngine selects the backend factory from cfg.Mode.
func NewEngine(cfg config.STTConfig, log *slog.Logger) *Engine {
	var factory RecognizerFactory
	switch cfg.Mode {
	case "exec":
		factory = newExecRecognizer
	default:
		factory = newMockRecognizer
	}
	return NewEngineWithFactory(cfg, factory, log)
}

func NewEngineWithFactory(cfg config.STTConfig, factory RecognizerFactory, log *slog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		factory: factory,
		log:     log.With(slog.String("component", "stt-engine")),
	}
}

// LoadPreset builds a handle for the named preset and makes it current.
// Blocking and potentially slow. Concurrent loads are serialized; the last
// one to finish wins the current pointer.
func (e *Engine) LoadPreset(ctx context.Context, name string) (*ModelHandle, error) {
	preset, err := LookupPreset(name)
	if err != nil {
		return nil, err
	}

	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	start := time.Now()
	rec, err := e.factory(ctx, e.cfg, preset)
	if err != nil {
		return nil, fmt.Errorf("%w: preset %s: %v", ErrModelLoad, name, err)
	}

	handle := &ModelHandle{
		preset:  preset,
		rec:     rec,
		version: e.version.Add(1),
	}
	prev := e.current.Swap(handle)
	e.log.Info("model preset loaded",
		slog.String("preset", name),
		slog.Uint64("version", handle.version),
		slog.Duration("took", time.Since(start)))
	if prev != nil {
		// the superseded handle keeps serving chunks dispatched against it;
		// release it once those drain
		go e.Release(prev)
	}
	return handle, nil
}

// Current returns the handle new dispatches should use, or nil before the
// first successful load.
func (e *Engine) Current() *ModelHandle {
	return e.current.Load()
}

// Release blocks until every inference dispatched against h has finished,
// then frees backend resources if the recognizer holds any.
func (e *Engine) Release(h *ModelHandle) {
	if h == nil {
		return
	}
	h.inflight.Wait()
	if closer, ok := h.rec.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			e.log.Warn("recognizer close failed", slog.String("error", err.Error()))
		}
	}
}
