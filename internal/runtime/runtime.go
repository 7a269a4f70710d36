// Package runtime assembles the dictation service: embedded bus, event
// store, audio capture, the transcription session controller, optional
// speech output, and the HTTP control surface.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dictalabs/dicta-core/internal/audio"
	"github.com/dictalabs/dicta-core/internal/bus"
	"github.com/dictalabs/dicta-core/internal/config"
	"github.com/dictalabs/dicta-core/internal/eventstore"
	"github.com/dictalabs/dicta-core/internal/natsserver"
	"github.com/dictalabs/dicta-core/internal/protocol"
	"github.com/dictalabs/dicta-core/internal/session"
	"github.com/dictalabs/dicta-core/internal/sink"
	"github.com/dictalabs/dicta-core/internal/stt"
	"github.com/dictalabs/dicta-core/internal/transcript"
	"github.com/dictalabs/dicta-core/internal/tts"
	"github.com/nats-io/nats.go"
)

type Runtime struct {
	cfg config.Config
	log *slog.Logger

	httpServer *http.Server
	embedded   *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	audioCtx   *audio.Context
	engine     *stt.Engine
	fanout     *sink.Fanout
	transcript *transcript.Accumulator
	controller *session.Controller
	speaker    *tts.Speaker

	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	// events decouples recording from the pipeline goroutines: the
	// capture path must never wait on sqlite or the bus
	events     chan func()
	mirrorDone chan struct{}
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg: cfg,
		log: logger,
	}
}

// Start brings every component up, serves the control API, and blocks until
// ctx is cancelled. Teardown is in reverse construction order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.log)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = tel.shutdown

	embedded, err := natsserver.Start(r.cfg.Bus, r.log.With(slog.String("component", "nats-server")))
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	r.embedded = embedded

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	busClient, err := bus.Connect(busCfg, r.log.With(slog.String("component", "bus")))
	if err != nil {
		r.embedded.Shutdown()
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = busClient

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.log.With(slog.String("component", "eventstore")))
	if err != nil {
		r.bus.Close()
		r.embedded.Shutdown()
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store

	audioCtx, err := audio.NewContext()
	if err != nil {
		_ = r.store.Close()
		r.bus.Close()
		r.embedded.Shutdown()
		return fmt.Errorf("failed to initialize audio backend: %w", err)
	}
	r.audioCtx = audioCtx

	r.events = make(chan func(), 256)
	r.mirrorDone = make(chan struct{})
	go r.mirrorLoop()

	r.engine = stt.NewEngine(r.cfg.STT, r.log)
	r.fanout = sink.NewFanout(r.log, r.onSinkFailure)

	mirror := ""
	if r.cfg.Transcript.Mirror {
		mirror = r.cfg.Transcript.ExportPath
	}
	r.transcript = transcript.NewAccumulator(r.log, mirror)
	r.fanout.Register(r.transcript)
	r.fanout.Register(bus.NewResultSink(busClient))
	r.fanout.Register(eventstore.NewResultSink(store))

	controller, err := session.NewController(audioCtx, r.engine, r.fanout,
		session.Events{OnState: r.onSessionState, OnOverrun: r.onOverrun}, r.log)
	if err != nil {
		r.teardownEarly()
		return fmt.Errorf("failed to build session controller: %w", err)
	}
	r.controller = controller

	if r.cfg.TTS.Enabled {
		if err := r.setupSpeech(ctx); err != nil {
			r.teardownEarly()
			return fmt.Errorf("failed to setup speech output: %w", err)
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.buildMux(tel.metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.log.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.log.Info("runtime started",
		slog.String("addr", addr),
		slog.String("stt_mode", r.cfg.STT.Mode),
		slog.Bool("tts_enabled", r.cfg.TTS.Enabled))

	<-ctx.Done()
	r.log.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.log.Error("http shutdown error", slog.String("error", err.Error()))
	}

	if r.controller.State() != session.StateIdle {
		if err := r.controller.Stop(); err != nil {
			r.log.Error("session stop on shutdown failed", slog.String("error", err.Error()))
		}
	}
	if r.speaker != nil {
		r.speaker.Stop()
	}
	r.fanout.Close()
	close(r.events)
	<-r.mirrorDone
	r.bus.Close()
	r.embedded.Shutdown()
	if err := r.store.Close(); err != nil {
		r.log.Error("event store close error", slog.String("error", err.Error()))
	}
	if err := r.audioCtx.Close(); err != nil {
		r.log.Error("audio backend close error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.log.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (r *Runtime) teardownEarly() {
	if r.fanout != nil {
		r.fanout.Close()
	}
	if r.events != nil {
		close(r.events)
		<-r.mirrorDone
	}
	if r.audioCtx != nil {
		_ = r.audioCtx.Close()
	}
	if r.store != nil {
		_ = r.store.Close()
	}
	r.bus.Close()
	r.embedded.Shutdown()
}

// setupSpeech wires the synthesizer, the playback device, and the bus
// subject other processes use to request speech.
func (r *Runtime) setupSpeech(ctx context.Context) error {
	var synth tts.Synthesizer
	switch r.cfg.TTS.Mode {
	case "exec":
		s, err := tts.NewExecSynth(r.cfg.TTS.Command, r.cfg.TTS.SampleRate, r.cfg.TTS.Channels)
		if err != nil {
			return err
		}
		synth = s
	default:
		synth = tts.NewMockSynth(r.cfg.TTS.SampleRate, r.cfg.TTS.Channels)
	}
	player := audio.NewPlayer(r.audioCtx, r.cfg.TTS.SampleRate, r.cfg.TTS.Channels)
	r.speaker = tts.NewSpeaker(synth, player, r.log)

	_, err := r.bus.Subscribe(protocol.SubjectTTSSay, func(msg *nats.Msg) {
		var req protocol.TTSRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			r.log.Warn("malformed tts request on bus", slog.String("error", err.Error()))
			return
		}
		go func() {
			if err := r.speaker.Speak(ctx, req.Text, req.Voice); err != nil {
				r.log.Warn("bus speech request failed", slog.String("error", err.Error()))
			}
		}()
	})
	return err
}

// mirrorLoop runs the event-store inserts and bus publishes queued by the
// session callbacks. It exits when the channel is closed during shutdown,
// after the queue has drained.
func (r *Runtime) mirrorLoop() {
	defer close(r.mirrorDone)
	for fn := range r.events {
		fn()
	}
}

// dispatch queues recording work for the mirror goroutine. The callbacks
// fire on pipeline goroutines, so recording is best-effort: when the queue
// is full the record is dropped rather than applying backpressure.
func (r *Runtime) dispatch(fn func()) {
	select {
	case r.events <- fn:
	default:
		r.log.Warn("event mirror queue full, dropping record")
	}
}

// onSessionState mirrors lifecycle transitions to the bus and the event
// store. The session row is upserted first so event inserts satisfy the
// foreign key.
func (r *Runtime) onSessionState(evt protocol.SessionEvent) {
	snap := r.controller.Snapshot()
	r.dispatch(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if snap.SessionID == evt.SessionID {
			if err := r.store.AppendSession(ctx, snap.SessionID, snap.DeviceID, snap.Preset, snap.ChunkSeconds); err != nil {
				r.log.Warn("session record failed", slog.String("error", err.Error()))
			}
		}

		payload, _ := json.Marshal(evt)
		if err := r.store.AppendEvent(ctx, eventstore.Event{
			SessionID: evt.SessionID,
			Type:      "session." + evt.State,
			Payload:   payload,
		}); err != nil {
			r.log.Warn("session event record failed", slog.String("error", err.Error()))
		}

		if r.bus.Healthy() {
			if err := r.bus.PublishJSON(protocol.SubjectSessionEvent, evt); err != nil {
				r.log.Warn("session event publish failed", slog.String("error", err.Error()))
			}
		}
	})
}

// onOverrun fires from the capture goroutine, which must never wait on
// sqlite or the bus; the work is handed straight to the mirror goroutine.
func (r *Runtime) onOverrun(o protocol.Overrun) {
	r.dispatch(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		payload, _ := json.Marshal(o)
		if err := r.store.AppendEvent(ctx, eventstore.Event{
			SessionID: o.SessionID,
			Type:      "session.overrun",
			Payload:   payload,
		}); err != nil {
			r.log.Warn("overrun record failed", slog.String("error", err.Error()))
		}

		if r.bus.Healthy() {
			if err := r.bus.PublishJSON(protocol.SubjectSessionOverrun, o); err != nil {
				r.log.Warn("overrun publish failed", slog.String("error", err.Error()))
			}
		}
	})
}

func (r *Runtime) onSinkFailure(sinkID string, err error) {
	r.log.Warn("result sink failed",
		slog.String("sink", sinkID),
		slog.String("error", err.Error()))

	snap := r.controller.Snapshot()
	if snap.SessionID == "" {
		return
	}
	r.dispatch(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		payload, _ := json.Marshal(map[string]string{"sink": sinkID, "error": err.Error()})
		if err := r.store.AppendEvent(ctx, eventstore.Event{
			SessionID: snap.SessionID,
			Type:      "sink.failure",
			Payload:   payload,
		}); err != nil {
			r.log.Warn("sink failure record failed", slog.String("error", err.Error()))
		}
	})
}
