package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dictalabs/dicta-core/internal/audio"
	"github.com/dictalabs/dicta-core/internal/config"
	"github.com/dictalabs/dicta-core/internal/session"
	"github.com/dictalabs/dicta-core/internal/tts"
)

func (r *Runtime) buildMux(metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	mux.HandleFunc("GET /v1/devices", r.handleDevices)
	mux.HandleFunc("GET /v1/session", r.handleSessionGet)
	mux.HandleFunc("POST /v1/session/start", r.handleSessionStart)
	mux.HandleFunc("POST /v1/session/stop", r.handleSessionStop)
	mux.HandleFunc("POST /v1/session/reconfigure", r.handleSessionReconfigure)
	mux.HandleFunc("GET /v1/transcript", r.handleTranscriptGet)
	mux.HandleFunc("POST /v1/transcript/export", r.handleTranscriptExport)
	mux.HandleFunc("POST /v1/speak", r.handleSpeak)
	mux.HandleFunc("POST /v1/speak/stop", r.handleSpeakStop)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleDevices(w http.ResponseWriter, _ *http.Request) {
	devices, err := r.audioCtx.ListDevices()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enumerate capture devices: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (r *Runtime) handleSessionGet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.controller.Snapshot())
}

type startRequest struct {
	DeviceID     *string  `json:"device_id"`
	Preset       *string  `json:"preset"`
	ChunkSeconds *float64 `json:"chunk_seconds"`
}

// sessionConfig is the configured baseline; start requests may override the
// device, the preset, and the chunk length.
func (r *Runtime) sessionConfig() session.Config {
	capture := r.cfg.Capture
	pipeline := r.cfg.Pipeline
	return session.Config{
		DeviceID:     capture.DeviceID,
		SampleRate:   capture.SampleRate,
		Channels:     capture.Channels,
		FrameSize:    capture.FrameSize,
		ChunkSeconds: pipeline.ChunkSeconds,
		QueueDepth:   pipeline.QueueDepth,
		Workers:      pipeline.Workers,
		Preset:       r.cfg.STT.Preset,
		Watchdog:     time.Duration(pipeline.WatchdogMS) * time.Millisecond,
		StopTimeout:  time.Duration(pipeline.StopTimeoutMS) * time.Millisecond,
	}
}

func (r *Runtime) handleSessionStart(w http.ResponseWriter, req *http.Request) {
	var body startRequest
	if err := decodeBody(req, &body); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: %v", err)
		return
	}

	cfg := r.sessionConfig()
	if body.DeviceID != nil {
		cfg.DeviceID = *body.DeviceID
	}
	if body.Preset != nil {
		if !config.IsPreset(*body.Preset) {
			writeError(w, http.StatusBadRequest, "unknown preset %q, expected one of %s",
				*body.Preset, strings.Join(config.Presets(), "|"))
			return
		}
		cfg.Preset = *body.Preset
	}
	if body.ChunkSeconds != nil {
		if *body.ChunkSeconds <= 0 {
			writeError(w, http.StatusBadRequest, "chunk_seconds must be positive")
			return
		}
		cfg.ChunkSeconds = *body.ChunkSeconds
	}

	if err := r.controller.Start(cfg); err != nil {
		switch {
		case errors.Is(err, session.ErrSessionActive):
			writeError(w, http.StatusConflict, "a session is already running")
		case errors.Is(err, audio.ErrDeviceUnavailable), errors.Is(err, audio.ErrUnsupportedFormat):
			writeError(w, http.StatusUnprocessableEntity, "start failed: %v", err)
		default:
			writeError(w, http.StatusInternalServerError, "start failed: %v", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, r.controller.Snapshot())
}

func (r *Runtime) handleSessionStop(w http.ResponseWriter, _ *http.Request) {
	if err := r.controller.Stop(); err != nil {
		if errors.Is(err, session.ErrNotRunning) {
			writeError(w, http.StatusConflict, "no session is running")
			return
		}
		// stall timeout: the session is idle but teardown was forced
		writeError(w, http.StatusInternalServerError, "stop: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, r.controller.Snapshot())
}

type reconfigureRequest struct {
	DeviceID     *string  `json:"device_id"`
	Preset       *string  `json:"preset"`
	ChunkSeconds *float64 `json:"chunk_seconds"`
}

func (r *Runtime) handleSessionReconfigure(w http.ResponseWriter, req *http.Request) {
	var body reconfigureRequest
	if err := decodeBody(req, &body); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: %v", err)
		return
	}
	if body.DeviceID == nil && body.Preset == nil && body.ChunkSeconds == nil {
		writeError(w, http.StatusBadRequest, "nothing to reconfigure")
		return
	}
	if body.Preset != nil && !config.IsPreset(*body.Preset) {
		writeError(w, http.StatusBadRequest, "unknown preset %q, expected one of %s",
			*body.Preset, strings.Join(config.Presets(), "|"))
		return
	}

	changes := session.Changes{
		DeviceID:     body.DeviceID,
		Preset:       body.Preset,
		ChunkSeconds: body.ChunkSeconds,
	}
	if err := r.controller.Reconfigure(changes); err != nil {
		switch {
		case errors.Is(err, session.ErrNotRunning):
			writeError(w, http.StatusConflict, "no session is running")
		case errors.Is(err, audio.ErrDeviceUnavailable), errors.Is(err, audio.ErrUnsupportedFormat):
			writeError(w, http.StatusUnprocessableEntity, "reconfigure failed: %v", err)
		default:
			writeError(w, http.StatusInternalServerError, "reconfigure failed: %v", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, r.controller.Snapshot())
}

func (r *Runtime) handleTranscriptGet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"text":  r.transcript.Text(),
		"lines": r.transcript.Len(),
	})
}

type exportRequest struct {
	Path string `json:"path"`
}

func (r *Runtime) handleTranscriptExport(w http.ResponseWriter, req *http.Request) {
	var body exportRequest
	if err := decodeBody(req, &body); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: %v", err)
		return
	}
	path := body.Path
	if path == "" {
		path = r.cfg.Transcript.ExportPath
	}
	if err := r.transcript.Export(path); err != nil {
		writeError(w, http.StatusInternalServerError, "export transcript: %v", err)
		return
	}
	r.log.Info("transcript exported",
		slog.String("path", path),
		slog.Int("lines", r.transcript.Len()))
	writeJSON(w, http.StatusOK, map[string]any{
		"path":  path,
		"lines": r.transcript.Len(),
	})
}

type speakRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

// handleSpeak synthesizes and plays the text, blocking until playback ends
// or /v1/speak/stop interrupts it.
func (r *Runtime) handleSpeak(w http.ResponseWriter, req *http.Request) {
	if r.speaker == nil {
		writeError(w, http.StatusServiceUnavailable, "speech output is disabled")
		return
	}
	var body speakRequest
	if err := decodeBody(req, &body); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: %v", err)
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeError(w, http.StatusBadRequest, "text must not be empty")
		return
	}
	voice := body.Voice
	if voice == "" {
		voice = r.cfg.TTS.Voice
	}

	if err := r.speaker.Speak(req.Context(), body.Text, voice); err != nil {
		if errors.Is(err, tts.ErrSpeaking) {
			writeError(w, http.StatusConflict, "already speaking")
			return
		}
		writeError(w, http.StatusInternalServerError, "speak: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"spoken": true})
}

func (r *Runtime) handleSpeakStop(w http.ResponseWriter, _ *http.Request) {
	if r.speaker == nil {
		writeError(w, http.StatusServiceUnavailable, "speech output is disabled")
		return
	}
	r.speaker.Stop()
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": true})
}

// decodeBody tolerates an empty body so endpoints with all-optional fields
// can be hit without one.
func decodeBody(req *http.Request, v any) error {
	if req.Body == nil {
		return nil
	}
	defer req.Body.Close()
	dec := json.NewDecoder(req.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}
