package stt

import (
	"context"
	"errors"
)

// ErrModelLoad reports missing weights or an incompatible preset.
var ErrModelLoad = errors.New("stt: model load failed")

// Result captures recognizer output for one chunk.
type Result struct {
	Text string
}

// Recognizer abstracts STT backends. Transcribe blocks for the duration of
// inference and must honor ctx cancellation. Implementations must be safe
// for concurrent use.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate, channels int) (Result, error)
}
