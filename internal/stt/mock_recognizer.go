package stt

import (
	"context"
	"fmt"

	"github.com/dictalabs/dicta-core/internal/config"
)

// mockRecognizer returns deterministic text without loading a model.
// Silent chunks produce an empty transcript, matching real recognizers.
type mockRecognizer struct {
	preset Preset
}

func newMockRecognizer(_ context.Context, _ config.STTConfig, preset Preset) (Recognizer, error) {
	return &mockRecognizer{preset: preset}, nil
}

func (m *mockRecognizer) Transcribe(ctx context.Context, pcm []byte, _, _ int) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if isSilence(pcm) {
		return Result{}, nil
	}
	return Result{Text: fmt.Sprintf("[%s transcript length=%d]", m.preset.Name, len(pcm))}, nil
}

func isSilence(pcm []byte) bool {
	for _, b := range pcm {
		if b != 0 {
			return false
		}
	}
	return true
}
