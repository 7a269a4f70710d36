package tts

import "context"

// Request contains parameters to synthesize speech.
type Request struct {
	Text  string
	Voice string
}

// Synthesizer turns text into 16-bit PCM at the configured sample rate.
// Blocking for the duration of synthesis; must honor ctx cancellation.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}
