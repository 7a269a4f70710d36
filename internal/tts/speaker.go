package tts

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrSpeaking reports a Speak call while another one is still playing.
var ErrSpeaking = errors.New("tts: already speaking")

// Player renders PCM to an output device. Satisfied by audio.Player.
type Player interface {
	Play(ctx context.Context, pcm []byte) error
}

// Speaker synthesizes text and plays it back. Speak blocks its caller for
// the duration of playback; Stop cancels from any goroutine without touching
// the transcription session.
type Speaker struct {
	synth  Synthesizer
	player Player
	log    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewSpeaker(synth Synthesizer, player Player, log *slog.Logger) *Speaker {
	return &Speaker{
		synth:  synth,
		player: player,
		log:    log.With(slog.String("component", "speaker")),
	}
}

// Speak synthesizes text and blocks until playback finishes, Stop is called,
// or ctx is cancelled. At most one utterance plays at a time.
func (s *Speaker) Speak(ctx context.Context, text, voice string) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return ErrSpeaking
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()

	start := time.Now()
	pcm, err := s.synth.Synthesize(ctx, Request{Text: text, Voice: voice})
	if err != nil {
		return err
	}
	s.log.Info("speaking",
		slog.Int("pcm_bytes", len(pcm)),
		slog.Duration("synthesis", time.Since(start)))

	return s.player.Play(ctx, pcm)
}

// Stop cancels the current utterance, if any. Safe to call at any time.
func (s *Speaker) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Speaking reports whether an utterance is in progress.
func (s *Speaker) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}
