package protocol

import "time"

// TranscriptionResult is the ordered STT output for one audio chunk.
type TranscriptionResult struct {
	SessionID string    `json:"session_id"`
	Sequence  uint64    `json:"sequence"`
	Text      string    `json:"text"`
	Final     bool      `json:"final"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionEvent announces a session lifecycle transition on the bus.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Overrun reports a chunk dropped by the backpressure policy. The dropped
// sequence number will never produce a TranscriptionResult.
type Overrun struct {
	SessionID string    `json:"session_id"`
	Sequence  uint64    `json:"sequence"`
	QueueLen  int       `json:"queue_len"`
	Timestamp time.Time `json:"timestamp"`
}

// TTSRequest asks the synthesizer to speak text out loud.
type TTSRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

const (
	SubjectTranscriptFinal = "dicta.transcript.final"
	SubjectSessionEvent    = "dicta.session.event"
	SubjectSessionOverrun  = "dicta.session.overrun"
	SubjectTTSSay          = "dicta.tts.say"
)
