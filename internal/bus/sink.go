package bus

import (
	"github.com/dictalabs/dicta-core/internal/protocol"
)

// ResultSink publishes final transcription results on the bus so other
// processes can consume the live transcript.
type ResultSink struct {
	client *Client
}

func NewResultSink(client *Client) *ResultSink {
	return &ResultSink{client: client}
}

func (s *ResultSink) ID() string { return "bus" }

func (s *ResultSink) Publish(result protocol.TranscriptionResult) error {
	return s.client.PublishJSON(protocol.SubjectTranscriptFinal, result)
}
