package audio

import (
	"context"
	"errors"
)

var (
	// ErrDeviceUnavailable reports a capture device that cannot be claimed:
	// not found, in use, or permission denied.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")
	// ErrUnsupportedFormat reports a requested format the device cannot deliver.
	ErrUnsupportedFormat = errors.New("audio: unsupported format")
	// ErrSourceClosed reports a read against a closed source.
	ErrSourceClosed = errors.New("audio: source closed")
)

// Device describes one capture device visible to the host.
type Device struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Default  bool   `json:"default"`
	Channels int    `json:"channels,omitempty"`
}

// Source delivers fixed-size frames of raw little-endian 16-bit PCM.
//
// ReadFrame blocks until a full frame is available, the context is cancelled,
// or the source is closed. After Close, every ReadFrame fails with
// ErrSourceClosed, including calls already blocked when Close ran.
// Close is idempotent and safe to call concurrently with ReadFrame.
type Source interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// Format is the frame geometry a source was opened with.
type Format struct {
	SampleRate int
	Channels   int
	FrameSize  int // samples per frame, per channel
}

// FrameBytes is the byte length of one frame: 16-bit samples across channels.
func (f Format) FrameBytes() int {
	return f.FrameSize * f.Channels * 2
}

func (f Format) valid() bool {
	return f.SampleRate >= 8000 && f.SampleRate <= 192000 &&
		f.Channels >= 1 && f.Channels <= 2 &&
		f.FrameSize > 0
}
