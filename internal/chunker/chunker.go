// Package chunker accumulates raw capture frames into fixed-duration,
// sequence-numbered audio chunks.
package chunker

import (
	"fmt"
	"sync"
	"time"

	"github.com/dictalabs/dicta-core/internal/audio"
)

// Chunk is one fixed-duration segment of captured audio. Immutable once
// emitted.
type Chunk struct {
	Sequence  uint64
	Timestamp time.Time // capture time of the chunk's first sample
	PCM       []byte    // little-endian 16-bit samples
}

// Samples is the per-channel sample count of the chunk.
func (c Chunk) Samples(channels int) int {
	return len(c.PCM) / 2 / channels
}

// Chunker buffers frames until a full chunk's worth of samples is available,
// then emits the chunk and starts the next one. Sequence numbers are strictly
// increasing and gapless. A chunk-duration change takes effect at the next
// chunk boundary; the in-progress buffer is never truncated.
type Chunker struct {
	format audio.Format

	mu           sync.Mutex
	chunkSeconds float64 // applied at the next boundary
	targetBytes  int     // byte size of the chunk being accumulated
	buf          []byte
	start        time.Time
	nextSeq      uint64
	clock        func() time.Time
}

func New(format audio.Format, chunkSeconds float64) (*Chunker, error) {
	if chunkSeconds <= 0 {
		return nil, fmt.Errorf("chunk duration must be positive, got %v", chunkSeconds)
	}
	c := &Chunker{
		format:       format,
		chunkSeconds: chunkSeconds,
		clock:        time.Now,
	}
	c.targetBytes = c.bytesFor(chunkSeconds)
	return c, nil
}

func (c *Chunker) bytesFor(seconds float64) int {
	samples := int(seconds * float64(c.format.SampleRate))
	return samples * c.format.Channels * 2
}

// SetChunkSeconds changes the chunk duration starting from the next chunk
// boundary.
func (c *Chunker) SetChunkSeconds(seconds float64) error {
	if seconds <= 0 {
		return fmt.Errorf("chunk duration must be positive, got %v", seconds)
	}
	c.mu.Lock()
	c.chunkSeconds = seconds
	c.mu.Unlock()
	return nil
}

// ChunkSeconds reports the duration that will apply to the next chunk.
func (c *Chunker) ChunkSeconds() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chunkSeconds
}

// Feed appends one frame and returns a completed chunk when the buffer
// fills. Frames need not align with chunk boundaries; surplus samples carry
// into the following chunk.
func (c *Chunker) Feed(frame []byte) (Chunk, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.buf) == 0 {
		c.start = c.clock()
	}
	c.buf = append(c.buf, frame...)

	if len(c.buf) < c.targetBytes {
		return Chunk{}, false
	}

	pcm := make([]byte, c.targetBytes)
	copy(pcm, c.buf[:c.targetBytes])
	chunk := Chunk{
		Sequence:  c.nextSeq,
		Timestamp: c.start,
		PCM:       pcm,
	}
	c.nextSeq++

	rest := c.buf[c.targetBytes:]
	c.buf = append(c.buf[:0], rest...)
	now := c.clock()
	if carried := len(c.buf) / 2 / c.format.Channels; carried > 0 {
		// the carried samples were captured before this boundary; back-date
		// the next chunk's start by their duration
		offset := time.Duration(float64(carried) / float64(c.format.SampleRate) * float64(time.Second))
		now = now.Add(-offset)
	}
	c.start = now
	c.targetBytes = c.bytesFor(c.chunkSeconds)

	return chunk, true
}
