package chunker

import (
	"testing"
	"time"

	"github.com/dictalabs/dicta-core/internal/audio"
)

var testFormat = audio.Format{SampleRate: 16000, Channels: 1, FrameSize: 1024}

func frame() []byte {
	return make([]byte, testFormat.FrameBytes())
}

func TestEmitsExactChunkSizes(t *testing.T) {
	// 2 seconds at 16 kHz mono = 32000 samples = 64000 bytes per chunk.
	c, err := New(testFormat, 2)
	if err != nil {
		t.Fatalf("new chunker: %v", err)
	}

	totalFrames := 100 // 102400 samples, enough for 3 full chunks
	var chunks []Chunk
	for i := 0; i < totalFrames; i++ {
		if chunk, ok := c.Feed(frame()); ok {
			chunks = append(chunks, chunk)
		}
	}

	wantChunks := totalFrames * testFormat.FrameSize / 32000
	if len(chunks) != wantChunks {
		t.Fatalf("expected %d chunks, got %d", wantChunks, len(chunks))
	}
	for i, chunk := range chunks {
		if chunk.Sequence != uint64(i) {
			t.Fatalf("chunk %d has sequence %d", i, chunk.Sequence)
		}
		if got := chunk.Samples(testFormat.Channels); got != 32000 {
			t.Fatalf("chunk %d has %d samples, want 32000", i, got)
		}
	}
}

func TestSequenceGapless(t *testing.T) {
	c, err := New(testFormat, 0.064) // 1024 samples, one frame per chunk
	if err != nil {
		t.Fatalf("new chunker: %v", err)
	}
	for i := 0; i < 50; i++ {
		chunk, ok := c.Feed(frame())
		if !ok {
			t.Fatalf("frame %d did not complete a chunk", i)
		}
		if chunk.Sequence != uint64(i) {
			t.Fatalf("expected sequence %d, got %d", i, chunk.Sequence)
		}
	}
}

func TestDurationChangeAppliesAtBoundary(t *testing.T) {
	c, err := New(testFormat, 2)
	if err != nil {
		t.Fatalf("new chunker: %v", err)
	}

	// Half-fill the first chunk, then shrink the duration. The in-progress
	// chunk must still come out at the original 32000 samples.
	fed := 0
	var first Chunk
	for {
		chunk, ok := c.Feed(frame())
		fed++
		if fed == 16 {
			if err := c.SetChunkSeconds(1); err != nil {
				t.Fatalf("set chunk seconds: %v", err)
			}
		}
		if ok {
			first = chunk
			break
		}
	}
	if got := first.Samples(testFormat.Channels); got != 32000 {
		t.Fatalf("in-progress chunk truncated: %d samples", got)
	}

	// The next chunk uses the new duration.
	for {
		chunk, ok := c.Feed(frame())
		if ok {
			if got := chunk.Samples(testFormat.Channels); got != 16000 {
				t.Fatalf("expected 16000 samples after reconfigure, got %d", got)
			}
			return
		}
	}
}

func TestTimestampMarksChunkStart(t *testing.T) {
	c, err := New(testFormat, 0.128) // two frames per chunk
	if err != nil {
		t.Fatalf("new chunker: %v", err)
	}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.clock = func() time.Time { return now }

	if _, ok := c.Feed(frame()); ok {
		t.Fatal("first frame should not complete a chunk")
	}
	startOfSecond := now.Add(time.Second)
	c.clock = func() time.Time { return startOfSecond }

	chunk, ok := c.Feed(frame())
	if !ok {
		t.Fatal("second frame should complete the chunk")
	}
	if !chunk.Timestamp.Equal(now) {
		t.Fatalf("timestamp should be the first frame's capture time, got %v", chunk.Timestamp)
	}
}

func TestCarriedRemainderBackdatesNextTimestamp(t *testing.T) {
	// 1536 samples per chunk: two 1024-sample frames overfill it, carrying
	// 512 samples into the next chunk.
	c, err := New(testFormat, 0.096)
	if err != nil {
		t.Fatalf("new chunker: %v", err)
	}
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.clock = func() time.Time { return t0 }

	if _, ok := c.Feed(frame()); ok {
		t.Fatal("first frame should not complete a chunk")
	}
	t1 := t0.Add(64 * time.Millisecond)
	c.clock = func() time.Time { return t1 }

	first, ok := c.Feed(frame())
	if !ok {
		t.Fatal("second frame should complete the chunk")
	}
	if !first.Timestamp.Equal(t0) {
		t.Fatalf("first chunk timestamp = %v, want %v", first.Timestamp, t0)
	}

	second, ok := c.Feed(frame())
	if !ok {
		t.Fatal("third frame should complete the second chunk")
	}
	// 512 carried samples at 16 kHz were captured 32 ms before the first
	// chunk's emission.
	want := t1.Add(-32 * time.Millisecond)
	if !second.Timestamp.Equal(want) {
		t.Fatalf("second chunk timestamp = %v, want %v", second.Timestamp, want)
	}
}

func TestRejectsNonPositiveDuration(t *testing.T) {
	if _, err := New(testFormat, 0); err == nil {
		t.Fatal("expected error for zero duration")
	}
	c, err := New(testFormat, 1)
	if err != nil {
		t.Fatalf("new chunker: %v", err)
	}
	if err := c.SetChunkSeconds(-1); err == nil {
		t.Fatal("expected error for negative duration")
	}
}
