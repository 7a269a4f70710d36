package audio

import (
	"context"
	"sync"
	"time"
)

// MockSource produces silence frames without touching hardware.
type MockSource struct {
	format   Format
	interval time.Duration // delay per frame, zero means as fast as possible
	limit    int           // frames to produce before blocking, <= 0 means unlimited

	mu        sync.Mutex
	produced  int
	closeOnce sync.Once
	closed    chan struct{}
}

// NewMockSource returns a source emitting zeroed frames of the given format.
// When limit > 0 the source blocks after producing that many frames, which
// lets tests exercise exact chunk counts.
func NewMockSource(format Format, interval time.Duration, limit int) *MockSource {
	return &MockSource{
		format:   format,
		interval: interval,
		limit:    limit,
		closed:   make(chan struct{}),
	}
}

func (m *MockSource) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-m.closed:
		return nil, ErrSourceClosed
	default:
	}

	m.mu.Lock()
	exhausted := m.limit > 0 && m.produced >= m.limit
	if !exhausted {
		m.produced++
	}
	m.mu.Unlock()

	if exhausted {
		select {
		case <-m.closed:
			return nil, ErrSourceClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if m.interval > 0 {
		select {
		case <-time.After(m.interval):
		case <-m.closed:
			return nil, ErrSourceClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return make([]byte, m.format.FrameBytes()), nil
}

func (m *MockSource) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// Produced reports how many frames have been handed out.
func (m *MockSource) Produced() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.produced
}
