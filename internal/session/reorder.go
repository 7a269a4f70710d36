package session

import "github.com/dictalabs/dicta-core/internal/protocol"

// reorderBuffer releases results in strict sequence order even when
// concurrent inference finishes out of order. Sequences announced as
// dropped (backpressure overrun) are skipped so later results are never
// held back waiting for a chunk that will never arrive.
type reorderBuffer struct {
	next    uint64
	held    map[uint64]protocol.TranscriptionResult
	dropped map[uint64]struct{}
}

func newReorderBuffer() *reorderBuffer {
	return &reorderBuffer{
		held:    make(map[uint64]protocol.TranscriptionResult),
		dropped: make(map[uint64]struct{}),
	}
}

// Add inserts one result and returns every result now releasable in order.
func (b *reorderBuffer) Add(result protocol.TranscriptionResult) []protocol.TranscriptionResult {
	if result.Sequence < b.next {
		// stale duplicate, already delivered or dropped
		return nil
	}
	b.held[result.Sequence] = result
	return b.drain()
}

// MarkDropped records that a sequence will never produce a result.
func (b *reorderBuffer) MarkDropped(seq uint64) []protocol.TranscriptionResult {
	if seq < b.next {
		return nil
	}
	b.dropped[seq] = struct{}{}
	return b.drain()
}

func (b *reorderBuffer) drain() []protocol.TranscriptionResult {
	var out []protocol.TranscriptionResult
	for {
		if _, ok := b.dropped[b.next]; ok {
			delete(b.dropped, b.next)
			b.next++
			continue
		}
		result, ok := b.held[b.next]
		if !ok {
			return out
		}
		delete(b.held, b.next)
		b.next++
		out = append(out, result)
	}
}

// Pending reports how many results are held waiting for predecessors.
func (b *reorderBuffer) Pending() int {
	return len(b.held)
}
