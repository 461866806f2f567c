// Package ringbuffer implements the bounded, single-producer/single-consumer
// queue of chunks described in spec §4.1: the handoff between a capture
// pipeline's dedicated thread and the scheduler's dispatch thread.
//
// The "peek-or-pop" contract is load-bearing (spec §9, "Back-pressure
// signaling"): Dequeue hands the consumer a reference to the head slot and
// only pops it if the consumer's mover function reports it accepted the
// chunk. A rejected chunk stays at the head for the next scheduler pass.
package ringbuffer

import (
	"sync"

	"github.com/slimstreamer/slimstreamer/internal/chunk"
)

// Ring is a fixed-capacity circular buffer of chunks. All storage is
// allocated at construction; no per-chunk allocation happens on Enqueue
// once the ring has wrapped, since slots are reused.
type Ring struct {
	mu       sync.Mutex
	slots    []chunk.Chunk
	head     int
	size     int
	capacity int
}

// New allocates a ring with room for capacity chunks.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}

	return &Ring{
		slots:    make([]chunk.Chunk, capacity),
		capacity: capacity,
	}
}

// Capacity returns the fixed number of slots.
func (r *Ring) Capacity() int {
	return r.capacity
}

// Len returns the number of chunks currently queued.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.size
}

// Enqueue asks fill to populate a fresh chunk and stores it. If the ring is
// full, overflow is invoked instead and the chunk is dropped — this is how
// a non-selected pipeline silently sheds chunks per spec §5.
func (r *Ring) Enqueue(fill func() chunk.Chunk, overflow func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == r.capacity {
		if overflow != nil {
			overflow()
		}

		return
	}

	idx := (r.head + r.size) % r.capacity
	r.slots[idx] = fill()
	r.size++
}

// Dequeue presents the head chunk to mover without removing it. If mover
// returns true the chunk is popped; if it returns false the chunk remains
// at the head for retry on the next call. If the ring is empty, underflow
// is invoked instead and mover is never called.
func (r *Ring) Dequeue(mover func(*chunk.Chunk) bool, underflow func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		if underflow != nil {
			underflow()
		}

		return
	}

	if mover(&r.slots[r.head]) {
		r.head = (r.head + 1) % r.capacity
		r.size--
	}
}
