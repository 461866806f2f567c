package ringbuffer_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slimstreamer/slimstreamer/internal/chunk"
	"github.com/slimstreamer/slimstreamer/internal/ringbuffer"
)

func TestDequeueEmptyInvokesUnderflow(t *testing.T) {
	r := ringbuffer.New(4)

	underflowed := false
	r.Dequeue(func(*chunk.Chunk) bool {
		t.Fatal("mover must not be called on empty ring")
		return false
	}, func() { underflowed = true })

	assert.True(t, underflowed)
}

func TestEnqueueFullInvokesOverflow(t *testing.T) {
	r := ringbuffer.New(2)

	fill := func() chunk.Chunk { return chunk.Chunk{SamplingRate: 44100} }
	r.Enqueue(fill, nil)
	r.Enqueue(fill, nil)

	overflowed := false
	r.Enqueue(fill, func() { overflowed = true })

	assert.True(t, overflowed)
	assert.Equal(t, 2, r.Len())
}

func TestRejectedChunkStaysAtHead(t *testing.T) {
	r := ringbuffer.New(4)

	r.Enqueue(func() chunk.Chunk { return chunk.Chunk{SamplingRate: 44100, Frames: 1} }, nil)

	attempts := 0
	r.Dequeue(func(c *chunk.Chunk) bool {
		attempts++
		return false
	}, nil)

	require.Equal(t, 1, attempts)
	assert.Equal(t, 1, r.Len(), "rejected chunk must remain queued")

	accepted := false
	r.Dequeue(func(c *chunk.Chunk) bool {
		accepted = true
		return true
	}, nil)

	assert.True(t, accepted)
	assert.Equal(t, 0, r.Len())
}

func TestFIFOOrder(t *testing.T) {
	r := ringbuffer.New(8)

	for i := uint(1); i <= 5; i++ {
		rate := i
		r.Enqueue(func() chunk.Chunk { return chunk.Chunk{SamplingRate: rate} }, nil)
	}

	for i := uint(1); i <= 5; i++ {
		r.Dequeue(func(c *chunk.Chunk) bool {
			assert.Equal(t, i, c.SamplingRate)
			return true
		}, nil)
	}

	assert.Equal(t, 0, r.Len())
}

func TestWrapAround(t *testing.T) {
	r := ringbuffer.New(3)

	push := func(rate uint) { r.Enqueue(func() chunk.Chunk { return chunk.Chunk{SamplingRate: rate} }, nil) }
	pop := func() uint {
		var got uint
		r.Dequeue(func(c *chunk.Chunk) bool { got = c.SamplingRate; return true }, nil)
		return got
	}

	push(1)
	push(2)
	assert.Equal(t, uint(1), pop())
	push(3)
	push(4)
	assert.Equal(t, uint(2), pop())
	assert.Equal(t, uint(3), pop())
	assert.Equal(t, uint(4), pop())
	assert.Equal(t, 0, r.Len())
}
