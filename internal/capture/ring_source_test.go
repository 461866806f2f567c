package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slimstreamer/slimstreamer/internal/chunk"
	"github.com/slimstreamer/slimstreamer/internal/logging"
)

func newTestRingSource(t *testing.T) *ringSource {
	t.Helper()
	return newRingSource(44100, 8, logging.Default())
}

func TestProduceChunkBelowThresholdReturnsNone(t *testing.T) {
	s := newTestRingSource(t)

	for i := 0; i < StartThreshold; i++ {
		s.publish(chunk.Chunk{SamplingRate: 44100, Frames: 1, Payload: make([]byte, chunk.Channels*chunk.BytesPerSample)})
	}

	_, ok := s.ProduceChunk(func(chunk.Chunk) bool { return true })
	assert.False(t, ok, "must return None until the counter exceeds the threshold")
}

func TestProduceChunkAboveThresholdConsumes(t *testing.T) {
	s := newTestRingSource(t)

	for i := 0; i < StartThreshold+2; i++ {
		s.publish(chunk.Chunk{SamplingRate: 44100, Frames: 1, Payload: make([]byte, chunk.Channels*chunk.BytesPerSample)})
	}

	defer1, ok1 := s.ProduceChunk(func(chunk.Chunk) bool { return true })
	require.True(t, ok1)
	assert.Equal(t, uint(0), defer1)
}

func TestProduceChunkRejectedDefers(t *testing.T) {
	s := newTestRingSource(t)

	for i := 0; i < StartThreshold+1; i++ {
		s.publish(chunk.Chunk{SamplingRate: 44100, Frames: 1, Payload: make([]byte, chunk.Channels*chunk.BytesPerSample)})
	}

	deferMs, ok := s.ProduceChunk(func(chunk.Chunk) bool { return false })
	require.True(t, ok)
	assert.Equal(t, uint(rejectDeferMs), deferMs)
}

func TestProduceChunkEmptyRingReturnsNone(t *testing.T) {
	s := newTestRingSource(t)

	for i := 0; i < StartThreshold+1; i++ {
		s.chunkCounter.Add(1)
	}

	_, ok := s.ProduceChunk(func(chunk.Chunk) bool { return true })
	assert.False(t, ok)
}

func TestSkipChunkDrainsWithoutRealConsumer(t *testing.T) {
	s := newTestRingSource(t)
	s.publish(chunk.Chunk{SamplingRate: 44100, Frames: 1, Payload: make([]byte, chunk.Channels*chunk.BytesPerSample)})

	assert.Equal(t, 1, s.ring.Len())
	s.SkipChunk()
	assert.Equal(t, 0, s.ring.Len())
}
