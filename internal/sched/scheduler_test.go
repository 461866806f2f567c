package sched

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/slimstreamer/slimstreamer/internal/capture"
	"github.com/slimstreamer/slimstreamer/internal/chunk"
	"github.com/slimstreamer/slimstreamer/internal/logging"
)

// fakeSource is a minimal capture.Source stand-in exercising the
// None/Some(0)/Some(n>0) contract directly, without a real device.
type fakeSource struct {
	rate      uint
	running   atomic.Bool
	queue     []chunk.Chunk
	deferMs   uint
	produceCt atomic.Int64
}

func newFakeSource(rate uint) *fakeSource {
	f := &fakeSource{rate: rate}
	f.running.Store(true)

	return f
}

func (f *fakeSource) Start() error { return nil }
func (f *fakeSource) Stop()        { f.running.Store(false) }
func (f *fakeSource) Running() bool { return f.running.Load() }
func (f *fakeSource) Rate() uint    { return f.rate }

func (f *fakeSource) ProduceChunk(consume func(chunk.Chunk) bool) (uint, bool) {
	f.produceCt.Add(1)

	if len(f.queue) == 0 {
		return 0, false
	}

	head := f.queue[0]
	if consume(head) {
		f.queue = f.queue[1:]

		return 0, true
	}

	return f.deferMs, true
}

func (f *fakeSource) SkipChunk() {
	if len(f.queue) > 0 {
		f.queue = f.queue[1:]
	}
}

func TestPassVisitsEveryPipelineOncePerCall(t *testing.T) {
	a := newFakeSource(44100)
	a.queue = []chunk.Chunk{{SamplingRate: 44100, Frames: 1, Payload: make([]byte, chunk.Channels*chunk.BytesPerSample)}}

	b := newFakeSource(48000)
	b.queue = []chunk.Chunk{{SamplingRate: 48000, Frames: 1, Payload: make([]byte, chunk.Channels*chunk.BytesPerSample)}}

	s := New([]capture.Source{a, b}, logging.Default())

	s.pass(func(chunk.Chunk) bool { return true }, nil)

	assert.EqualValues(t, 1, a.produceCt.Load())
	assert.EqualValues(t, 1, b.produceCt.Load())
}

func TestPassDefersRejectedPipeline(t *testing.T) {
	a := newFakeSource(44100)
	a.deferMs = 50
	a.queue = []chunk.Chunk{{SamplingRate: 44100, Frames: 1, Payload: make([]byte, chunk.Channels*chunk.BytesPerSample)}}

	s := New([]capture.Source{a}, logging.Default())

	s.pass(func(chunk.Chunk) bool { return false }, nil)
	assert.Len(t, a.queue, 1, "rejected chunk must remain queued")

	s.pass(func(chunk.Chunk) bool { return true }, nil)
	assert.Len(t, a.queue, 1, "still within the defer window, pipeline must not be polled again")

	s.deferUntil[0] = time.Time{}
	s.pass(func(chunk.Chunk) bool { return true }, nil)
	assert.Len(t, a.queue, 0, "once the defer window passes, the chunk is accepted")
}

func TestSkippedPipelineIsNotVisited(t *testing.T) {
	a := newFakeSource(44100)
	a.running.Store(false)
	a.queue = []chunk.Chunk{{SamplingRate: 44100, Frames: 1, Payload: make([]byte, chunk.Channels*chunk.BytesPerSample)}}

	s := New([]capture.Source{a}, logging.Default())
	s.pass(func(chunk.Chunk) bool { return true }, nil)

	assert.EqualValues(t, 0, a.produceCt.Load())
}

func TestPassSkipsChunkOnNonSelectedPipelineOnceRateIsLocked(t *testing.T) {
	a := newFakeSource(44100)
	a.queue = []chunk.Chunk{{SamplingRate: 44100, Frames: 1, Payload: make([]byte, chunk.Channels*chunk.BytesPerSample)}}

	b := newFakeSource(48000)
	b.queue = []chunk.Chunk{{SamplingRate: 48000, Frames: 1, Payload: make([]byte, chunk.Channels*chunk.BytesPerSample)}}

	s := New([]capture.Source{a, b}, logging.Default())

	consumeCt := 0
	activeRate := func() (uint, bool) { return 44100, true }

	s.pass(func(chunk.Chunk) bool { consumeCt++; return true }, activeRate)

	assert.EqualValues(t, 1, a.produceCt.Load(), "the selected-rate pipeline is still offered to consume")
	assert.EqualValues(t, 1, consumeCt)
	assert.EqualValues(t, 0, b.produceCt.Load(), "the non-selected pipeline must never reach ProduceChunk/consume")
	assert.Len(t, b.queue, 0, "the non-selected pipeline's chunk is drained via SkipChunk instead")
}

func TestPassOffersEveryPipelineWhenRateIsUnlocked(t *testing.T) {
	a := newFakeSource(44100)
	a.queue = []chunk.Chunk{{SamplingRate: 44100, Frames: 1, Payload: make([]byte, chunk.Channels*chunk.BytesPerSample)}}

	b := newFakeSource(48000)
	b.queue = []chunk.Chunk{{SamplingRate: 48000, Frames: 1, Payload: make([]byte, chunk.Channels*chunk.BytesPerSample)}}

	s := New([]capture.Source{a, b}, logging.Default())

	activeRate := func() (uint, bool) { return 0, false }

	s.pass(func(chunk.Chunk) bool { return true }, activeRate)

	assert.EqualValues(t, 1, a.produceCt.Load())
	assert.EqualValues(t, 1, b.produceCt.Load())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	a := newFakeSource(44100)
	s := New([]capture.Source{a}, logging.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		s.Run(ctx, func(chunk.Chunk) bool { return true }, nil)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
