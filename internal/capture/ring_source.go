package capture

import (
	"sync/atomic"

	"github.com/slimstreamer/slimstreamer/internal/chunk"
	"github.com/slimstreamer/slimstreamer/internal/logging"
	"github.com/slimstreamer/slimstreamer/internal/ringbuffer"
)

// ringSource is the shared producer-side bookkeeping every concrete Source
// backend embeds: the ring buffer, the start-threshold chunk counter, and
// the peek-or-pop producer loop. Modeled directly on the original
// alsa::Source's queuePtr/chunkCounter/producer() trio.
type ringSource struct {
	rate         uint
	ring         *ringbuffer.Ring
	chunkCounter atomic.Uint64
	running      atomic.Bool
	log          *logging.Logger
}

func newRingSource(rate uint, queueSize int, log *logging.Logger) *ringSource {
	return &ringSource{
		rate: rate,
		ring: ringbuffer.New(queueSize),
		log:  log,
	}
}

func (s *ringSource) Rate() uint {
	return s.rate
}

func (s *ringSource) Running() bool {
	return s.running.Load()
}

// publish enqueues a freshly captured chunk, resetting the chunk counter on
// end-of-stream markers (spec §4.2 step 1) and incrementing it otherwise.
func (s *ringSource) publish(c chunk.Chunk) {
	s.ring.Enqueue(func() chunk.Chunk { return c }, func() {
		s.log.Warn("capture ring overflow, dropping chunk", "rate", s.rate)
	})

	if c.EndOfStream {
		s.chunkCounter.Store(0)
	} else {
		s.chunkCounter.Add(1)
	}
}

// ProduceChunk implements the Source method shared by every backend.
func (s *ringSource) ProduceChunk(consume func(chunk.Chunk) bool) (uint, bool) {
	if s.chunkCounter.Load() <= StartThreshold {
		return 0, false
	}

	return s.produce(consume)
}

// SkipChunk implements the Source method shared by every backend.
func (s *ringSource) SkipChunk() {
	s.produce(func(chunk.Chunk) bool { return true })
}

// rejectDeferMs is how long the scheduler defers a pipeline whose chunk
// was rejected by the consumer (spec §4.2/§4.3).
const rejectDeferMs = 10

// produce implements the peek-or-pop contract against the ring buffer:
// ok=false means "nothing to do" (ring empty); ok=true with deferMs=0
// means the chunk was consumed; ok=true with deferMs>0 means the consumer
// rejected the chunk and this pipeline should be retried after deferMs.
func (s *ringSource) produce(consume func(chunk.Chunk) bool) (deferMs uint, ok bool) {
	s.ring.Dequeue(func(c *chunk.Chunk) bool {
		accepted := consume(*c)
		if accepted {
			ok = true
			deferMs = 0
		} else {
			ok = true
			deferMs = rejectDeferMs
		}

		return accepted
	}, func() {
		ok = false
	})

	return deferMs, ok
}
