// Package capture implements the per-rate PCM capture pipeline of spec
// §4.2: a dedicated capture thread reads interleaved frames (with an
// embedded command channel) from a sound-card device and enqueues Chunks
// into a ring buffer for the scheduler to drain.
package capture

import (
	"github.com/slimstreamer/slimstreamer/internal/chunk"
)

// Source is the "PCM capture source" interface spec §1 calls out as a thin
// collaborator: the concrete ALSA/portaudio binding lives behind it. The
// scheduler only ever calls ProduceChunk and SkipChunk.
type Source interface {
	// Start opens the device and spawns the dedicated capture thread.
	Start() error
	// Stop closes the device and stops the capture thread. Safe to call
	// more than once.
	Stop()
	// Running reports whether the capture thread is healthy and active.
	Running() bool
	// Rate is the device's configured sampling rate.
	Rate() uint
	// ProduceChunk offers the ring buffer's head chunk to consume. It
	// returns (accepted-defer-ms, ok): ok is false when the ring is empty
	// or the start threshold (spec §4.2) has not yet been crossed; when ok
	// is true, 0 means "consumed, poll again immediately" and n>0 means
	// "defer this pipeline for n milliseconds" (spec §4.3).
	ProduceChunk(consume func(chunk.Chunk) bool) (deferMs uint, ok bool)
	// SkipChunk discards the head chunk without a real consumer — used to
	// drain a non-selected pipeline's ring buffer (spec §9).
	SkipChunk()
}

// StartThreshold is the number of chunks a fresh capture must produce
// before ProduceChunk starts handing them to the consumer, absorbing
// first-chunk jitter (spec §4.2).
const StartThreshold = 5

// Marker byte values embedded in the discarded command channel of each
// captured frame (spec §4.2).
type StreamMarker byte

const (
	MarkerBeginningOfStream StreamMarker = 1
	MarkerEndOfStream       StreamMarker = 2
	MarkerData              StreamMarker = 3
)
