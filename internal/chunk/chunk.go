// Package chunk defines the unit of audio handed from a capture source to
// the scheduler and on into the Streamer's fan-out.
package chunk

import (
	"fmt"
	"time"
)

// Channels is the fixed channel count for audio payloads. The capture
// device itself opens with Channels+1 channels; the extra channel carries
// a per-frame command byte that is stripped before a Chunk is built.
const Channels = 2

// BytesPerSample is the capture-side sample width: 32-bit signed PCM.
// Encoders repack down to the wire bit depth a client requested.
const BytesPerSample = 4

// Chunk is immutable once published. A SamplingRate of 0 marks a
// beginning/end-of-stream marker: Frames may be 0 and Payload empty.
type Chunk struct {
	SamplingRate uint
	Frames       uint
	Payload      []byte
	EndOfStream  bool
	CapturedAt   time.Time
}

// Validate checks the invariant from spec §3: a non-marker chunk must have
// Frames > 0 and a Payload sized exactly Frames*Channels*BytesPerSample.
func (c Chunk) Validate() error {
	if c.SamplingRate == 0 {
		return nil
	}

	if c.Frames == 0 {
		return fmt.Errorf("chunk: rate=%d but frames=0", c.SamplingRate)
	}

	want := int(c.Frames) * Channels * BytesPerSample
	if len(c.Payload) != want {
		return fmt.Errorf("chunk: payload length %d, want %d (frames=%d)", len(c.Payload), want, c.Frames)
	}

	return nil
}

// Marker builds an end-of-stream marker chunk (rate=0).
func Marker() Chunk {
	return Chunk{EndOfStream: true, CapturedAt: time.Now()}
}

// IsMarker reports whether this chunk carries no sampling rate, i.e. it is
// a marker rather than audio data.
func (c Chunk) IsMarker() bool {
	return c.SamplingRate == 0
}
