// Package encoder transforms a captured Chunk into wire bytes for one
// streaming session (spec §4.7). The built-in encoder is PCM pass-through;
// additional encoders may be registered through a Builder.
package encoder

import (
	"encoding/binary"
	"fmt"

	"github.com/slimstreamer/slimstreamer/internal/chunk"
)

// Format names the wire encoding an Encoder produces, matching the STRM
// Format selector in internal/slimproto.
type Format string

const (
	FormatPCM Format = "pcm"
)

// Endianness selects how PCM samples are packed on the wire.
type Endianness int

const (
	LittleEndian Endianness = iota
	BigEndian
)

// Encoder converts chunks into the bytes a streaming session writes to its
// client. A single Encoder instance is owned by exactly one streaming
// session (spec §4.6); encoders are not shared across sessions.
type Encoder interface {
	Encode(c chunk.Chunk) ([]byte, error)
	Flush() []byte
	Format() Format
	SamplingRate() uint
	SetSamplingRate(rate uint)
}

// Builder configures an Encoder before a streaming session constructs one.
// Additional wire formats (e.g. FLAC) register a constructor with
// Register; the spec requires only PCM pass-through be built in.
type Builder struct {
	format       Format
	rate         uint
	channels     int
	bitDepth     int
	endianness   Endianness
	constructors map[Format]func(Builder) (Encoder, error)
}

// NewBuilder returns a Builder configured for PCM pass-through at the
// given bit depth and endianness, with a registry that Register can extend.
func NewBuilder(bitDepth int, endianness Endianness) Builder {
	b := Builder{
		format:       FormatPCM,
		channels:     chunk.Channels,
		bitDepth:     bitDepth,
		endianness:   endianness,
		constructors: map[Format]func(Builder) (Encoder, error){},
	}
	b.constructors[FormatPCM] = func(cfg Builder) (Encoder, error) {
		return &pcmEncoder{
			rate:       cfg.rate,
			bitDepth:   cfg.bitDepth,
			endianness: cfg.endianness,
		}, nil
	}

	return b
}

// Register adds (or replaces) the constructor used for a given format.
func (b *Builder) Register(format Format, construct func(Builder) (Encoder, error)) {
	b.constructors[format] = construct
}

// SetFormat selects which registered encoder Build will construct.
func (b *Builder) SetFormat(f Format) {
	b.format = f
}

// SetSamplingRate updates the rate new encoders will be built with. Per
// spec §9 ("Encoder builder reconfiguration per new rate"), the Streamer
// calls this immediately before constructing each new streaming session so
// that session's encoder always starts at the Streamer's current rate.
func (b *Builder) SetSamplingRate(rate uint) {
	b.rate = rate
}

// Format returns the format new encoders will be built with.
func (b Builder) Format() Format {
	return b.format
}

// Build constructs a fresh Encoder per the builder's current configuration.
func (b Builder) Build() (Encoder, error) {
	construct, ok := b.constructors[b.format]
	if !ok {
		return nil, fmt.Errorf("encoder: no constructor registered for format %q", b.format)
	}

	return construct(b)
}

// pcmEncoder is the required built-in: interleaved PCM pass-through,
// repacking the 32-bit signed capture format down to the requested wire
// bit depth by arithmetic right shift (truncation, no dither), per spec §4.7.
type pcmEncoder struct {
	rate       uint
	bitDepth   int
	endianness Endianness
}

func (e *pcmEncoder) Format() Format {
	return FormatPCM
}

func (e *pcmEncoder) SamplingRate() uint {
	return e.rate
}

func (e *pcmEncoder) SetSamplingRate(rate uint) {
	e.rate = rate
}

func (e *pcmEncoder) Flush() []byte {
	return nil
}

func (e *pcmEncoder) Encode(c chunk.Chunk) ([]byte, error) {
	if c.IsMarker() {
		return nil, nil
	}

	shift := uint(32 - e.bitDepth)
	bytesPerSample := e.bitDepth / 8
	samples := len(c.Payload) / chunk.BytesPerSample

	out := make([]byte, samples*bytesPerSample)

	order := binary.ByteOrder(binary.LittleEndian)
	if e.endianness == BigEndian {
		order = binary.BigEndian
	}

	for i := 0; i < samples; i++ {
		raw := int32(binary.LittleEndian.Uint32(c.Payload[i*chunk.BytesPerSample:]))
		truncated := raw >> shift

		dst := out[i*bytesPerSample : (i+1)*bytesPerSample]

		switch e.bitDepth {
		case 16:
			order.PutUint16(dst, uint16(truncated))
		case 24:
			put24(dst, order, truncated)
		case 32:
			order.PutUint32(dst, uint32(truncated))
		default:
			return nil, fmt.Errorf("encoder: unsupported PCM bit depth %d", e.bitDepth)
		}
	}

	return out, nil
}

// put24 writes the low 24 bits of v into dst (3 bytes) honoring order.
func put24(dst []byte, order binary.ByteOrder, v int32) {
	var buf [4]byte
	order.PutUint32(buf[:], uint32(v))

	if order == binary.ByteOrder(binary.BigEndian) {
		copy(dst, buf[1:4])
	} else {
		copy(dst, buf[0:3])
	}
}
