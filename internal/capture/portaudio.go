package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/slimstreamer/slimstreamer/internal/chunk"
	"github.com/slimstreamer/slimstreamer/internal/logging"
)

// Device describes one entry of the fixed rate-to-hardware-device table
// (spec §6).
type Device struct {
	Rate           uint   `yaml:"rate"`
	Name           string `yaml:"name"` // e.g. "hw:1,1,1"; matched against portaudio device names
	FramesPerChunk int    `yaml:"frames_per_chunk"`
	QueueSize      int    `yaml:"queue_size"`
	Periods        int    `yaml:"periods"`
}

// PortAudioSource is the concrete PCM capture source behind the Source
// interface, using github.com/gordonklaus/portaudio as the cross-platform
// analogue of the ALSA binding spec §1 treats as a thin collaborator.
//
// It opens with Channels+1 logical channels: the extra channel carries the
// per-frame command byte (begin/data/end of stream) that the capture
// thread strips before building each Chunk, exactly as spec §4.2
// describes.
type PortAudioSource struct {
	*ringSource
	device Device
	stream *portaudio.Stream
	stopCh chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewPortAudioSource constructs a capture source for one entry of the
// device table. It does not open the device; call Start for that.
func NewPortAudioSource(device Device, log *logging.Logger) *PortAudioSource {
	return &PortAudioSource{
		ringSource: newRingSource(device.Rate, device.QueueSize, log.With("rate", device.Rate, "device", device.Name)),
		device:     device,
	}
}

// totalChannels is the physical channel count opened on the device: audio
// channels plus one command channel (spec §4.2).
func (s *PortAudioSource) totalChannels() int {
	return chunk.Channels + 1
}

func (s *PortAudioSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return nil
	}

	dev, err := findDevice(s.device.Name)
	if err != nil {
		return fmt.Errorf("capture: opening %q: %w", s.device.Name, err)
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: s.totalChannels(),
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(s.device.Rate),
		FramesPerBuffer: s.device.FramesPerChunk,
	}

	buf := make([]int32, s.device.FramesPerChunk*s.totalChannels())

	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return fmt.Errorf("capture: opening stream for %q: %w", s.device.Name, err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("capture: starting stream for %q: %w", s.device.Name, err)
	}

	s.stream = stream
	s.stopCh = make(chan struct{})
	s.running.Store(true)

	s.wg.Add(1)
	go s.captureLoop(buf)

	return nil
}

func (s *PortAudioSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return
	}

	s.running.Store(false)
	close(s.stopCh)
	s.wg.Wait()

	if s.stream != nil {
		s.stream.Stop()
		s.stream.Close()
		s.stream = nil
	}
}

// captureLoop is the dedicated capture thread of spec §4.2: it repeatedly
// reads one chunk-worth of frames and either emits an end-of-stream marker
// or repacks the audio channels into a Chunk, with ALSA-style xrun/suspend
// recovery (spec §4.2/§7).
func (s *PortAudioSource) captureLoop(buf []int32) {
	defer s.wg.Done()

	consecutiveErrors := 0

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if err := s.stream.Read(); err != nil {
			if isTransientCaptureError(err) {
				consecutiveErrors++

				if consecutiveErrors > maxConsecutiveRecoveries {
					s.log.Error("capture device unhealthy after repeated xrun/suspend, stopping pipeline", "error", err)
					s.running.Store(false)

					return
				}

				s.log.Warn("recovering from transient capture error", "error", err)

				continue
			}

			s.log.Error("permanent capture error, stopping pipeline", "error", err)
			s.running.Store(false)

			return
		}

		consecutiveErrors = 0

		s.publish(s.frameToChunk(buf))
	}
}

// frameToChunk implements spec §4.2 steps 1-2: examine the command byte of
// the first frame, and either emit a marker or repack the audio channels
// (discarding the command channel) with a capture timestamp attached.
func (s *PortAudioSource) frameToChunk(buf []int32) chunk.Chunk {
	total := s.totalChannels()
	frames := len(buf) / total

	if frames == 0 {
		return chunk.Marker()
	}

	commandByte := StreamMarker(buf[chunk.Channels] & 0xff)
	if commandByte == MarkerEndOfStream {
		return chunk.Marker()
	}

	payload := make([]byte, frames*chunk.Channels*chunk.BytesPerSample)

	for f := 0; f < frames; f++ {
		for ch := 0; ch < chunk.Channels; ch++ {
			src := buf[f*total+ch]
			dstOff := (f*chunk.Channels + ch) * chunk.BytesPerSample
			binary.LittleEndian.PutUint32(payload[dstOff:], uint32(src))
		}
	}

	return chunk.Chunk{
		SamplingRate: s.device.Rate,
		Frames:       uint(frames),
		Payload:      payload,
		CapturedAt:   time.Now(),
	}
}

const maxConsecutiveRecoveries = 10

// isTransientCaptureError classifies xrun/suspend style errors (recoverable
// via a reset-and-retry, per spec §4.2/§7) from permanent device failures.
func isTransientCaptureError(err error) bool {
	return errors.Is(err, portaudio.InputOverflowed) || errors.Is(err, portaudio.OutputUnderflowed)
}

func findDevice(name string) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}

	for _, d := range devices {
		if d.Name == name {
			return d, nil
		}
	}

	def, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("device %q not found and no default input device: %w", name, err)
	}

	return def, nil
}
