// Package session implements the per-client SlimProto command session
// state machine (spec §4.5): HELO/STAT handling, readiness-flag derivation,
// and STRM:t/STAT latency measurement.
package session

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slimstreamer/slimstreamer/internal/logging"
	"github.com/slimstreamer/slimstreamer/internal/slimproto"
)

// State is one of the six command-session states of spec §4.5.
type State int

const (
	Connected State = iota
	Identified
	Preparing
	Buffering
	Playing
	Draining
)

func (s State) String() string {
	switch s {
	case Connected:
		return "Connected"
	case Identified:
		return "Identified"
	case Preparing:
		return "Preparing"
	case Buffering:
		return "Buffering"
	case Playing:
		return "Playing"
	case Draining:
		return "Draining"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Event drives the command-session state machine. HELO/STAT inbound
// frames and Streamer-originated lifecycle calls both feed events in.
type Event int

const (
	EventHELO Event = iota
	EventPrepare
	EventBuffer
	EventPlay
	EventDrain
	EventDrained
)

// latencyWindowSize is the rolling-window sample count spec §9 calls out:
// "the source's rolling window for STRM:t samples should discard the
// oldest on overflow"; §4.5 requires "a small rolling window (≥5 samples)".
const latencyWindowSize = 5

// pingInterval is how often the session emits STRM:t for latency
// measurement (spec §4.5, "every 5 seconds (configurable)").
const pingInterval = 5 * time.Second

// preBufferReadyBytes is the output-buffer-fullness threshold at which a
// client's STAT report satisfies isReadyToBuffer (spec §4.5).
const preBufferReadyBytes = 1

// readyToPlayBytes is the output-buffer-fullness threshold STMl must also
// clear for isReadyToPlay (spec §4.5).
const readyToPlayBytes = 1

// Session is one connected SlimProto client: its state machine, readiness
// flags, and latency estimate. mu guards the state and the HELO record;
// latMu guards the latency ring and ping bookkeeping, which a ping sent by
// the ping loop can race with an inbound STAT on the connection's read
// goroutine. Writes to conn are not serialized by Session itself.
type Session struct {
	ClientID string

	conn   io.Writer
	log    *logging.Logger
	tracer *logging.SessionTracer

	mu     sync.Mutex
	state  State
	helo   *slimproto.HELO
	paired atomic.Bool

	readyToBuffer atomic.Bool
	readyToPlay   atomic.Bool
	draining      atomic.Bool

	latMu       sync.Mutex
	latSamples  []time.Duration
	lastPingAt  time.Time
	lastPingSeq int32
	pingSeq     int32
}

// New constructs a session in the Connected state for a freshly accepted
// TCP connection.
func New(clientID string, conn io.Writer, log *logging.Logger) *Session {
	return &Session{
		ClientID: clientID,
		conn:     conn,
		state:    Connected,
		log:      log.With("client", clientID),
	}
}

// SetTracer attaches an optional per-client debug tracer (spec §9 ambient
// diagnostics). A nil tracer disables tracing; this is the default.
func (s *Session) SetTracer(tracer *logging.SessionTracer) {
	s.tracer = tracer
}

// trace is a no-op when no tracer is attached, so call sites don't need to
// guard against nil themselves.
func (s *Session) trace(line string) {
	if s.tracer != nil {
		s.tracer.Trace(s.ClientID, line)
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *Session) HELO() (slimproto.HELO, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.helo == nil {
		return slimproto.HELO{}, false
	}

	return *s.helo, true
}

// wireCommand is satisfied by every outbound SlimProto command struct
// (STRM, AUDE, AUDG, SETD): each knows how to serialize itself into an
// io.Writer.
type wireCommand interface {
	Write(io.Writer) error
}

// sendCommand serializes cmd to its wire bytes, then sends it to the
// client, retrying the unwritten remainder of a short write until the
// whole command is sent or the connection reports an error (spec §9:
// "CommandSession.ping() send-remainder loop", grounded on the original's
// CommandSession::ping() — io.Writer does not guarantee a single Write
// call accepts the entire buffer). Every outbound command goes through
// this one send path.
func (s *Session) sendCommand(cmd wireCommand) error {
	buf := &bytes.Buffer{}
	if err := cmd.Write(buf); err != nil {
		return fmt.Errorf("session %s: encoding command: %w", s.ClientID, err)
	}

	data := buf.Bytes()
	for len(data) > 0 {
		n, err := s.conn.Write(data)
		if err != nil {
			return fmt.Errorf("session %s: sending command: %w", s.ClientID, err)
		}

		if n == 0 {
			return fmt.Errorf("session %s: sendCommand made no progress", s.ClientID)
		}

		data = data[n:]
	}

	return nil
}

// OnHELO handles the client's device announcement: it is the only
// transition out of Connected, and its entry action is the fixed sequence
// of commands spec §4.5/§8 S1 describes (STRM:stop, SETD x2, AUDE, AUDG).
func (s *Session) OnHELO(h slimproto.HELO, gain *uint16) error {
	s.mu.Lock()
	if s.state != Connected {
		s.mu.Unlock()
		return fmt.Errorf("session %s: HELO received outside Connected state (state=%s)", s.ClientID, s.state)
	}

	s.helo = &h
	s.state = Identified
	s.mu.Unlock()

	s.log.Info("HELO received, session identified")
	s.trace("HELO received")

	if err := s.sendCommand(slimproto.STRM{Selection: slimproto.StrmStop}); err != nil {
		return err
	}

	if err := s.sendCommand(slimproto.SETD{ID: slimproto.DeviceRequestName}); err != nil {
		return err
	}

	if err := s.sendCommand(slimproto.SETD{ID: slimproto.DeviceSqueezebox3}); err != nil {
		return err
	}

	if err := s.sendCommand(slimproto.AUDE{EnableSPDIF: true, EnableDAC: true}); err != nil {
		return err
	}

	audg := slimproto.DefaultAUDG()
	if gain != nil {
		audg.GainLeft = uint32(*gain) << 16
		audg.GainRight = uint32(*gain) << 16
	}

	return s.sendCommand(audg)
}

// Prepare transitions Identified -> Preparing and sends STRM:start for the
// new sampling rate (spec §4.5/§4.8 "each command session -> Preparing,
// send STRM:start with new rate").
func (s *Session) Prepare(rate uint, httpPort uint16) error {
	s.mu.Lock()
	if s.state != Identified && s.state != Draining {
		s.mu.Unlock()
		return fmt.Errorf("session %s: Prepare fired outside Identified/Draining (state=%s)", s.ClientID, s.state)
	}

	s.state = Preparing
	s.readyToBuffer.Store(false)
	s.readyToPlay.Store(false)
	s.mu.Unlock()

	rateByte := pcmSampleRateByte(rate)

	cmd := slimproto.STRM{
		Selection:       slimproto.StrmStart,
		AutoStart:       '1',
		Format:          slimproto.FormatPCM,
		PCMSampleSize:   1, // 16-bit, matches the built-in PCM encoder's default wire depth
		PCMSampleRate:   rateByte,
		PCMChannels:     2,
		PCMEndianness:   0, // little-endian
		OutputThreshold: 10,
		URL:             fmt.Sprintf("/stream?player=%s", s.ClientID),
		ServerPort:      httpPort,
	}

	s.log.Debug("sending STRM:start", "rate", rate)
	s.trace(fmt.Sprintf("STRM:start rate=%d", rate))

	return s.sendCommand(cmd)
}

// Buffer transitions Preparing -> Buffering (spec §4.8; guarded by the
// Streamer's isReadyToBuffer, not here).
func (s *Session) Buffer() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Preparing {
		s.state = Buffering
	}
}

// Play transitions Buffering -> Playing and sends STRM:unpause targeted at
// the computed playback start time (spec §4.5/§4.8).
func (s *Session) Play(targetTimestamp int32) error {
	s.mu.Lock()
	if s.state != Buffering {
		s.mu.Unlock()
		return fmt.Errorf("session %s: Play fired outside Buffering (state=%s)", s.ClientID, s.state)
	}

	s.state = Playing
	s.mu.Unlock()

	cmd := slimproto.STRM{Selection: slimproto.StrmUnpause, ServerTimestamp: targetTimestamp}

	s.trace(fmt.Sprintf("STRM:unpause target=%d", targetTimestamp))

	return s.sendCommand(cmd)
}

// Drain transitions {Preparing, Buffering, Playing} -> Draining.
func (s *Session) Drain() {
	s.mu.Lock()
	if s.state == Preparing || s.state == Buffering || s.state == Playing {
		s.state = Draining
		s.draining.Store(true)
		s.trace("draining")
	}
	s.mu.Unlock()
}

// Drained handles the client's STMd report: Draining -> Identified, ready
// for the next Prepare (spec §4.5 "STRM:flush once client drains").
func (s *Session) Drained() error {
	s.mu.Lock()
	if s.state != Draining {
		s.mu.Unlock()
		return nil
	}

	s.state = Identified
	s.draining.Store(false)
	s.mu.Unlock()

	s.trace("STRM:flush, drained")

	return s.sendCommand(slimproto.STRM{Selection: slimproto.StrmFlush})
}

// OnSTAT updates readiness flags and, when the event carries a latency
// echo, records a new latency sample (spec §4.5).
func (s *Session) OnSTAT(stat slimproto.STAT) {
	s.trace(fmt.Sprintf("STAT event=%s fullness=%d", stat.Event(), stat.OutputBufferFullness))

	if stat.OutputBufferFullness >= preBufferReadyBytes {
		s.readyToBuffer.Store(true)
	}

	if stat.Event() == slimproto.StatEventSTMl && stat.OutputBufferFullness >= readyToPlayBytes {
		s.readyToPlay.Store(true)
	}

	if stat.Event() == slimproto.StatEventSTMd {
		s.readyToPlay.Store(false)
		_ = s.Drained()
	}

	s.recordLatencySample(stat.ServerTimestamp)
}

func (s *Session) IsReadyToBuffer() bool { return s.readyToBuffer.Load() }
func (s *Session) IsReadyToPlay() bool   { return s.readyToPlay.Load() }
func (s *Session) IsDraining() bool      { return s.draining.Load() }

// SetPaired records whether a streaming session currently references this
// command session's client ID (spec §9: client-ID indirection, not a
// stored strong handle — Session only tracks the boolean, the Streamer
// does the lookup).
func (s *Session) SetPaired(paired bool) { s.paired.Store(paired) }
func (s *Session) Paired() bool          { return s.paired.Load() }

// ShouldPing reports whether pingInterval has elapsed since the last
// STRM:t was sent.
func (s *Session) ShouldPing(now time.Time) bool {
	s.latMu.Lock()
	defer s.latMu.Unlock()

	return now.Sub(s.lastPingAt) >= pingInterval
}

// Ping sends STRM:t via sendCommand, which retries a partial write until
// fully sent (spec §9 "CommandSession.ping() send-remainder loop",
// grounded on the original's CommandSession::ping()). The outgoing 32-bit
// timestamp is a monotonic sequence number, echoed back verbatim inside
// the next STAT.
func (s *Session) Ping(now time.Time) error {
	s.latMu.Lock()
	s.pingSeq++
	seq := s.pingSeq
	s.lastPingAt = now
	s.latMu.Unlock()

	cmd := slimproto.STRM{Selection: slimproto.StrmTime, ServerTimestamp: seq}

	s.trace(fmt.Sprintf("STRM:t seq=%d", seq))

	if err := s.sendCommand(cmd); err != nil {
		s.latMu.Lock()
		s.lastPingAt = time.Time{}
		s.latMu.Unlock()

		return err
	}

	return nil
}

// recordLatencySample treats a STAT's echoed timestamp as matching the
// outstanding ping sequence and records (now-sent)/2 as one-way latency,
// discarding the oldest sample past latencyWindowSize (spec §4.5/§9).
func (s *Session) recordLatencySample(echoed int32) {
	s.latMu.Lock()
	defer s.latMu.Unlock()

	if echoed == 0 || echoed != s.pingSeq || s.lastPingAt.IsZero() {
		return
	}

	rtt := time.Since(s.lastPingAt)
	oneWay := rtt / 2

	s.latSamples = append(s.latSamples, oneWay)
	if len(s.latSamples) > latencyWindowSize {
		s.latSamples = s.latSamples[1:]
	}

	s.lastPingAt = time.Time{}
}

// Latency returns the rolling-window average one-way latency. ok is false
// when no valid sample has ever been recorded (spec §4.5: "If no valid
// sample exists, latency is absent").
func (s *Session) Latency() (latency time.Duration, ok bool) {
	s.latMu.Lock()
	defer s.latMu.Unlock()

	if len(s.latSamples) == 0 {
		return 0, false
	}

	var sum time.Duration
	for _, d := range s.latSamples {
		sum += d
	}

	return sum / time.Duration(len(s.latSamples)), true
}

// pcmSampleRateByte maps a raw Hz value to SlimProto's encoded rate
// selector byte (spec §4.4's PCMSampleRate field is "encoded rate
// selector, not raw Hz").
func pcmSampleRateByte(rate uint) byte {
	switch rate {
	case 8000:
		return 5
	case 11025:
		return 0
	case 12000:
		return 6
	case 16000:
		return 7
	case 22050:
		return 1
	case 24000:
		return 8
	case 32000:
		return 2
	case 44100:
		return 3
	case 48000:
		return 4
	default:
		return 3
	}
}
