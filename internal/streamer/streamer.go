// Package streamer implements the Streamer coordinator of spec §4.8: the
// global playback state machine, per-rate chunk fan-out, playback-delay
// computation, and per-session cursor tracking. It is grounded directly
// on the original's slim::proto::Streamer, translated from a cooperative
// single-thread executor into a mutex-serialized Go coordinator (see
// DESIGN.md) — every session/state mutation takes the Streamer's lock,
// which is the idiomatic Go stand-in for "runs on the sole dispatch
// thread".
package streamer

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slimstreamer/slimstreamer/internal/chunk"
	"github.com/slimstreamer/slimstreamer/internal/encoder"
	"github.com/slimstreamer/slimstreamer/internal/fsm"
	"github.com/slimstreamer/slimstreamer/internal/httpstream"
	"github.com/slimstreamer/slimstreamer/internal/logging"
	"github.com/slimstreamer/slimstreamer/internal/session"
)

// Event drives the Streamer's state machine (spec §4.8).
type Event int

const (
	EventStart Event = iota
	EventPrepare
	EventBuffer
	EventPlay
	EventDrain
	EventFlushed
	EventStop
)

// State is one of the six Streamer states (spec §3/§4.8).
type State int

const (
	Stopped State = iota
	Started
	Preparing
	Buffering
	Playing
	Draining
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Started:
		return "Started"
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

// preparingTimeout is the forced-readiness deadline for isReadyToBuffer
// (spec §4.8: "2000 ms have elapsed since preparingStartedAt").
const preparingTimeout = 2000 * time.Millisecond

// minBufferingDuration is the minimum streaming duration isReadyToPlay
// requires before checking session readiness (spec §4.8).
const minBufferingDuration = 2000 * time.Millisecond

// PlaybackDelaySlack is the fixed serialization delay added to summed
// session latencies (spec §4.8/§9: "hardcoded", "whether it should scale
// with session count is unspecified" — Open Question resolved: kept fixed,
// not scaled, matching the original).
const PlaybackDelaySlack = 1000 * time.Microsecond

// Streamer is the global playback coordinator: one per process.
type Streamer struct {
	log            *logging.Logger
	encoderBuilder encoder.Builder
	gain           *uint16
	httpPort       uint16
	sessionTracer  *logging.SessionTracer

	mu sync.Mutex
	sm *fsm.Machine[Event, State]

	commandSessions   map[string]*session.Session
	streamingSessions map[string]*httpstream.Session
	cursor            map[string]uint64 // client ID -> next chunk index expected

	samplingRate uint

	preparingStartedAt time.Time
	bufferingStartedAt time.Time
	playbackStartedAt  time.Time

	streamedChunks uint64
	streamedFrames uint64
	bufferedFrames uint64 // dead state, spec §9 Open Question #1

	nextClientID atomic.Uint64
}

// New constructs a Streamer in the Stopped state.
func New(builder encoder.Builder, httpPort uint16, gain *uint16, log *logging.Logger) *Streamer {
	s := &Streamer{
		log:               log.With("component", "streamer"),
		encoderBuilder:    builder,
		gain:              gain,
		httpPort:          httpPort,
		commandSessions:   make(map[string]*session.Session),
		streamingSessions: make(map[string]*httpstream.Session),
		cursor:            make(map[string]uint64),
	}

	s.sm = fsm.New(Stopped, []fsm.Transition[Event, State]{
		{Event: EventStart, From: Started, To: Started},
		{Event: EventStart, From: Preparing, To: Preparing},
		{Event: EventStart, From: Buffering, To: Buffering},
		{Event: EventStart, From: Playing, To: Playing},
		{Event: EventStart, From: Draining, To: Draining},
		{Event: EventStart, From: Stopped, To: Started},

		{Event: EventPrepare, From: Started, To: Preparing, Action: s.stateChangeToPreparing},
		{Event: EventPrepare, From: Preparing, To: Preparing},

		{Event: EventBuffer, From: Preparing, To: Buffering, Guard: s.isReadyToBuffer, Action: s.stateChangeToBuffering},
		{Event: EventBuffer, From: Buffering, To: Buffering},
		{Event: EventBuffer, From: Playing, To: Playing},

		{Event: EventPlay, From: Buffering, To: Playing, Guard: s.isReadyToPlay, Action: s.stateChangeToPlaying},
		{Event: EventPlay, From: Playing, To: Playing},

		{Event: EventDrain, From: Preparing, To: Draining},
		{Event: EventDrain, From: Buffering, To: Draining},
		{Event: EventDrain, From: Playing, To: Draining},
		{Event: EventDrain, From: Draining, To: Draining},
		{Event: EventDrain, From: Started, To: Started},

		{Event: EventFlushed, From: Started, To: Started},
		{Event: EventFlushed, From: Playing, To: Playing},
		{Event: EventFlushed, From: Draining, To: Started, Guard: func() bool { return !s.anySessionDraining() }},

		{Event: EventStop, From: Stopped, To: Stopped},
		{Event: EventStop, From: Started, To: Stopped, Action: s.stateChangeToStopped},
		{Event: EventStop, From: Preparing, To: Stopped, Action: s.stateChangeToStopped},
		{Event: EventStop, From: Buffering, To: Stopped, Action: s.stateChangeToStopped},
		{Event: EventStop, From: Playing, To: Stopped, Action: s.stateChangeToStopped},
		{Event: EventStop, From: Draining, To: Stopped, Action: s.stateChangeToStopped},
	})

	return s
}

// SetSessionTracer attaches an optional per-client debug tracer (spec §9
// ambient diagnostics): every command session registered afterward via
// OnSlimProtoOpen has it attached. A nil tracer disables tracing.
func (s *Streamer) SetSessionTracer(tracer *logging.SessionTracer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessionTracer = tracer
}

func (s *Streamer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sm.State()
}

// Start fires the Start event, entering Started from Stopped.
func (s *Streamer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sm.ProcessEvent(EventStart, func(e Event, st State) {
		s.log.Error("invalid Streamer state while processing Start event", "state", st)
	})
}

// Stop fires the Stop event and invokes done once all session stops have
// been issued (spec §5: "the supplied callback is enqueued after all
// those per-session stop callbacks so it runs last"). Safe to call more
// than once; each call's done fires exactly once (spec §8 invariant 6).
func (s *Streamer) Stop(done func()) {
	s.mu.Lock()
	s.sm.ProcessEvent(EventStop, func(e Event, st State) {
		s.log.Error("invalid Streamer state while processing Stop event", "state", st)
	})
	s.mu.Unlock()

	if done != nil {
		done()
	}
}

// OnSlimProtoOpen registers a freshly accepted SlimProto connection and
// returns its Session.
func (s *Streamer) OnSlimProtoOpen(conn net.Conn) *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := fmt.Sprintf("%d", s.nextClientID.Add(1))
	sess := session.New(id, conn, s.log)
	sess.SetTracer(s.sessionTracer)

	s.commandSessions[id] = sess
	s.cursor[id] = s.streamedChunks

	s.log.Debug("SlimProto session opened", "client", id)

	return sess
}

func (s *Streamer) OnSlimProtoClose(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.commandSessions, clientID)
	delete(s.cursor, clientID)
}

// OnHTTPOpen pairs a new streaming session to its command session by
// client ID (spec §4.6/§9). It returns an error if no command session
// with that ID exists — the caller must close the connection.
func (s *Streamer) OnHTTPOpen(clientID string, conn net.Conn) (*httpstream.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmdSess, ok := s.commandSessions[clientID]
	if !ok {
		return nil, fmt.Errorf("streamer: no command session for client %q", clientID)
	}

	s.encoderBuilder.SetSamplingRate(s.samplingRate)

	enc, err := s.encoderBuilder.Build()
	if err != nil {
		return nil, fmt.Errorf("streamer: building encoder for client %q: %w", clientID, err)
	}

	streamSess := httpstream.New(clientID, conn, enc, s.log)
	s.streamingSessions[clientID] = streamSess
	cmdSess.SetPaired(true)

	return streamSess, nil
}

func (s *Streamer) OnHTTPClose(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.streamingSessions, clientID)

	if cmdSess, ok := s.commandSessions[clientID]; ok {
		cmdSess.SetPaired(false)
	}
}

// ConsumeChunk implements spec §4.8's algorithm, grounded directly on the
// original's Streamer::consumeChunk. A chunk that fires Prepare or Drain is
// returned unconsumed (false) so it is offered again on the next pass; the
// Preparing -> Buffering -> Playing steps are sequential, so a chunk that
// causes one of them is re-examined against the new state within the same
// call.
func (s *Streamer) ConsumeChunk(c chunk.Chunk) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := false
	rate := c.SamplingRate

	if s.sm.State() == Started {
		if rate != 0 {
			s.samplingRate = rate

			if s.sm.ProcessEvent(EventPrepare, func(e Event, st State) {
				s.log.Warn("invalid Streamer state while processing Prepare event, skipping chunk")
				result = true
			}) {
				return false
			}
		} else {
			s.log.Warn("chunk was skipped due to invalid sampling rate")
			result = true
		}
	}

	if s.sm.State() == Preparing {
		// spec §4.8 step 2: a failed Buffer guard skips this chunk outright
		// (not a retry of this exact chunk) — the guard is re-evaluated
		// against whichever chunk arrives next.
		if !s.sm.ProcessEvent(EventBuffer, func(e Event, st State) {
			s.log.Error("invalid Streamer state while processing Buffer event", "state", st)
		}) {
			result = true
		}
	}

	if s.sm.State() == Buffering || s.sm.State() == Playing {
		if s.sm.State() == Buffering {
			s.sm.ProcessEvent(EventPlay, func(e Event, st State) {
				s.log.Warn("invalid Streamer state while processing Play event, skipping chunk")
				result = true
			})
		}

		if s.samplingRate == rate {
			result = s.fanOut(c)
		}

		if s.samplingRate != rate || c.EndOfStream {
			s.sm.ProcessEvent(EventDrain, func(e Event, st State) {
				s.log.Warn("invalid Streamer state while processing Drain event, skipping chunk")
			})

			return false
		}
	}

	if s.sm.State() == Draining {
		result = s.sm.ProcessEvent(EventFlushed, func(e Event, st State) {
			s.log.Warn("invalid Streamer state while processing Flushed event, skipping chunk")
			result = true
		})

		if result {
			s.log.Debug("stopped streaming", "duration", s.streamingDurationLocked())
		}
	}

	return result
}

// fanOut offers the chunk to every paired streaming session whose cursor
// has not yet passed it, matching spec §3/§4.8's per-session cursor
// advancement rule.
func (s *Streamer) fanOut(c chunk.Chunk) bool {
	accepted := true

	for clientID, cur := range s.cursor {
		if cur > s.streamedChunks {
			continue
		}

		streamSess, paired := s.streamingSessions[clientID]
		if !paired {
			// no HTTP connection yet for this client: don't block fan-out
			s.cursor[clientID] = cur + 1

			continue
		}

		if streamSess.ConsumeChunk(c) {
			s.cursor[clientID] = cur + 1
		} else {
			accepted = false
		}
	}

	if accepted {
		s.streamedChunks++
		s.streamedFrames += uint64(c.Frames)
	}

	return accepted
}

func (s *Streamer) anySessionDraining() bool {
	for _, sess := range s.commandSessions {
		if sess.IsDraining() {
			return true
		}
	}

	return false
}

func (s *Streamer) isReadyToBuffer() bool {
	if time.Since(s.preparingStartedAt) > preparingTimeout {
		return true
	}

	for _, sess := range s.commandSessions {
		if !sess.IsReadyToBuffer() {
			return false
		}
	}

	return true
}

func (s *Streamer) isReadyToPlay() bool {
	if s.streamingDurationLocked() < minBufferingDuration {
		return false
	}

	for _, sess := range s.commandSessions {
		if !sess.IsReadyToPlay() {
			return false
		}
	}

	return true
}

func (s *Streamer) stateChangeToPreparing() {
	s.preparingStartedAt = time.Now()
	s.streamedFrames = 0
	s.bufferedFrames = 0
	s.streamedChunks = 0

	for id := range s.cursor {
		s.cursor[id] = 0
	}

	for id, sess := range s.commandSessions {
		if err := sess.Prepare(s.samplingRate, s.httpPort); err != nil {
			s.log.Warn("failed sending STRM:start", "client", id, "error", err)
		}
	}

	s.log.Debug("preparing to stream started")
}

func (s *Streamer) stateChangeToBuffering() {
	s.bufferingStartedAt = time.Now()

	for _, sess := range s.commandSessions {
		sess.Buffer()
	}

	s.log.Debug("stream buffering started")
}

func (s *Streamer) stateChangeToPlaying() {
	delay := s.calculatePlaybackDelayLocked()
	s.bufferedFrames = s.streamedFrames + s.durationToFramesLocked(delay)
	s.playbackStartedAt = s.calculatePlaybackStartTimeLocked()

	target := int32(s.playbackStartedAt.UnixMilli())

	for id, sess := range s.commandSessions {
		if err := sess.Play(target); err != nil {
			s.log.Warn("failed sending STRM:unpause", "client", id, "error", err)
		}
	}

	s.log.Debug("playback started", "delay", delay)
}

func (s *Streamer) stateChangeToStopped() {
	for _, sess := range s.commandSessions {
		sess.Drain()
	}

	for _, streamSess := range s.streamingSessions {
		_ = streamSess.Close()
	}
}

// calculatePlaybackDelayLocked sums every session's measured latency plus
// the fixed slack (spec §4.8).
func (s *Streamer) calculatePlaybackDelayLocked() time.Duration {
	delay := PlaybackDelaySlack

	for _, sess := range s.commandSessions {
		if latency, ok := sess.Latency(); ok {
			delay += latency
		}
	}

	return delay
}

func (s *Streamer) calculatePlaybackStartTimeLocked() time.Time {
	return s.bufferingStartedAt.Add(s.framesToDurationLocked(s.bufferedFrames))
}

func (s *Streamer) durationToFramesLocked(d time.Duration) uint64 {
	if s.samplingRate == 0 {
		return 0
	}

	return uint64(d.Seconds() * float64(s.samplingRate))
}

func (s *Streamer) framesToDurationLocked(frames uint64) time.Duration {
	if s.samplingRate == 0 {
		return 0
	}

	return time.Duration(float64(frames) / float64(s.samplingRate) * float64(time.Second))
}

func (s *Streamer) streamingDurationLocked() time.Duration {
	return s.framesToDurationLocked(s.streamedFrames)
}

// PreparingDuration, StreamingDuration and BufferingDuration are
// introspection accessors carried from the original's getPreparingDuration
// / getStreamingDuration / getBufferingDuration (spec §9 supplemented
// features).
func (s *Streamer) PreparingDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	until := time.Now()
	if s.preparingStartedAt.Before(s.bufferingStartedAt) {
		until = s.bufferingStartedAt
	}

	return until.Sub(s.preparingStartedAt)
}

func (s *Streamer) StreamingDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.streamingDurationLocked()
}

func (s *Streamer) BufferingDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.framesToDurationLocked(s.bufferedFrames)
}

// BufferedFrames exposes the dead state spec §9 Open Question #1 resolves
// to keep: computed at the Buffering->Playing transition but gating no
// further behaviour, reserved for a possible future
// stop-at-buffered-frames feature.
func (s *Streamer) BufferedFrames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.bufferedFrames
}

// PingSessions sends STRM:t to every command session whose ping interval
// has elapsed (spec §4.5: "every 5 seconds (configurable) the session
// emits STRM:t"). The caller is expected to invoke this on its own timer;
// Session.ShouldPing gates the actual 5-second cadence so calling this more
// often than that is harmless.
func (s *Streamer) PingSessions(now time.Time) {
	s.mu.Lock()
	sessions := make([]*session.Session, 0, len(s.commandSessions))
	for _, sess := range s.commandSessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		if !sess.ShouldPing(now) {
			continue
		}

		if err := sess.Ping(now); err != nil {
			s.log.Warn("failed sending STRM:t", "client", sess.ClientID, "error", err)
		}
	}
}

// CommandSessionCount reports how many SlimProto clients are currently
// registered, for introspection/metrics and testability.
func (s *Streamer) CommandSessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.commandSessions)
}

// ActiveRate reports the Streamer's current sampling rate and whether it is
// locked in (spec §5: "only one pipeline is active at a time (the currently
// selected sampling rate)"). It is unlocked in Stopped/Started, where no
// chunk has yet picked a rate and any pipeline may compete for it; it is
// locked in every other state, so the scheduler can steer chunks from
// other-rate pipelines away from ConsumeChunk via Source.SkipChunk instead
// of feeding them in and triggering a spurious rate-change drain.
func (s *Streamer) ActiveRate() (rate uint, locked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.sm.State()

	return s.samplingRate, st != Stopped && st != Started
}

func (s *Streamer) SamplingRate() uint {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.samplingRate
}

func (s *Streamer) StreamedChunks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.streamedChunks
}

func (s *Streamer) StreamedFrames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.streamedFrames
}
