// Package sched implements the scheduler of spec §4.3: a cooperative
// round-robin loop over every capture pipeline, each drained by handing
// its head chunk to the Streamer's consumeChunk. Grounded on the
// teacher's poll_timing_test loop (appserver.go) — a single goroutine that
// sleeps and polls rather than blocking on each pipeline individually, so
// no one pipeline can starve the others.
package sched

import (
	"context"
	"time"

	"github.com/slimstreamer/slimstreamer/internal/capture"
	"github.com/slimstreamer/slimstreamer/internal/chunk"
	"github.com/slimstreamer/slimstreamer/internal/logging"
)

// tickInterval is the pause between passes once every pipeline has
// reported nothing to do; it still yields the OS thread between passes
// rather than busy-spinning.
const tickInterval = time.Millisecond

// Scheduler owns the round-robin poll over a fixed set of capture
// pipelines. It carries no state machine of its own (spec §9: "the rest
// of the system lives on a single cooperative executor") — it only
// sequences calls into the Streamer's consumeChunk.
type Scheduler struct {
	pipelines  []capture.Source
	log        *logging.Logger
	deferUntil []time.Time
}

// New constructs a Scheduler over the given pipelines, one per configured
// sampling rate (spec §6 capture device table).
func New(pipelines []capture.Source, log *logging.Logger) *Scheduler {
	return &Scheduler{
		pipelines:  pipelines,
		log:        log.With("component", "scheduler"),
		deferUntil: make([]time.Time, len(pipelines)),
	}
}

// Run drives the round-robin loop until ctx is cancelled. consume is
// normally the Streamer's ConsumeChunk method; activeRate is normally the
// Streamer's ActiveRate method (spec §5/§9: lets the scheduler steer chunks
// from non-selected pipelines to Source.SkipChunk instead of ConsumeChunk
// once a rate is locked in).
func (s *Scheduler) Run(ctx context.Context, consume func(chunk.Chunk) bool, activeRate func() (uint, bool)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.pass(consume, activeRate)

		select {
		case <-ctx.Done():
			return
		case <-time.After(tickInterval):
		}
	}
}

// pass visits every pipeline at most once, matching spec §4.3's
// no-starvation guarantee: `None -> skip`, `Some(0) -> consumed`,
// `Some(n>0) -> defer this pipeline for n ms`. A pipeline whose rate
// doesn't match a locked-in active rate gets SkipChunk instead of
// ProduceChunk, draining it without offering its chunk to consume at all
// (spec §9 "skipChunk()"; spec §5 "other pipelines ... drop chunks").
func (s *Scheduler) pass(consume func(chunk.Chunk) bool, activeRate func() (uint, bool)) {
	now := time.Now()

	rate, locked := uint(0), false
	if activeRate != nil {
		rate, locked = activeRate()
	}

	for i, p := range s.pipelines {
		if now.Before(s.deferUntil[i]) {
			continue
		}

		if !p.Running() {
			continue
		}

		if locked && p.Rate() != rate {
			p.SkipChunk()

			continue
		}

		deferMs, ok := p.ProduceChunk(consume)
		if !ok {
			continue
		}

		if deferMs > 0 {
			s.deferUntil[i] = now.Add(time.Duration(deferMs) * time.Millisecond)
		}
	}
}
