// Package parser turns raw bytes drained from the ring into typed, aligned
// event batches and pushes them onto a channel for the analyzer.
package parser

import (
	"errors"
	"log/slog"
	"time"

	"github.com/aod-project/aod/internal/ringbuf"
)

// batchRecordThreshold and batchTimeWindow implement the consumer-side
// batching discipline: accumulate events until at least this many records
// are available or this much time has elapsed since the previous emission,
// whichever comes first.
const (
	batchRecordThreshold = 10
	batchTimeWindow      = 3 * time.Second
	coScheduledYield     = 5 * time.Millisecond
	pollInterval         = 5 * time.Millisecond
)

// EventSink receives notification of ring-level faults the parser cannot
// recover from on its own: a dropped, discarded drain region. It is
// satisfied by the supervisor's diagnostics counters and syslog adapter
// together; a nil sink is replaced with a no-op.
type EventSink interface {
	IncRingDrops()
	Warning(msg string, args ...any)
}

type noopEventSink struct{}

func (noopEventSink) IncRingDrops()          {}
func (noopEventSink) Warning(string, ...any) {}

// Parser drains a Ring on a fixed schedule and emits decoded Batches.
type Parser struct {
	ring   *ringbuf.Ring
	logger *slog.Logger
	sink   EventSink
}

// New builds a Parser over ring. sink may be nil, in which case ring drops
// are only logged locally via logger.
func New(ring *ringbuf.Ring, logger *slog.Logger, sink EventSink) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = noopEventSink{}
	}
	return &Parser{ring: ring, logger: logger, sink: sink}
}

// Run drains the ring and pushes decoded batches onto events until stop is
// closed, then closes events itself, signaling the analyzer to finish
// draining and exit in turn.
//
// Each iteration polls the ring's occupancy; once at least
// batchRecordThreshold records are available, or batchTimeWindow has
// elapsed since the previous emission, it yields briefly for a
// co-scheduled producer to catch up, then drains and parses. A drained
// batch of zero records is never published. Trailing partial-record bytes
// are rewound so the next drain picks them back up whole.
func (p *Parser) Run(events chan<- ringbuf.Batch, stop <-chan struct{}) {
	defer close(events)

	lastEmission := time.Now()

	for {
		select {
		case <-stop:
			p.drainRemaining(events)
			return
		default:
		}

		occupancy, err := p.ring.Occupancy()
		if err != nil {
			p.handleCorruption(err)
			time.Sleep(pollInterval)
			continue
		}

		recordsAvailable := int(occupancy / ringbuf.RecordSize)
		elapsed := time.Since(lastEmission)

		if recordsAvailable < batchRecordThreshold && elapsed < batchTimeWindow {
			p.sleepOrStop(pollInterval, stop)
			continue
		}

		time.Sleep(coScheduledYield)

		p.drainOnce(events)
		lastEmission = time.Now()
	}
}

// drainOnce drains and parses whatever is currently available, publishing a
// non-empty batch. It returns whether a batch was published.
func (p *Parser) drainOnce(events chan<- ringbuf.Batch) bool {
	raw, err := p.ring.Drain(maxDrainBytes)
	if err != nil {
		p.handleCorruption(err)
		return false
	}
	if len(raw) == 0 {
		return false
	}

	batch, leftover, err := ringbuf.Parse(raw)
	if err != nil {
		p.logger.Error("parser: malformed record stream; dropping batch", slog.Any("err", err))
		return false
	}
	if leftover > 0 {
		p.ring.Rewind(leftover)
	}
	if batch.Empty() {
		return false
	}

	events <- batch
	return true
}

// drainRemaining performs one final drain after stop is observed, so events
// already sitting in the ring are not lost on shutdown.
func (p *Parser) drainRemaining(events chan<- ringbuf.Batch) {
	p.drainOnce(events)
}

func (p *Parser) sleepOrStop(d time.Duration, stop <-chan struct{}) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-stop:
	}
}

// handleCorruption discards whatever region was in flight (tail is never
// advanced before this point, so it is effectively restored), increments
// the ring-drop counter, and alerts syslog at warning priority. The parser
// never attempts to resynchronize; the analyzer simply sees no batch for
// this iteration and continues.
func (p *Parser) handleCorruption(err error) {
	p.sink.IncRingDrops()

	if errors.Is(err, ringbuf.ErrCorruption) {
		p.logger.Error("parser: ring corruption detected", slog.Any("err", err))
		p.sink.Warning("parser: ring corruption detected; discarding drained region", slog.Any("err", err))
		return
	}
	p.logger.Error("parser: drain failed", slog.Any("err", err))
	p.sink.Warning("parser: drain failed", slog.Any("err", err))
}

// maxDrainBytes bounds a single drain call's scratch buffer; it is large
// enough to comfortably exceed the shared-memory data region so drain
// always consumes everything currently available.
const maxDrainBytes = 16 * 1024 * 1024
