// Package analyzer implements the batched anomaly analyzer: it consumes
// event batches drained from the ring, partitions them by anomaly kind,
// invokes each kind's detector, and emits anomaly actions for the collector.
package analyzer

import (
	"log/slog"
	"time"

	"github.com/aod-project/aod/internal/detect"
	"github.com/aod-project/aod/internal/ringbuf"
)

// coalesceWindow is the bounded window the analyzer waits, after receiving
// its first batch of an iteration, for further batches to arrive so they
// can be logically concatenated before detection runs.
const coalesceWindow = 5 * time.Millisecond

// Action is a {kind, timestamp_ns} pair emitted when a detector fires.
// TimestampNs doubles as the anomaly's unique batch identifier and the
// collector's archive directory name.
type Action struct {
	Kind        detect.Kind
	TimestampNs int64
}

// nowNs returns the current wall-clock time in nanoseconds since the Unix
// epoch, used as the action identifier. It is not a monotonic clock
// reading: two calls may return the same value, and a wall-clock step can
// make a later call return a smaller one.
func nowNs() int64 {
	return time.Now().UnixNano()
}

// Analyzer runs the detection loop described in spec §4.2. It holds a
// fixed, ordered collection of detectors (stable order = configuration
// order) keyed implicitly by kind; adding a kind means adding a detector to
// this slice, not registering a dynamic dispatch target.
type Analyzer struct {
	detectors     []detect.Detector
	watchInterval time.Duration
	logger        *slog.Logger
}

// New builds an Analyzer from an ordered list of detectors. watchInterval
// is the sleep between iterations (spec's watch_interval_sec).
func New(detectors []detect.Detector, watchInterval time.Duration, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		detectors:     detectors,
		watchInterval: watchInterval,
		logger:        logger,
	}
}

// Run consumes batches from events until the channel is closed (the parser
// loop closes it once it observes the stop signal and has nothing further
// to drain), emitting Actions on actions. Run closes actions when it
// returns, which is the collector's signal to finish draining and exit.
//
// Each iteration: block for the first batch, then coalesce further batches
// arriving within coalesceWindow into one logical slice, compute the
// per-kind event mask, invoke each kind's detector, and sleep
// watchInterval before the next iteration.
func (a *Analyzer) Run(events <-chan ringbuf.Batch, actions chan<- Action) {
	defer close(actions)

	closed := false
	for !closed {
		batch, ok := <-events
		if !ok {
			return
		}

		coalesced := append([]ringbuf.Event(nil), batch.Events...)

		timer := time.NewTimer(coalesceWindow)
	coalesceLoop:
		for {
			select {
			case more, ok := <-events:
				if !ok {
					closed = true
					break coalesceLoop
				}
				coalesced = append(coalesced, more.Events...)
			case <-timer.C:
				break coalesceLoop
			}
		}
		timer.Stop()

		a.processBatch(coalesced, actions)

		if !closed {
			time.Sleep(a.watchInterval)
		}
	}
}

// processBatch computes the per-kind mask and invokes each detector in
// stable, registration order. Within one call, each kind either fires
// exactly once or not at all. A detector that panics is logged and skipped;
// the remaining kinds are still evaluated.
func (a *Analyzer) processBatch(events []ringbuf.Event, actions chan<- Action) {
	if len(events) == 0 {
		return
	}

	fired := make(map[detect.Kind]bool)
	for _, d := range a.detectors {
		if fired[d.Kind()] {
			continue
		}
		masked := maskByTool(events, d.Tool())
		if len(masked) == 0 {
			continue
		}

		if a.safeFire(d, masked) {
			fired[d.Kind()] = true
			actions <- Action{Kind: d.Kind(), TimestampNs: nowNs()}
		}
	}
}

// safeFire invokes d.Fire, recovering from a panic so one bad detector
// cannot take down the analyzer loop.
func (a *Analyzer) safeFire(d detect.Detector, events []ringbuf.Event) (fired bool) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn("detector panicked; skipping kind for this iteration",
				slog.String("kind", string(d.Kind())),
				slog.Any("panic", r),
			)
			fired = false
		}
	}()
	return d.Fire(events)
}

// maskByTool selects the subset of events whose Tool field matches tool,
// preserving order.
func maskByTool(events []ringbuf.Event, tool uint8) []ringbuf.Event {
	var masked []ringbuf.Event
	for i := range events {
		if events[i].Tool == tool {
			masked = append(masked, events[i])
		}
	}
	return masked
}
