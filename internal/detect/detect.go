// Package detect implements the per-anomaly-kind predicates the analyzer
// runs over each event batch. Each detector is a tagged variant holding its
// own precomputed state (a threshold table or a tracked-code set); adding a
// new anomaly kind means adding a variant here plus a masking rule in the
// analyzer, not touching a dispatch table of dynamic objects.
package detect

import "github.com/aod-project/aod/internal/ringbuf"

// Kind identifies an anomaly category. New kinds are added as additional
// constants plus a constructor in this package — never as a string the caller invents
// at runtime.
type Kind string

const (
	// KindLatency fires when SMB operations exceed a per-opcode latency
	// threshold often enough, or a single operation crosses the emergency
	// threshold.
	KindLatency Kind = "latency"
	// KindError fires when SMB operations return tracked (or, depending on
	// mode, untracked) error codes often enough within a batch.
	KindError Kind = "error"
)

// Mode controls how an error-kind detector interprets its tracked-code set.
type Mode string

const (
	// ModeAll counts every event that matches the kind's producer tool,
	// ignoring the tracked-code set entirely.
	ModeAll Mode = "all"
	// ModeTrackOnly counts only events whose retval is in the tracked set.
	ModeTrackOnly Mode = "trackonly"
	// ModeExcludeOnly counts only events whose retval is NOT in the tracked
	// set.
	ModeExcludeOnly Mode = "excludeonly"
)

// Detector evaluates one anomaly kind over a masked slice of events — the
// subset of a batch whose Tool field matches this detector's configured
// producer id. Detectors are stateless across calls unless their doc says
// otherwise.
type Detector interface {
	// Kind returns the anomaly kind this detector implements.
	Kind() Kind
	// Tool returns the producer probe id this detector's kind is wired to.
	// The analyzer uses it to build the per-kind event mask.
	Tool() uint8
	// Fire reports whether the masked events constitute an anomaly.
	Fire(events []ringbuf.Event) bool
}
