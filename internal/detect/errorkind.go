package detect

import (
	"errors"

	"github.com/aod-project/aod/internal/ringbuf"
)

var (
	errAcceptableCount = errors.New("detect: acceptable_count must be positive")
	errEmptyTrackSet   = errors.New("detect: track_codes must be non-empty for trackonly/excludeonly mode")
)

// ErrorDetector fires when enough operations within a batch return a
// tracked (or, in excludeonly mode, untracked) return code.
//
// The source spec leaves the error detector an unimplemented stub and
// treats the mode/empty-set interaction as a deployment detail (spec §9).
// This implementation resolves it as: ModeAll ignores the tracked set and
// counts every masked event; ModeTrackOnly/ModeExcludeOnly require a
// non-empty tracked set, rejected at construction time rather than silently
// detecting nothing.
type ErrorDetector struct {
	tool            uint8
	mode            Mode
	trackCodes      map[int32]struct{}
	acceptableCount int
}

// NewErrorDetector builds an ErrorDetector. For ModeTrackOnly and
// ModeExcludeOnly, codes must be non-empty.
func NewErrorDetector(tool uint8, mode Mode, codes []int32, acceptableCount int) (*ErrorDetector, error) {
	if acceptableCount <= 0 {
		return nil, errAcceptableCount
	}
	if (mode == ModeTrackOnly || mode == ModeExcludeOnly) && len(codes) == 0 {
		return nil, errEmptyTrackSet
	}

	set := make(map[int32]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}

	return &ErrorDetector{
		tool:            tool,
		mode:            mode,
		trackCodes:      set,
		acceptableCount: acceptableCount,
	}, nil
}

func (d *ErrorDetector) Kind() Kind  { return KindError }
func (d *ErrorDetector) Tool() uint8 { return d.tool }

// Fire counts masked events matching this detector's mode and fires once
// the count reaches acceptableCount.
func (d *ErrorDetector) Fire(events []ringbuf.Event) bool {
	count := 0
	for i := range events {
		if d.matches(events[i].Retval()) {
			count++
		}
	}
	return count >= d.acceptableCount
}

func (d *ErrorDetector) matches(retval int32) bool {
	switch d.mode {
	case ModeAll:
		return true
	case ModeTrackOnly:
		_, tracked := d.trackCodes[retval]
		return tracked
	case ModeExcludeOnly:
		_, tracked := d.trackCodes[retval]
		return !tracked
	default:
		return false
	}
}
