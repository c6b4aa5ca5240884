package detect_test

import (
	"testing"

	"github.com/aod-project/aod/internal/detect"
	"github.com/aod-project/aod/internal/ringbuf"
)

func ev(smbcommand uint16, latencyNs uint64) ringbuf.Event {
	return ringbuf.Event{SMBCommand: smbcommand, Metric: int64(latencyNs)}
}

func TestLatencyDetectorFiresOnCount(t *testing.T) {
	d, err := detect.NewLatencyDetector(0, map[uint16]uint32{9: 50}, 10)
	if err != nil {
		t.Fatalf("NewLatencyDetector: %v", err)
	}

	events := make([]ringbuf.Event, 10)
	for i := range events {
		events[i] = ev(9, 60_000_000)
	}

	if !d.Fire(events) {
		t.Fatalf("expected fire on 10 violating events")
	}
}

func TestLatencyDetectorDoesNotFireBelowCount(t *testing.T) {
	d, err := detect.NewLatencyDetector(0, map[uint16]uint32{9: 50}, 10)
	if err != nil {
		t.Fatalf("NewLatencyDetector: %v", err)
	}

	events := make([]ringbuf.Event, 9)
	for i := range events {
		events[i] = ev(9, 60_000_000)
	}

	if d.Fire(events) {
		t.Fatalf("expected no fire on 9 violating events")
	}
}

func TestLatencyDetectorFiresOnEmergency(t *testing.T) {
	d, err := detect.NewLatencyDetector(0, map[uint16]uint32{9: 50}, 10)
	if err != nil {
		t.Fatalf("NewLatencyDetector: %v", err)
	}

	events := []ringbuf.Event{ev(9, detect.EmergencyLatencyNs)}

	if !d.Fire(events) {
		t.Fatalf("expected fire on single emergency-latency event")
	}
}

func TestLatencyDetectorAcceptableCountOne(t *testing.T) {
	d, err := detect.NewLatencyDetector(0, map[uint16]uint32{9: 50}, 1)
	if err != nil {
		t.Fatalf("NewLatencyDetector: %v", err)
	}

	// Exactly at threshold, not above, must still count (>=).
	events := []ringbuf.Event{ev(9, 50_000_000)}

	if !d.Fire(events) {
		t.Fatalf("expected fire on single event at threshold")
	}
}

func TestLatencyDetectorUntrackedOpcodeNeverFires(t *testing.T) {
	d, err := detect.NewLatencyDetector(0, map[uint16]uint32{9: 50}, 1)
	if err != nil {
		t.Fatalf("NewLatencyDetector: %v", err)
	}

	events := []ringbuf.Event{ev(3, 999_000_000)} // opcode 3 untracked
	if d.Fire(events) {
		t.Fatalf("expected no fire for untracked opcode below emergency")
	}
}

func retvalEvent(retval int32) ringbuf.Event {
	return ringbuf.Event{Metric: int64(retval)}
}

func TestErrorDetectorTrackOnly(t *testing.T) {
	d, err := detect.NewErrorDetector(0, detect.ModeTrackOnly, []int32{-5, -13}, 2)
	if err != nil {
		t.Fatalf("NewErrorDetector: %v", err)
	}

	events := []ringbuf.Event{retvalEvent(-5), retvalEvent(0), retvalEvent(-13)}
	if !d.Fire(events) {
		t.Fatalf("expected fire: two tracked codes present")
	}

	events = []ringbuf.Event{retvalEvent(-5), retvalEvent(0), retvalEvent(0)}
	if d.Fire(events) {
		t.Fatalf("expected no fire: only one tracked code present")
	}
}

func TestErrorDetectorRejectsEmptyTrackSet(t *testing.T) {
	if _, err := detect.NewErrorDetector(0, detect.ModeTrackOnly, nil, 1); err == nil {
		t.Fatalf("expected error for empty track set under trackonly")
	}
	if _, err := detect.NewErrorDetector(0, detect.ModeExcludeOnly, nil, 1); err == nil {
		t.Fatalf("expected error for empty track set under excludeonly")
	}
	if _, err := detect.NewErrorDetector(0, detect.ModeAll, nil, 1); err != nil {
		t.Fatalf("ModeAll with empty set should be valid: %v", err)
	}
}

func TestErrorDetectorExcludeOnly(t *testing.T) {
	d, err := detect.NewErrorDetector(0, detect.ModeExcludeOnly, []int32{0}, 1)
	if err != nil {
		t.Fatalf("NewErrorDetector: %v", err)
	}

	if d.Fire([]ringbuf.Event{retvalEvent(0)}) {
		t.Fatalf("expected no fire: only excluded code present")
	}
	if !d.Fire([]ringbuf.Event{retvalEvent(-1)}) {
		t.Fatalf("expected fire: non-excluded code present")
	}
}

func TestEmptyBatchNeverFires(t *testing.T) {
	d, err := detect.NewLatencyDetector(0, map[uint16]uint32{9: 50}, 1)
	if err != nil {
		t.Fatalf("NewLatencyDetector: %v", err)
	}
	if d.Fire(nil) {
		t.Fatalf("expected no fire on empty batch")
	}
}
