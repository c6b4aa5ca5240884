package analyzer_test

import (
	"testing"
	"time"

	"github.com/aod-project/aod/internal/analyzer"
	"github.com/aod-project/aod/internal/detect"
	"github.com/aod-project/aod/internal/ringbuf"
)

func latencyDetector(t *testing.T, acceptableCount int) detect.Detector {
	t.Helper()
	d, err := detect.NewLatencyDetector(0, map[uint16]uint32{9: 50}, acceptableCount)
	if err != nil {
		t.Fatalf("NewLatencyDetector: %v", err)
	}
	return d
}

func TestAnalyzerEmitsOneActionOnEmergency(t *testing.T) {
	a := analyzer.New([]detect.Detector{latencyDetector(t, 10)}, time.Millisecond, nil)

	events := make(chan ringbuf.Batch, 4)
	actions := make(chan analyzer.Action, 4)

	events <- ringbuf.Batch{Events: []ringbuf.Event{
		{Tool: 0, SMBCommand: 9, Metric: 1_500_000_000},
	}}
	close(events)

	a.Run(events, actions)

	var got []analyzer.Action
	for act := range actions {
		got = append(got, act)
	}
	if len(got) != 1 {
		t.Fatalf("got %d actions, want 1: %+v", len(got), got)
	}
	if got[0].Kind != detect.KindLatency {
		t.Fatalf("kind = %v, want latency", got[0].Kind)
	}
}

func TestAnalyzerEmptyBatchProducesNoActions(t *testing.T) {
	a := analyzer.New([]detect.Detector{latencyDetector(t, 1)}, time.Millisecond, nil)

	events := make(chan ringbuf.Batch, 1)
	actions := make(chan analyzer.Action, 1)

	events <- ringbuf.Batch{}
	close(events)

	a.Run(events, actions)

	for range actions {
		t.Fatalf("expected zero actions for an empty batch")
	}
}

func TestAnalyzerMasksByTool(t *testing.T) {
	a := analyzer.New([]detect.Detector{latencyDetector(t, 1)}, time.Millisecond, nil)

	events := make(chan ringbuf.Batch, 1)
	actions := make(chan analyzer.Action, 1)

	// tool=1 does not match the detector's tool=0, so this must never fire
	// even though the latency is well above the emergency threshold.
	events <- ringbuf.Batch{Events: []ringbuf.Event{
		{Tool: 1, SMBCommand: 9, Metric: 2_000_000_000},
	}}
	close(events)

	a.Run(events, actions)

	for range actions {
		t.Fatalf("expected no actions: event tool does not match detector")
	}
}

func TestAnalyzerCoalescesWithinWindow(t *testing.T) {
	d, err := detect.NewLatencyDetector(0, map[uint16]uint32{9: 50}, 2)
	if err != nil {
		t.Fatalf("NewLatencyDetector: %v", err)
	}
	a := analyzer.New([]detect.Detector{d}, time.Millisecond, nil)

	events := make(chan ringbuf.Batch, 2)
	actions := make(chan analyzer.Action, 2)

	// One violating event now, a second arriving just after, within the
	// 5ms coalescing window; together they reach acceptable_count=2.
	events <- ringbuf.Batch{Events: []ringbuf.Event{{Tool: 0, SMBCommand: 9, Metric: 60_000_000}}}
	go func() {
		time.Sleep(1 * time.Millisecond)
		events <- ringbuf.Batch{Events: []ringbuf.Event{{Tool: 0, SMBCommand: 9, Metric: 60_000_000}}}
		close(events)
	}()

	a.Run(events, actions)

	var got []analyzer.Action
	for act := range actions {
		got = append(got, act)
	}
	if len(got) != 1 {
		t.Fatalf("got %d actions, want 1 (events should have coalesced)", len(got))
	}
}
