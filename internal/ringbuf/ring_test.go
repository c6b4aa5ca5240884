//go:build linux

package ringbuf

import (
	"fmt"
	"os"
	"testing"
)

// testSegmentName returns a unique /dev/shm-relative name for this test,
// registering cleanup so the backing file does not leak between runs.
func testSegmentName(t *testing.T) string {
	t.Helper()
	name := fmt.Sprintf("aod_ring_test_%d", os.Getpid())
	t.Cleanup(func() { os.Remove(shmPath(name)) })
	return name
}

func sampleEvent(i int) Event {
	return Event{
		PID:        int32(1000 + i),
		EndTimeNs:  uint64(i) * 1000,
		SessionID:  42,
		MID:        uint64(i),
		SMBCommand: 9,
		Metric:     int64(1_000_000 + i),
		Tool:       0,
	}
}

func TestRingRoundTrip(t *testing.T) {
	r, err := Attach(testSegmentName(t), 64*1024)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer r.Close()

	const n = 25
	for i := 0; i < n; i++ {
		NewProducer(r).Write(Encode(sampleEvent(i)))
	}

	raw, err := r.Drain(1 << 20)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}

	batch, leftover, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if leftover != 0 {
		t.Fatalf("leftover = %d, want 0", leftover)
	}
	if len(batch.Events) != n {
		t.Fatalf("got %d events, want %d", len(batch.Events), n)
	}
	for i, ev := range batch.Events {
		want := sampleEvent(i)
		if ev.PID != want.PID || ev.EndTimeNs != want.EndTimeNs || ev.MID != want.MID || ev.Metric != want.Metric {
			t.Fatalf("event %d = %+v, want %+v", i, ev, want)
		}
	}

	occ, err := r.Occupancy()
	if err != nil {
		t.Fatalf("Occupancy: %v", err)
	}
	if occ != 0 {
		t.Fatalf("occupancy after full drain = %d, want 0", occ)
	}
}

func TestRingWrapAroundSeam(t *testing.T) {
	const size = 4096
	r, err := Attach(testSegmentName(t), size)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer r.Close()

	dataSize := r.dataSize

	// Position head just before the end of the data region, leaving room
	// for exactly half a record, so the next real write straddles the seam.
	r.storeHead(dataSize - RecordSize/2)
	r.storeTail(dataSize - RecordSize/2)

	want := sampleEvent(7)
	NewProducer(r).Write(Encode(want))

	if got := r.loadHead(); got != (RecordSize/2)%dataSize {
		t.Fatalf("head after wrap = %d, want %d", got, RecordSize/2)
	}

	raw, err := r.Drain(1 << 20)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	batch, leftover, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if leftover != 0 {
		t.Fatalf("leftover = %d, want 0", leftover)
	}
	if len(batch.Events) != 1 {
		t.Fatalf("got %d events, want 1", len(batch.Events))
	}
	got := batch.Events[0]
	if got.PID != want.PID || got.MID != want.MID || got.Metric != want.Metric {
		t.Fatalf("wrapped event = %+v, want %+v", got, want)
	}
}

func TestRingPartialRecordLeavesTailUnchanged(t *testing.T) {
	r, err := Attach(testSegmentName(t), 64*1024)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer r.Close()

	full := Encode(sampleEvent(1))
	NewProducer(r).Write(full[:RecordSize/2]) // only half a record is "in flight"

	tailBefore := r.loadTail()

	raw, err := r.Drain(1 << 20)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	batch, leftover, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !batch.Empty() {
		t.Fatalf("expected empty batch, got %d events", len(batch.Events))
	}
	if leftover != RecordSize/2 {
		t.Fatalf("leftover = %d, want %d", leftover, RecordSize/2)
	}

	r.Rewind(leftover)

	if got := r.loadTail(); got != tailBefore {
		t.Fatalf("tail after rewind = %d, want unchanged %d", got, tailBefore)
	}
}

func TestRingCorruptionDetected(t *testing.T) {
	r, err := Attach(testSegmentName(t), 4096)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer r.Close()

	// An impossible cursor: tail beyond the data region.
	r.storeTail(r.dataSize + 1)

	if _, err := r.Occupancy(); err != ErrCorruption {
		t.Fatalf("Occupancy err = %v, want ErrCorruption", err)
	}
	if _, err := r.Drain(1024); err != ErrCorruption {
		t.Fatalf("Drain err = %v, want ErrCorruption", err)
	}
}

func TestAttachRejectsSizeMismatch(t *testing.T) {
	name := testSegmentName(t)

	r1, err := Attach(name, 4096)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer r1.Close()

	if _, err := Attach(name, 8192); err == nil {
		t.Fatalf("expected size-mismatch error on re-attach")
	}
}
