package collector_test

import (
	"context"
	"testing"

	"github.com/aod-project/aod/internal/collector"
)

func openMemStore(t *testing.T) *collector.Store {
	t.Helper()
	s, err := collector.OpenStore(":memory:")
	if err != nil {
		t.Fatalf("OpenStore(:memory:): %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreCreateDefaultsToPending(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "latency", 1000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	records, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].ID != id || records[0].State != collector.StatePending {
		t.Fatalf("record = %+v, want id=%d state=pending", records[0], id)
	}
}

func TestStoreSetStateTransitions(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "error", 2000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.SetState(ctx, id, collector.StateDone); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	records, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 1 || records[0].State != collector.StateDone {
		t.Fatalf("records = %+v, want single done record", records)
	}
}

func TestStoreRecentOrdersNewestFirst(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()

	for _, ts := range []int64{100, 300, 200} {
		if _, err := s.Create(ctx, "latency", ts); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	records, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	want := []int64{300, 200, 100}
	for i, r := range records {
		if r.TimestampNs != want[i] {
			t.Fatalf("records[%d].TimestampNs = %d, want %d", i, r.TimestampNs, want[i])
		}
	}
}

func TestStoreRecentZeroOrNegativeReturnsNil(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()

	records, err := s.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent(0): %v", err)
	}
	if records != nil {
		t.Fatalf("Recent(0) = %+v, want nil", records)
	}
}
