package collector_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aod-project/aod/internal/analyzer"
	"github.com/aod-project/aod/internal/collector"
	"github.com/aod-project/aod/internal/detect"
)

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (f *fakeRecorder) RecordOutcome(kind detect.Kind, ts int64, quickActions []string, outcome string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, outcome)
	return nil
}

func newTestCollector(t *testing.T, quickActions map[detect.Kind][]string, catalog map[string]collector.QuickAction) (*collector.Collector, string, *fakeRecorder) {
	t.Helper()
	root := t.TempDir()
	store, err := collector.OpenStore(":memory:")
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	rec := &fakeRecorder{}
	c := collector.New(collector.Config{
		ArchiveRoot:  root,
		QuickActions: quickActions,
		Catalog:      catalog,
		Store:        store,
		AlertLog:     rec,
	})
	return c, root, rec
}

func TestCollectorArchiveAtomicity(t *testing.T) {
	catalog := map[string]collector.QuickAction{
		"slow": collector.ExecAction("slow.txt", "sh", "-c", "sleep 0.2; echo slow"),
		"fast": collector.ExecAction("fast.txt", "echo", "fast"),
	}
	c, root, _ := newTestCollector(t, map[detect.Kind][]string{detect.KindLatency: {"slow", "fast"}}, catalog)

	ts := int64(1234567890)
	actions := make(chan analyzer.Action, 1)
	actions <- analyzer.Action{Kind: detect.KindLatency, TimestampNs: ts}
	close(actions)

	batchDir := filepath.Join(root, "batches", fmt.Sprintf("aod_%d", ts))
	archivePath := batchDir + ".tar.zst"

	done := make(chan struct{})
	go func() {
		c.Run(context.Background(), actions)
		close(done)
	}()

	// Poll briefly for the intermediate directory to appear before the
	// slow quick action finishes and archival replaces it.
	sawDir := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(batchDir); err == nil {
			sawDir = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !sawDir {
		t.Fatalf("expected to observe intermediate directory %s", batchDir)
	}

	<-done

	if _, err := os.Stat(batchDir); !os.IsNotExist(err) {
		t.Fatalf("expected directory %s to be gone after archival, stat err = %v", batchDir, err)
	}
	if _, err := os.Stat(archivePath); err != nil {
		t.Fatalf("expected archive %s to exist: %v", archivePath, err)
	}
}

func TestCollectorSemaphoreBoundsConcurrency(t *testing.T) {
	names := make([]string, 0, 12)
	catalog := map[string]collector.QuickAction{}
	for i := 0; i < 12; i++ {
		name := fmt.Sprintf("probe%d", i)
		names = append(names, name)
		catalog[name] = collector.ExecAction(name, "sh", "-c", "sleep 0.05; echo x")
	}

	c, _, _ := newTestCollector(t, map[detect.Kind][]string{detect.KindLatency: names}, catalog)

	actions := make(chan analyzer.Action, 1)
	actions <- analyzer.Action{Kind: detect.KindLatency, TimestampNs: 1}
	close(actions)

	// With capacity 4 and 12 quick actions each sleeping 50ms, a correctly
	// bounded semaphore forces at least 3 waves (~150ms); an unbounded
	// scheduler would finish in ~50ms regardless of count.
	start := time.Now()
	c.Run(context.Background(), actions)
	elapsed := time.Since(start)

	if elapsed < 100*time.Millisecond {
		t.Fatalf("elapsed = %v, want at least ~150ms implied by a capacity-4 semaphore over 12 actions", elapsed)
	}
}

func TestCollectorQuickActionFailureDoesNotBlockSiblings(t *testing.T) {
	catalog := map[string]collector.QuickAction{
		"bad":  collector.ReadAction("bad.txt", "/nonexistent/path/for/aod/test"),
		"good": collector.ExecAction("good.txt", "echo", "ok"),
	}
	c, root, _ := newTestCollector(t, map[detect.Kind][]string{detect.KindError: {"bad", "good"}}, catalog)

	ts := int64(42)
	actions := make(chan analyzer.Action, 1)
	actions <- analyzer.Action{Kind: detect.KindError, TimestampNs: ts}
	close(actions)

	c.Run(context.Background(), actions)

	archivePath := filepath.Join(root, "batches", fmt.Sprintf("aod_%d", ts)) + ".tar.zst"
	if _, err := os.Stat(archivePath); err != nil {
		t.Fatalf("expected archive to complete despite one failing quick action: %v", err)
	}
}

func TestCollectorUnknownAnomalyKindArchivesEmptyBatch(t *testing.T) {
	c, root, _ := newTestCollector(t, map[detect.Kind][]string{}, map[string]collector.QuickAction{})

	ts := int64(7)
	actions := make(chan analyzer.Action, 1)
	actions <- analyzer.Action{Kind: detect.KindLatency, TimestampNs: ts}
	close(actions)

	c.Run(context.Background(), actions)

	archivePath := filepath.Join(root, "batches", fmt.Sprintf("aod_%d", ts)) + ".tar.zst"
	if _, err := os.Stat(archivePath); err != nil {
		t.Fatalf("expected an (empty) archive for an unconfigured kind: %v", err)
	}
}

func TestCollectorRecordsOutcomeInAlertLog(t *testing.T) {
	catalog := map[string]collector.QuickAction{
		"good": collector.ExecAction("good.txt", "echo", "ok"),
	}
	c, _, rec := newTestCollector(t, map[detect.Kind][]string{detect.KindLatency: {"good"}}, catalog)

	actions := make(chan analyzer.Action, 1)
	actions <- analyzer.Action{Kind: detect.KindLatency, TimestampNs: 99}
	close(actions)

	c.Run(context.Background(), actions)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.outcomes) != 1 || rec.outcomes[0] != "archived" {
		t.Fatalf("outcomes = %v, want [archived]", rec.outcomes)
	}
}
