package collector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/aod-project/aod/internal/analyzer"
	"github.com/aod-project/aod/internal/detect"
)

// semaphoreCapacity bounds the number of quick actions running concurrently
// across ALL in-flight anomaly actions, regardless of how many anomaly
// actions themselves overlap.
const semaphoreCapacity = 4

// drainTimeout bounds how long Run waits for in-flight anomaly actions to
// finish once its actions channel has closed, before giving up and
// returning with those actions left as uncompressed directories.
const drainTimeout = 30 * time.Second

// AlertRecorder records the outcome of a completed anomaly action. It is
// satisfied by the alert log; the collector depends only on this narrow
// interface to avoid a direct package dependency.
type AlertRecorder interface {
	RecordOutcome(kind detect.Kind, timestampNs int64, quickActions []string, outcome string) error
}

// Collector runs the quick-action sets configured per anomaly kind,
// archives their outputs, and tracks each action's lifecycle in the action
// store. Create one with New; Run drives it to completion.
type Collector struct {
	archiveRoot  string
	batchesDir   string
	quickActions map[detect.Kind][]string
	catalog      map[string]QuickAction
	store        *Store
	alertLog     AlertRecorder
	logger       *slog.Logger

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// Config configures a Collector.
type Config struct {
	ArchiveRoot  string
	QuickActions map[detect.Kind][]string
	Catalog      map[string]QuickAction
	Store        *Store
	AlertLog     AlertRecorder
	Logger       *slog.Logger
}

// New builds a Collector. It does not create the archive root; callers
// should verify it is writable during startup (an unwritable archive root
// is a fatal condition per the collector's failure semantics).
func New(cfg Config) *Collector {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		archiveRoot:  cfg.ArchiveRoot,
		batchesDir:   filepath.Join(cfg.ArchiveRoot, "batches"),
		quickActions: cfg.QuickActions,
		catalog:      cfg.Catalog,
		store:        cfg.Store,
		alertLog:     cfg.AlertLog,
		logger:       logger,
		sem:          semaphore.NewWeighted(semaphoreCapacity),
	}
}

// Run consumes actions until the channel closes (the analyzer closes it
// once it has drained its own input and emitted everything it will), fans
// each one out to its configured quick actions under the shared semaphore,
// archives the result, and records the outcome. Run returns once every
// anomaly action has completed or drainTimeout has elapsed, whichever comes
// first.
func (c *Collector) Run(ctx context.Context, actions <-chan analyzer.Action) {
	for action := range actions {
		action := action
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handleAction(ctx, action)
		}()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		c.logger.Warn("collector: drain timeout exceeded; some anomaly actions left as uncompressed directories")
	}
}

// handleAction runs one anomaly action end to end: create the batch
// directory, fan out its quick actions under the semaphore, archive, and
// record the outcome in the action store and alert log.
func (c *Collector) handleAction(ctx context.Context, action analyzer.Action) {
	ts := action.TimestampNs
	names := c.quickActions[action.Kind]

	var actionID int64
	if c.store != nil {
		id, err := c.store.Create(ctx, string(action.Kind), ts)
		if err != nil {
			c.logger.Warn("collector: failed to create action store row", slog.Any("err", err))
		} else {
			actionID = id
		}
	}

	dir := filepath.Join(c.batchesDir, fmt.Sprintf("aod_%d", ts))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.logger.Error("collector: archive root unwritable", slog.String("dir", dir), slog.Any("err", err))
		c.finish(ctx, actionID, action.Kind, ts, names, StateFailed, "archive root unwritable")
		return
	}

	c.setState(ctx, actionID, StateArchiving)
	c.runQuickActions(ctx, dir, names)

	dst := dir + ".tar.zst"
	outcome := "archived"
	state := StateDone
	if err := archiveDir(dir, dst); err != nil {
		c.logger.Warn("collector: archival failed; leaving uncompressed directory",
			slog.Int64("timestamp_ns", ts), slog.Any("err", err))
		outcome = "archive_failed"
		state = StateFailed
	}

	c.finish(ctx, actionID, action.Kind, ts, names, state, outcome)
}

// runQuickActions runs every named quick action concurrently under the
// shared semaphore, waiting for all of them (success or failure) before
// returning. An unknown name is logged and skipped.
func (c *Collector) runQuickActions(ctx context.Context, dir string, names []string) {
	var wg sync.WaitGroup
	for _, name := range names {
		qa, ok := c.catalog[name]
		if !ok {
			c.logger.Warn("collector: unknown quick action", slog.String("name", name))
			continue
		}

		wg.Add(1)
		go func(name string, qa QuickAction) {
			defer wg.Done()

			if err := c.sem.Acquire(ctx, 1); err != nil {
				c.logger.Warn("collector: quick action skipped; semaphore acquire canceled",
					slog.String("name", name), slog.Any("err", err))
				return
			}
			defer c.sem.Release(1)

			dst := filepath.Join(dir, qa.OutputFile)
			if err := qa.Run(ctx, dst); err != nil {
				c.logger.Warn("collector: quick action failed",
					slog.String("name", name), slog.Any("err", err))
			}
		}(name, qa)
	}
	wg.Wait()
}

func (c *Collector) setState(ctx context.Context, actionID int64, state ActionState) {
	if c.store == nil || actionID == 0 {
		return
	}
	if err := c.store.SetState(ctx, actionID, state); err != nil {
		c.logger.Warn("collector: failed to update action state", slog.Any("err", err))
	}
}

func (c *Collector) finish(ctx context.Context, actionID int64, kind detect.Kind, ts int64, quickActions []string, state ActionState, outcome string) {
	c.setState(ctx, actionID, state)
	if c.alertLog == nil {
		return
	}
	if err := c.alertLog.RecordOutcome(kind, ts, quickActions, outcome); err != nil {
		c.logger.Warn("collector: failed to record alert log entry", slog.Any("err", err))
	}
}
