//go:build linux

// Package supervisor wires the ring, parser, analyzer, collector, and
// janitor together, spawns and monitors probe subprocesses, and coordinates
// startup and shutdown across all of them.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aod-project/aod/internal/alertlog"
	"github.com/aod-project/aod/internal/analyzer"
	"github.com/aod-project/aod/internal/collector"
	"github.com/aod-project/aod/internal/config"
	"github.com/aod-project/aod/internal/detect"
	"github.com/aod-project/aod/internal/janitor"
	"github.com/aod-project/aod/internal/parser"
	"github.com/aod-project/aod/internal/ringbuf"
)

// Counters is the narrow slice of the diagnostics surface's running totals
// the supervisor updates directly, satisfied by *diag.Counters. Defined
// here rather than imported from internal/diag to avoid diag depending on
// supervisor and supervisor depending on diag at once.
type Counters interface {
	IncRingDrops()
	IncAnalyzerFires()
	IncCollectorInflight()
	DecCollectorInflight()
	AddJanitorReclaimed(bytes int64)
}

// noopCounters discards every update; used when no counters are wired.
type noopCounters struct{}

func (noopCounters) IncRingDrops()             {}
func (noopCounters) IncAnalyzerFires()         {}
func (noopCounters) IncCollectorInflight()     {}
func (noopCounters) DecCollectorInflight()     {}
func (noopCounters) AddJanitorReclaimed(int64) {}

// parserSink adapts the supervisor's counters and priority logger to
// parser.EventSink, so the parser can report a dropped drain region without
// importing the supervisor package.
type parserSink struct {
	counters Counters
	syslog   *priorityLogger
}

func (s parserSink) IncRingDrops()                   { s.counters.IncRingDrops() }
func (s parserSink) Warning(msg string, args ...any) { s.syslog.Warning(msg, args...) }

// countingRecorder wraps an AlertRecorder, decrementing the in-flight
// counter when an anomaly action's outcome is finally recorded — the
// collector's last step for that action.
type countingRecorder struct {
	counters Counters
	next     collector.AlertRecorder
}

func (c countingRecorder) RecordOutcome(kind detect.Kind, timestampNs int64, quickActions []string, outcome string) error {
	c.counters.DecCollectorInflight()
	return c.next.RecordOutcome(kind, timestampNs, quickActions, outcome)
}

// eventChannelCapacity and actionChannelCapacity bound how many batches or
// actions the parser/analyzer may race ahead of their downstream consumer
// before blocking, without growing unbounded on a slow collector.
const (
	eventChannelCapacity  = 16
	actionChannelCapacity = 16
)

// Supervisor owns every long-running piece of the daemon for one process
// lifetime: the ring, the probe subprocesses, and the Parser/Analyzer/
// Collector/Janitor goroutines.
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger
	syslog *priorityLogger

	ring     *ringbuf.Ring
	store    *collector.Store
	alertLog *alertlog.Logger
	counters Counters

	analyzer     *analyzer.Analyzer
	collectorCfg collector.Config
	janitorCfg   janitor.Config

	probesStop  chan struct{}
	ingestStop  chan struct{}
	janitorStop chan struct{}

	ingestDone    chan struct{}
	collectorDone chan struct{}
}

// New builds a Supervisor from cfg. It attaches the ring, opens the action
// store and alert log, and constructs the detector list — any of which
// failing is a fatal startup error, per the process surface's exit-code
// contract.
func New(cfg *config.Config, logger *slog.Logger) (*Supervisor, error) {
	ring, err := ringbuf.Attach(cfg.ShmName, shmSizeBytes)
	if err != nil {
		return nil, fmt.Errorf("supervisor: attach ring: %w", err)
	}

	store, err := collector.OpenStore(cfg.ActionStorePath)
	if err != nil {
		ring.Close()
		return nil, fmt.Errorf("supervisor: open action store: %w", err)
	}

	alertLog, err := alertlog.Open(cfg.AlertLogPath)
	if err != nil {
		store.Close()
		ring.Close()
		return nil, fmt.Errorf("supervisor: open alert log: %w", err)
	}

	detectors, err := buildDetectors(cfg.Anomalies)
	if err != nil {
		alertLog.Close()
		store.Close()
		ring.Close()
		return nil, fmt.Errorf("supervisor: build detectors: %w", err)
	}

	an := analyzer.New(detectors, time.Duration(cfg.WatchIntervalSec)*time.Second, logger)

	collectorCfg := collector.Config{
		ArchiveRoot:  cfg.AODOutputDir,
		QuickActions: quickActionsByKind(cfg.Anomalies),
		Catalog:      collector.Catalog(cfg.WatchIntervalSec),
		Store:        store,
		AlertLog:     alertLog,
		Logger:       logger,
	}

	janitorCfg := janitor.Config{
		ArchiveRoot:    cfg.AODOutputDir,
		Interval:       time.Duration(cfg.Cleanup.IntervalSec) * time.Second,
		MaxAgeDays:     cfg.Cleanup.MaxAgeDays,
		MaxTotalSizeMB: cfg.Cleanup.MaxTotalSizeMB,
		Logger:         logger,
	}

	return &Supervisor{
		cfg:          cfg,
		logger:       logger,
		syslog:       newPriorityLogger(logger),
		ring:         ring,
		store:        store,
		alertLog:     alertLog,
		counters:     noopCounters{},
		analyzer:     an,
		collectorCfg: collectorCfg,
		janitorCfg:   janitorCfg,

		probesStop:    make(chan struct{}),
		ingestStop:    make(chan struct{}),
		janitorStop:   make(chan struct{}),
		ingestDone:    make(chan struct{}),
		collectorDone: make(chan struct{}),
	}, nil
}

// maxWorkerRestarts bounds how many times an internal worker (parser,
// analyzer, collector, janitor) is restarted after a panic before the
// supervisor gives up on it and logs at alert priority instead of
// respawning forever, mirroring probes.go's maxProbeRestarts for child
// processes.
const maxWorkerRestarts = 20

// shmMaxEntries and shmPageSize fix the shared-memory segment's total size
// at (MAX_ENTRIES + 1) * PAGE_SIZE, matching the producer contract; it is
// not a configurable quantity, since the producer compiles it in too.
const (
	shmMaxEntries = 2048
	shmPageSize   = 4096
	shmSizeBytes  = (shmMaxEntries + 1) * shmPageSize
)

// SetCounters wires the diagnostics surface's running totals into the
// supervisor. Call it before Start; if never called, counter updates are
// silently discarded.
func (s *Supervisor) SetCounters(c Counters) {
	s.counters = c
}

// Start spawns probe subprocesses and the Parser/Analyzer/Collector/Janitor
// workers, and returns immediately; the pipeline runs until Stop is called.
// Each worker is supervised: a panic is recovered, logged via syslog, and
// the worker is respawned, up to maxWorkerRestarts, the same restart
// discipline probes.go applies to child processes.
func (s *Supervisor) Start(ctx context.Context) {
	actions := make(chan analyzer.Action, actionChannelCapacity)

	collectorCfg := s.collectorCfg
	collectorCfg.AlertLog = countingRecorder{counters: s.counters, next: collectorCfg.AlertLog}
	col := collector.New(collectorCfg)

	janitorCfg := s.janitorCfg
	janitorCfg.OnReclaim = s.counters.AddJanitorReclaimed
	jan := janitor.New(janitorCfg)

	go func() {
		s.runIngestPipeline(s.ingestStop, actions)
		close(s.ingestDone)
	}()

	go func() {
		s.runRestartable("collector", s.ingestStop, func() { col.Run(ctx, actions) })
		close(s.collectorDone)
	}()

	go s.runRestartable("janitor", s.janitorStop, func() { jan.Run(s.janitorStop) })

	go runProbes(s.cfg.Probes, s.logger, s.syslog, s.probesStop)
}

// runIngestPipeline drives the parser/analyzer/tee chain that feeds
// actions, restarting the parser and analyzer together whenever either
// panics. Both close a channel they own when their Run method returns for
// any reason, including a recovered panic, so a crash mid-chain must be
// followed by fresh parser/analyzer channels rather than reusing ones a
// defer already closed. actions is the stable, supervisor-owned channel the
// collector reads from across every restart; it closes exactly once, when
// this function returns.
func (s *Supervisor) runIngestPipeline(stop <-chan struct{}, actions chan<- analyzer.Action) {
	defer close(actions)

	restarts := 0
	for {
		select {
		case <-stop:
			return
		default:
		}

		if graceful := s.runIngestOnce(stop, actions); graceful {
			return
		}

		restarts++
		if restarts > maxWorkerRestarts {
			s.syslog.Alert("supervisor: ingest pipeline exceeded restart budget; giving up",
				slog.Int("restarts", restarts))
			return
		}
	}
}

// runIngestOnce runs one attempt of the parser and analyzer, each against a
// freshly allocated channel, tee-ing every action the analyzer emits into
// the stable actions channel and alerting syslog for it. It returns true
// once stop has been observed and the attempt drained without a panic,
// false if a panic cut the attempt short, telling the caller to spawn a
// fresh attempt.
func (s *Supervisor) runIngestOnce(stop <-chan struct{}, actions chan<- analyzer.Action) (graceful bool) {
	events := make(chan ringbuf.Batch, eventChannelCapacity)
	rawActions := make(chan analyzer.Action, actionChannelCapacity)

	p := parser.New(s.ring, s.logger, parserSink{counters: s.counters, syslog: s.syslog})

	var parserCrashed, analyzerCrashed bool

	parserDone := make(chan struct{})
	go func() {
		defer close(parserDone)
		parserCrashed = runOnce(func() { p.Run(events, stop) })
	}()

	analyzerDone := make(chan struct{})
	go func() {
		defer close(analyzerDone)
		analyzerCrashed = runOnce(func() { s.analyzer.Run(events, rawActions) })
	}()

	// Tee every action the analyzer emits through the counters and syslog
	// before handing it to the collector, so collector_inflight starts
	// counting and the anomaly is alerted the instant it is dispatched
	// rather than when the collector happens to pick it up.
	teeDone := make(chan struct{})
	go func() {
		defer close(teeDone)
		for action := range rawActions {
			s.counters.IncAnalyzerFires()
			s.counters.IncCollectorInflight()
			s.syslog.Alert("supervisor: anomaly detected",
				slog.String("kind", string(action.Kind)),
				slog.Int64("timestamp_ns", action.TimestampNs))
			actions <- action
		}
	}()

	<-parserDone
	<-analyzerDone
	<-teeDone

	if parserCrashed {
		s.syslog.Warning("supervisor: parser panicked; restarting ingest pipeline")
	}
	if analyzerCrashed {
		s.syslog.Warning("supervisor: analyzer panicked; restarting ingest pipeline")
	}
	return !parserCrashed && !analyzerCrashed
}

// runRestartable runs fn, recovering any panic it raises, and respawns it
// until fn returns without panicking (the stop-cascade path) or the restart
// budget is exhausted. Mirrors probes.go's probeSupervisor.run for internal
// worker threads instead of child processes.
func (s *Supervisor) runRestartable(name string, stop <-chan struct{}, fn func()) {
	restarts := 0
	for {
		select {
		case <-stop:
			return
		default:
		}

		if crashed := runOnce(fn); !crashed {
			return
		}

		restarts++
		if restarts > maxWorkerRestarts {
			s.syslog.Alert("supervisor: worker exceeded restart budget; giving up",
				slog.String("worker", name), slog.Int("restarts", restarts))
			return
		}
		s.syslog.Warning("supervisor: worker panicked; restarting",
			slog.String("worker", name), slog.Int("attempt", restarts))
	}
}

// runOnce calls fn, recovering a panic instead of letting it crash the
// process, and reports whether one occurred.
func runOnce(fn func()) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			crashed = true
		}
	}()
	fn()
	return false
}

// Stop shuts the pipeline down in the order spec'd for a clean exit: the
// ingest pipeline stops first, draining the parser and analyzer and closing
// the action channel, which drains the collector; only once every in-flight
// anomaly action has completed (or drainTimeout has elapsed) are the
// janitor and probe subprocesses told to stop, followed by unmapping the
// ring and closing the action store and alert log.
func (s *Supervisor) Stop() {
	close(s.ingestStop)
	<-s.ingestDone

	<-s.collectorDone

	close(s.janitorStop)
	close(s.probesStop)

	if err := s.ring.Close(); err != nil {
		s.logger.Warn("supervisor: ring unmap failed", slog.Any("err", err))
	}
	if err := s.alertLog.Close(); err != nil {
		s.logger.Warn("supervisor: alert log close failed", slog.Any("err", err))
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("supervisor: action store close failed", slog.Any("err", err))
	}
	if err := s.syslog.Close(); err != nil {
		s.logger.Warn("supervisor: syslog close failed", slog.Any("err", err))
	}
}

// Store exposes the action store for the diagnostics HTTP surface.
func (s *Supervisor) Store() *collector.Store { return s.store }
