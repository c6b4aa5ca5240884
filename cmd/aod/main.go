// Command aod is the AOD daemon binary. It requires an effective uid of 0
// and refuses to start otherwise; it then loads a YAML configuration file,
// attaches the shared-memory event ring, starts the parser/analyzer/
// collector/janitor pipeline and its supervised probe subprocesses, serves
// the local diagnostics HTTP surface, and shuts down gracefully on SIGTERM
// or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aod-project/aod/internal/config"
	"github.com/aod-project/aod/internal/diag"
	"github.com/aod-project/aod/internal/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	if syscall.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, "aod: must run as root (effective uid 0)")
		return 1
	}

	configPath := flag.String("config", "/etc/aod/config.yaml", "path to the AOD daemon YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aod: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("shm_name", cfg.ShmName),
		slog.String("aod_output_dir", cfg.AODOutputDir),
		slog.String("health_addr", cfg.HealthAddr),
	)

	sv, err := supervisor.New(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize supervisor", slog.Any("err", err))
		return 1
	}

	counters := &diag.Counters{}
	sv.SetCounters(counters)

	healthServer := diag.New(cfg.HealthAddr, counters, sv.Store())
	go func() {
		logger.Info("diagnostics server listening", slog.String("addr", cfg.HealthAddr))
		if err := healthServer.ListenAndServe(); err != nil {
			logger.Error("diagnostics server error", slog.Any("err", err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sv.Start(ctx)
	logger.Info("aod daemon started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	sv.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("diagnostics server shutdown error", slog.Any("err", err))
	}

	logger.Info("aod daemon exited cleanly")
	return 0
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
