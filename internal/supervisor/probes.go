//go:build linux

package supervisor

import (
	"context"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aod-project/aod/internal/config"
)

// maxProbeRestarts bounds how many times one probe subprocess is respawned
// after unexpected exits before the supervisor gives up on it and logs at
// alert priority instead of spinning forever on a probe that cannot start.
const maxProbeRestarts = 20

// probeSupervisor owns one probe subprocess for its full lifetime: spawn,
// watch, restart on unexpected exit, terminate on stop.
type probeSupervisor struct {
	cfg     config.Probe
	logger  *slog.Logger
	syslog  *priorityLogger
	restart int
}

// runProbes spawns and supervises every configured probe concurrently,
// returning once stop is closed and every probe subprocess has been sent
// its termination signal and reaped.
func runProbes(probes []config.Probe, logger *slog.Logger, sl *priorityLogger, stop <-chan struct{}) {
	var g errgroup.Group
	for _, p := range probes {
		p := p
		g.Go(func() error {
			ps := &probeSupervisor{cfg: p, logger: logger, syslog: sl}
			ps.run(stop)
			return nil
		})
	}
	_ = g.Wait()
}

// run spawns the probe, restarting it on unexpected exit, until stop is
// closed.
func (p *probeSupervisor) run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		exited := p.spawnOnce(stop)
		select {
		case <-stop:
			// stop was closed mid-spawn; the child was already terminated.
			return
		default:
		}

		p.restart++
		if p.restart > maxProbeRestarts {
			p.syslog.Alert("supervisor: probe exceeded restart budget; giving up",
				slog.String("probe", p.cfg.Name), slog.Int("restarts", p.restart))
			return
		}
		p.syslog.Warning("supervisor: probe exited unexpectedly; respawning",
			slog.String("probe", p.cfg.Name), slog.Any("err", exited), slog.Int("attempt", p.restart))
	}
}

// spawnOnce starts the probe subprocess and blocks until it exits or stop
// is closed, in which case the child is sent SIGTERM and spawnOnce returns
// nil. Pdeathsig requests the kernel deliver SIGTERM to the child if this
// process dies without a chance to clean up (e.g. SIGKILL to the daemon).
func (p *probeSupervisor) spawnOnce(stop <-chan struct{}) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := exec.CommandContext(ctx, p.cfg.Argv[0], p.cfg.Argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }

	if err := cmd.Start(); err != nil {
		p.logger.Error("supervisor: failed to start probe",
			slog.String("probe", p.cfg.Name), slog.Any("err", err))
		time.Sleep(time.Second)
		return err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-stop:
		cancel()
		<-done
		return nil
	case err := <-done:
		return err
	}
}
