//go:build linux

package supervisor

import (
	"log/slog"
	"log/syslog"
)

// priorityLogger forwards daemon-level events (probe crashes, ring
// corruption, archive-root failures) at the named syslog priority, so an
// operator watching `journalctl -t aod` sees them without reading the
// daemon's own stderr stream. If the local syslog socket is unavailable
// (containers without /dev/log, most test environments) it falls back to
// the structured slog logger at an equivalent level: the daemon never
// fails to start for lack of a syslog socket.
type priorityLogger struct {
	writer *syslog.Writer
	logger *slog.Logger
}

// newPriorityLogger dials the local syslog daemon under tag "aod". On
// failure it returns a logger that only ever falls back to slog.
func newPriorityLogger(logger *slog.Logger) *priorityLogger {
	w, err := syslog.New(syslog.LOG_DAEMON, "aod")
	if err != nil {
		logger.Warn("supervisor: syslog unavailable; logging locally only", slog.Any("err", err))
		return &priorityLogger{logger: logger}
	}
	return &priorityLogger{writer: w, logger: logger}
}

// Alert logs msg at syslog LOG_ALERT, or slog.LevelError if syslog is
// unavailable.
func (p *priorityLogger) Alert(msg string, args ...any) {
	if p.writer != nil {
		_ = p.writer.Alert(msg)
		return
	}
	p.logger.Error(msg, args...)
}

// Warning logs msg at syslog LOG_WARNING, or slog.LevelWarn if syslog is
// unavailable.
func (p *priorityLogger) Warning(msg string, args ...any) {
	if p.writer != nil {
		_ = p.writer.Warning(msg)
		return
	}
	p.logger.Warn(msg, args...)
}

// Info logs msg at syslog LOG_INFO, or slog.LevelInfo if syslog is
// unavailable.
func (p *priorityLogger) Info(msg string, args ...any) {
	if p.writer != nil {
		_ = p.writer.Info(msg)
		return
	}
	p.logger.Info(msg, args...)
}

// Close releases the syslog connection, if one was established.
func (p *priorityLogger) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
