package collector

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// QuickAction is one named diagnostic probe: an output file name paired with
// a command spec that is either a file read or a subprocess exec.
type QuickAction struct {
	OutputFile string
	read       string   // non-empty: copy this path's bytes to OutputFile
	argv       []string // non-empty: exec this argv, capture stdout
}

// ReadAction builds a quick action that copies path's bytes verbatim.
func ReadAction(outputFile, path string) QuickAction {
	return QuickAction{OutputFile: outputFile, read: path}
}

// ExecAction builds a quick action that runs argv and captures stdout.
// stderr is discarded; a non-empty argv[0] is the binary to exec.
func ExecAction(outputFile string, argv ...string) QuickAction {
	return QuickAction{OutputFile: outputFile, argv: argv}
}

// Run executes the quick action, writing its output to dstPath. Exit status
// and read errors are never propagated as fatal: the caller logs the
// returned error and moves on to the next sibling. If an exec action
// produces no stdout, no output file is written; Run then returns nil when
// the command succeeded and the exec error when it did not. If it produces
// stdout, the file is written and a non-zero exit status is not reported.
func (q QuickAction) Run(ctx context.Context, dstPath string) error {
	if q.read != "" {
		return q.runRead(dstPath)
	}
	return q.runExec(ctx, dstPath)
}

func (q QuickAction) runRead(dstPath string) error {
	src, err := os.Open(q.read)
	if err != nil {
		return fmt.Errorf("quickaction: open %s: %w", q.read, err)
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("quickaction: create %s: %w", dstPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("quickaction: copy %s: %w", q.read, err)
	}
	return nil
}

func (q QuickAction) runExec(ctx context.Context, dstPath string) error {
	if len(q.argv) == 0 {
		return fmt.Errorf("quickaction: empty argv for %s", q.OutputFile)
	}

	cmd := exec.CommandContext(ctx, q.argv[0], q.argv[1:]...)
	out, err := cmd.Output()
	// Exit status is deliberately not propagated: a non-zero exit with no
	// stdout is simply "nothing to write", not a failure worth surfacing
	// beyond the caller's own logging of err.
	if len(out) == 0 {
		if err != nil {
			return fmt.Errorf("quickaction: exec %v: %w", q.argv, err)
		}
		return nil
	}

	if werr := os.WriteFile(dstPath, out, 0o644); werr != nil {
		return fmt.Errorf("quickaction: write %s: %w", dstPath, werr)
	}
	return nil
}

// Catalog maps quick-action names (as referenced from config) to their
// command spec. This is the default set from the diagnostic probe table;
// intervalSec parameterizes the dmesg/journalctl lookback window.
func Catalog(intervalSec int) map[string]QuickAction {
	since := fmt.Sprintf("%d seconds ago", intervalSec)
	return map[string]QuickAction{
		"dmesg":      ExecAction("dmesg", "journalctl", "-k", "--since", since),
		"journalctl": ExecAction("journalctl", "journalctl", "--since", since),
		"syslogs":    ExecAction("syslogs", "tail", "-n200", "/var/log/syslog"),
		"debugdata":  ReadAction("debugdata", "/proc/fs/cifs/DebugData"),
		"stats":      ReadAction("stats", "/proc/fs/cifs/Stats"),
		"mounts":     ReadAction("mounts", "/proc/mounts"),
		"smbinfo":    ExecAction("smbinfo", "smbinfo", "-h", "filebasicinfo"),
	}
}
