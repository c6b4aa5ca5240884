// Package janitor implements the disk-space reclaimer that bounds the
// archive directory's usage by age and total size.
package janitor

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Config configures a Janitor.
type Config struct {
	ArchiveRoot    string
	Interval       time.Duration
	MaxAgeDays     int
	MaxTotalSizeMB int64
	Logger         *slog.Logger
	// OnReclaim, if set, is called with the byte size of each archive the
	// janitor deletes, for a caller that wants a running reclaimed-bytes
	// total (e.g. the diagnostics surface). Never called concurrently.
	OnReclaim func(bytes int64)
}

// Janitor periodically sweeps the batches directory under ArchiveRoot,
// enforcing a dual age/size retention policy over completed `*.tar.zst`
// archive files. In-flight batch directories are never touched.
type Janitor struct {
	batchesDir     string
	maxAgeDays     int
	maxTotalBytes  int64
	interval       time.Duration
	logger         *slog.Logger
	lastAgeCleanup time.Time
	onReclaim      func(bytes int64)
}

// New builds a Janitor from cfg.
func New(cfg Config) *Janitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	onReclaim := cfg.OnReclaim
	if onReclaim == nil {
		onReclaim = func(int64) {}
	}
	return &Janitor{
		batchesDir:    filepath.Join(cfg.ArchiveRoot, "batches"),
		maxAgeDays:    cfg.MaxAgeDays,
		maxTotalBytes: cfg.MaxTotalSizeMB * 1024 * 1024,
		interval:      cfg.Interval,
		logger:        logger,
		onReclaim:     onReclaim,
	}
}

// Run ticks every Interval, running a size check on every tick and an age
// check whenever MaxAgeDays have elapsed since the last one, until stop is
// closed.
func (j *Janitor) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			j.Tick(time.Now())
		}
	}
}

// Tick runs one sweep: a size check, and an age check if due. now is
// injected so tests can control the clock.
func (j *Janitor) Tick(now time.Time) {
	archives, err := j.listArchives()
	if err != nil {
		j.logger.Warn("janitor: failed to list archives", slog.Any("err", err))
		return
	}

	archives = j.cleanupBySize(archives)

	if j.lastAgeCleanup.IsZero() || now.Sub(j.lastAgeCleanup) >= time.Duration(j.maxAgeDays)*24*time.Hour {
		j.cleanupByAge(archives, now)
		j.lastAgeCleanup = now
	}
}

// archiveEntry is one completed archive file as seen by the janitor.
type archiveEntry struct {
	path  string
	size  int64
	mtime time.Time
}

// listArchives returns every *.tar.zst file directly under the batches
// directory, ordered oldest-first by mtime with a lexicographic tie-break.
// A missing batches directory is not an error: it simply yields no entries.
func (j *Janitor) listArchives() ([]archiveEntry, error) {
	entries, err := os.ReadDir(j.batchesDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var archives []archiveEntry
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".tar.zst") {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			j.logger.Warn("janitor: stat failed", slog.String("path", ent.Name()), slog.Any("err", err))
			continue
		}
		archives = append(archives, archiveEntry{
			path:  filepath.Join(j.batchesDir, ent.Name()),
			size:  info.Size(),
			mtime: info.ModTime(),
		})
	}

	sort.Slice(archives, func(i, k int) bool {
		if !archives[i].mtime.Equal(archives[k].mtime) {
			return archives[i].mtime.Before(archives[k].mtime)
		}
		return archives[i].path < archives[k].path
	})
	return archives, nil
}

// cleanupBySize deletes oldest-first until the remaining total is at most
// 50% of the configured maximum, but only if the current total exceeds 90%
// of it. Returns the surviving entries.
func (j *Janitor) cleanupBySize(archives []archiveEntry) []archiveEntry {
	if j.maxTotalBytes <= 0 {
		return archives
	}

	var total int64
	for _, a := range archives {
		total += a.size
	}

	highWater := j.maxTotalBytes * 90 / 100
	if total <= highWater {
		return archives
	}

	lowWater := j.maxTotalBytes * 50 / 100
	var kept []archiveEntry
	i := 0
	for total > lowWater && i < len(archives) {
		if err := os.Remove(archives[i].path); err != nil {
			j.logger.Warn("janitor: failed to remove archive during size sweep",
				slog.String("path", archives[i].path), slog.Any("err", err))
			kept = append(kept, archives[i])
			i++
			continue
		}
		total -= archives[i].size
		j.onReclaim(archives[i].size)
		i++
	}
	return append(kept, archives[i:]...)
}

// cleanupByAge deletes every archive older than maxAgeDays.
func (j *Janitor) cleanupByAge(archives []archiveEntry, now time.Time) {
	maxAge := time.Duration(j.maxAgeDays) * 24 * time.Hour
	for _, a := range archives {
		if now.Sub(a.mtime) <= maxAge {
			continue
		}
		if err := os.Remove(a.path); err != nil {
			j.logger.Warn("janitor: failed to remove aged-out archive",
				slog.String("path", a.path), slog.Any("err", err))
			continue
		}
		j.onReclaim(a.size)
	}
}
