// Package alertlog provides a tamper-evident, append-only log of anomaly
// actions and their collection outcomes. Entries are SHA-256 hash-chained,
// adapted from the same chaining scheme the supervisor's predecessor used
// for tripwire alerts, applied here to the anomaly-action stream instead of
// raw events.
//
// # Hash chain
//
// The event_hash for entry N is computed as:
//
//	SHA-256( JSON({seq, ts, kind, timestamp_ns, quick_actions, outcome, prev_hash}) )
//
// The genesis entry (seq=1) uses a prev_hash of 64 ASCII zero characters.
//
// # Append semantics
//
// Each entry is one JSON line. The file is opened with
// os.O_APPEND | os.O_CREATE | os.O_WRONLY so each write is a single atomic
// POSIX append, and entries stay small enough to satisfy PIPE_BUF.
package alertlog

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aod-project/aod/internal/detect"
)

// GenesisHash is the all-zero SHA-256 hex digest used as the prev_hash of
// the first entry in the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// entry is the wire format for one alert log line.
type entry struct {
	Seq          int64     `json:"seq"`
	Timestamp    time.Time `json:"ts"`
	Kind         string    `json:"kind"`
	TimestampNs  int64     `json:"timestamp_ns"`
	QuickActions []string  `json:"quick_actions"`
	Outcome      string    `json:"outcome"`
	PrevHash     string    `json:"prev_hash"`
	EventHash    string    `json:"event_hash"`
}

// entryContent is the subset of entry fields hashed to produce EventHash.
type entryContent struct {
	Seq          int64     `json:"seq"`
	Timestamp    time.Time `json:"ts"`
	Kind         string    `json:"kind"`
	TimestampNs  int64     `json:"timestamp_ns"`
	QuickActions []string  `json:"quick_actions"`
	Outcome      string    `json:"outcome"`
	PrevHash     string    `json:"prev_hash"`
}

// Logger is a tamper-evident, append-only alert log writer. Create one with
// Open; do not copy after first use. Logger implements
// collector.AlertRecorder.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
}

// Open opens (or creates) the log file at path. If it already contains
// entries, Open replays them to restore the chain's sequence number and
// prev_hash, verifying the chain as it goes.
func Open(path string) (*Logger, error) {
	prevHash := GenesisHash
	seq := int64(0)

	if _, err := os.Stat(path); err == nil {
		entries, err := Verify(path)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			last := entries[len(entries)-1]
			prevHash = last.EventHash
			seq = last.Seq
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("alertlog: open for appending %q: %w", path, err)
	}

	return &Logger{file: f, prevHash: prevHash, seq: seq}, nil
}

// RecordOutcome appends a new chained entry describing one completed
// anomaly action. It implements collector.AlertRecorder.
func (l *Logger) RecordOutcome(kind detect.Kind, timestampNs int64, quickActions []string, outcome string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.seq + 1
	ts := time.Now().UTC()
	prevHash := l.prevHash

	content := entryContent{
		Seq:          seq,
		Timestamp:    ts,
		Kind:         string(kind),
		TimestampNs:  timestampNs,
		QuickActions: quickActions,
		Outcome:      outcome,
		PrevHash:     prevHash,
	}
	eventHash := hashContent(content)

	e := entry{
		Seq:          seq,
		Timestamp:    ts,
		Kind:         string(kind),
		TimestampNs:  timestampNs,
		QuickActions: quickActions,
		Outcome:      outcome,
		PrevHash:     prevHash,
		EventHash:    eventHash,
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("alertlog: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("alertlog: write entry: %w", err)
	}

	l.seq = seq
	l.prevHash = eventHash
	return nil
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("alertlog: sync: %w", err)
	}
	return l.file.Close()
}

// Entry is the public representation of one alert log entry, returned by
// Verify.
type Entry struct {
	Seq          int64     `json:"seq"`
	Timestamp    time.Time `json:"ts"`
	Kind         string    `json:"kind"`
	TimestampNs  int64     `json:"timestamp_ns"`
	QuickActions []string  `json:"quick_actions"`
	Outcome      string    `json:"outcome"`
	PrevHash     string    `json:"prev_hash"`
	EventHash    string    `json:"event_hash"`
}

// Verify reads the log file at path and checks the full hash chain,
// returning the ordered entries or the first chain error found. A missing
// or empty file is valid and returns an empty slice.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("alertlog: verify open %q: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	prevHash := GenesisHash
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("alertlog: malformed entry: %w", err)
		}

		if e.PrevHash != prevHash {
			return nil, fmt.Errorf("alertlog: chain break at seq %d: expected prev_hash %q, got %q",
				e.Seq, prevHash, e.PrevHash)
		}

		computed := hashContent(entryContent{
			Seq:          e.Seq,
			Timestamp:    e.Timestamp,
			Kind:         e.Kind,
			TimestampNs:  e.TimestampNs,
			QuickActions: e.QuickActions,
			Outcome:      e.Outcome,
			PrevHash:     e.PrevHash,
		})
		if computed != e.EventHash {
			return nil, fmt.Errorf("alertlog: hash mismatch at seq %d: stored %q, computed %q",
				e.Seq, e.EventHash, computed)
		}

		entries = append(entries, Entry{
			Seq:          e.Seq,
			Timestamp:    e.Timestamp,
			Kind:         e.Kind,
			TimestampNs:  e.TimestampNs,
			QuickActions: e.QuickActions,
			Outcome:      e.Outcome,
			PrevHash:     e.PrevHash,
			EventHash:    e.EventHash,
		})
		prevHash = e.EventHash
	}

	return entries, scanner.Err()
}

func hashContent(c entryContent) string {
	raw, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("alertlog: marshal entryContent: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
