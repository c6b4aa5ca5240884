// Package ringbuf implements the lock-free single-producer/single-consumer
// shared-memory ring that carries SMB/CIFS operation events from kernel
// probes into the daemon, and the parser that turns drained bytes into a
// typed event batch.
//
// The wire format is fixed at compile time and must match the producer
// bit-for-bit (see Event). The ring itself never interprets record
// contents; it moves opaque bytes. Only Parse reinterprets them.
package ringbuf

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Byte offsets of each field within one on-wire record, following the
// natural-alignment C-ABI layout described in the record comment below.
// Never change without a coordinated producer update.
const (
	offPID          = 0
	offEndTimeNs    = 8
	offSessionID    = 16
	offMID          = 24
	offSMBCommand   = 32
	offMetric       = 40
	offTool         = 48
	offIsCompounded = 49
	offTask         = 50
	taskLen         = 16

	// RecordSize is the on-wire size in bytes of one Event record, including
	// trailing alignment padding, matching what the kernel probes emit.
	RecordSize = 72
)

// Event mirrors the fixed-layout record written by kernel probes for one
// completed SMB/CIFS operation.
//
// On-wire layout (little-endian, 72 bytes total, natural C alignment):
//
//	offset  0: pid            int32   4 B
//	offset  4: (padding)              4 B
//	offset  8: end_time_ns    uint64  8 B
//	offset 16: session_id     uint64  8 B
//	offset 24: mid            uint64  8 B
//	offset 32: smbcommand     uint16  2 B
//	offset 34: (padding)              6 B
//	offset 40: metric         int64   8 B — union: latency_ns or signed retval
//	offset 48: tool           uint8   1 B
//	offset 49: is_compounded  uint8   1 B
//	offset 50: task           [16]B  16 B — NUL-padded short process name
//	offset 66: (trailing padding)     6 B
//
// Event is decoded field-by-field at fixed offsets (see decodeEvent) rather
// than via reflection over a padded Go struct, so the wire layout is exact
// regardless of Go's own struct-layout rules.
type Event struct {
	PID          int32
	EndTimeNs    uint64
	SessionID    uint64
	MID          uint64
	SMBCommand   uint16
	Metric       int64
	Tool         uint8
	IsCompounded bool
	Task         [taskLen]byte
}

// LatencyNs interprets Metric as the unsigned completion latency in
// nanoseconds. Callers must only use this for kinds whose detector treats
// Metric as a latency (see detect.Kind).
func (e *Event) LatencyNs() uint64 {
	if e.Metric < 0 {
		return 0
	}
	return uint64(e.Metric)
}

// Retval interprets Metric as the signed return code of the operation.
func (e *Event) Retval() int32 {
	return int32(e.Metric)
}

// TaskName returns the NUL-terminated short process name.
func (e *Event) TaskName() string {
	if i := bytes.IndexByte(e.Task[:], 0); i >= 0 {
		return string(e.Task[:i])
	}
	return string(e.Task[:])
}

// decodeEvent decodes one RecordSize-byte record at fixed offsets.
func decodeEvent(raw []byte) (Event, error) {
	if len(raw) < RecordSize {
		return Event{}, fmt.Errorf("ringbuf: short record: got %d bytes, want %d", len(raw), RecordSize)
	}

	var e Event
	e.PID = int32(binary.LittleEndian.Uint32(raw[offPID:]))
	e.EndTimeNs = binary.LittleEndian.Uint64(raw[offEndTimeNs:])
	e.SessionID = binary.LittleEndian.Uint64(raw[offSessionID:])
	e.MID = binary.LittleEndian.Uint64(raw[offMID:])
	e.SMBCommand = binary.LittleEndian.Uint16(raw[offSMBCommand:])
	e.Metric = int64(binary.LittleEndian.Uint64(raw[offMetric:]))
	e.Tool = raw[offTool]
	e.IsCompounded = raw[offIsCompounded] != 0
	copy(e.Task[:], raw[offTask:offTask+taskLen])
	return e, nil
}

// Encode is the inverse of the wire decode performed by Parse: it renders e
// as one RecordSize-byte record. Real kernel probes write this layout
// directly from C; Encode exists so Go-side tests can fabricate producer
// writes via Producer without duplicating the offset table.
func Encode(e Event) []byte {
	buf := make([]byte, RecordSize)
	binary.LittleEndian.PutUint32(buf[offPID:], uint32(e.PID))
	binary.LittleEndian.PutUint64(buf[offEndTimeNs:], e.EndTimeNs)
	binary.LittleEndian.PutUint64(buf[offSessionID:], e.SessionID)
	binary.LittleEndian.PutUint64(buf[offMID:], e.MID)
	binary.LittleEndian.PutUint16(buf[offSMBCommand:], e.SMBCommand)
	binary.LittleEndian.PutUint64(buf[offMetric:], uint64(e.Metric))
	buf[offTool] = e.Tool
	if e.IsCompounded {
		buf[offIsCompounded] = 1
	}
	copy(buf[offTask:offTask+taskLen], e.Task[:])
	return buf
}

// Batch is a contiguous typed sequence of Events produced by Parse. Its
// lifetime is bounded by the analyzer's single processing pass over it: it
// is not restartable and must not be retained past that pass.
type Batch struct {
	Events []Event
}

// Empty reports whether the batch carries zero records.
func (b Batch) Empty() bool {
	return len(b.Events) == 0
}

// Parse reinterprets raw as a contiguous sequence of RecordSize-byte
// records. It returns the whole records decoded, plus the count of
// trailing bytes that did not form a complete record (possible when Drain
// raced a producer wrap in flight). Callers must feed that count to
// Ring.Rewind so the bytes are not lost.
func Parse(raw []byte) (Batch, int, error) {
	n := len(raw) / RecordSize
	leftover := len(raw) % RecordSize

	if n == 0 {
		return Batch{}, leftover, nil
	}

	events := make([]Event, n)
	for i := 0; i < n; i++ {
		ev, err := decodeEvent(raw[i*RecordSize : (i+1)*RecordSize])
		if err != nil {
			return Batch{}, leftover, fmt.Errorf("ringbuf: decode record %d: %w", i, err)
		}
		events[i] = ev
	}

	return Batch{Events: events}, leftover, nil
}
