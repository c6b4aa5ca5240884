package detect

import "github.com/aod-project/aod/internal/ringbuf"

// EmergencyLatencyNs is the hard global threshold from spec: any single
// operation at or above this latency fires the latency kind regardless of
// acceptable_count.
const EmergencyLatencyNs = 1_000_000_000

// LatencyDetector fires when enough operations within a batch exceed their
// per-opcode latency threshold, or when any single operation crosses
// EmergencyLatencyNs.
type LatencyDetector struct {
	tool            uint8
	thresholds      []uint64 // ns, indexed by opcode; 0 means "never exceed"
	acceptableCount int
}

// NewLatencyDetector builds a dense per-opcode threshold table from
// thresholdsMs (opcode -> millisecond threshold). acceptableCount must be
// positive.
func NewLatencyDetector(tool uint8, thresholdsMs map[uint16]uint32, acceptableCount int) (*LatencyDetector, error) {
	if acceptableCount <= 0 {
		return nil, errAcceptableCount
	}

	maxOp := uint16(0)
	for op := range thresholdsMs {
		if op > maxOp {
			maxOp = op
		}
	}

	table := make([]uint64, int(maxOp)+1)
	for op, ms := range thresholdsMs {
		table[op] = uint64(ms) * 1_000_000
	}

	return &LatencyDetector{
		tool:            tool,
		thresholds:      table,
		acceptableCount: acceptableCount,
	}, nil
}

func (d *LatencyDetector) Kind() Kind  { return KindLatency }
func (d *LatencyDetector) Tool() uint8 { return d.tool }

// Fire implements the three-step algorithm from spec §4.2: build the
// threshold table once (done in NewLatencyDetector), then per batch count
// violations and track the max latency seen, firing if either crosses its
// bar.
func (d *LatencyDetector) Fire(events []ringbuf.Event) bool {
	violations := 0
	var maxLatency uint64

	for i := range events {
		latency := events[i].LatencyNs()
		if latency > maxLatency {
			maxLatency = latency
		}

		threshold := d.thresholdFor(events[i].SMBCommand)
		if threshold != 0 && latency >= threshold {
			violations++
		}
	}

	if maxLatency >= EmergencyLatencyNs {
		return true
	}
	return violations >= d.acceptableCount
}

func (d *LatencyDetector) thresholdFor(opcode uint16) uint64 {
	if int(opcode) >= len(d.thresholds) {
		return 0
	}
	return d.thresholds[opcode]
}
