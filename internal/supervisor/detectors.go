package supervisor

import (
	"fmt"
	"strconv"

	"github.com/aod-project/aod/internal/config"
	"github.com/aod-project/aod/internal/detect"
)

// buildDetectors constructs one detect.Detector per configured anomaly,
// preserving configuration order (the analyzer's detector order is the
// evaluation order within a batch).
func buildDetectors(anomalies []config.Anomaly) ([]detect.Detector, error) {
	detectors := make([]detect.Detector, 0, len(anomalies))

	for i, a := range anomalies {
		var d detect.Detector
		var err error

		switch a.Kind {
		case "latency":
			d, err = detect.NewLatencyDetector(a.Tool, thresholdTable(a.ThresholdsMs), a.AcceptableCount)
		case "error":
			d, err = detect.NewErrorDetector(a.Tool, detect.Mode(a.Mode), a.TrackCodes, a.AcceptableCount)
		default:
			err = fmt.Errorf("unknown anomaly kind %q", a.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("supervisor: anomalies[%d]: %w", i, err)
		}
		detectors = append(detectors, d)
	}

	return detectors, nil
}

// thresholdTable converts a YAML-shaped string-keyed opcode threshold map
// (string keys are a consequence of YAML's mapping-key convention) into the
// uint16-keyed map detect.NewLatencyDetector expects. A key that does not
// parse as a uint16 is simply dropped; validate a config upstream of this
// call if that should instead be fatal.
func thresholdTable(raw map[string]uint32) map[uint16]uint32 {
	table := make(map[uint16]uint32, len(raw))
	for k, v := range raw {
		opcode, err := strconv.ParseUint(k, 10, 16)
		if err != nil {
			continue
		}
		table[uint16(opcode)] = v
	}
	return table
}

// quickActionsByKind groups each anomaly's quick-action names by the kind it
// configures. A kind with multiple configured anomalies (e.g. two "error"
// anomalies for different tools) has its quick-action names concatenated.
func quickActionsByKind(anomalies []config.Anomaly) map[detect.Kind][]string {
	byKind := make(map[detect.Kind][]string)
	for _, a := range anomalies {
		k := detect.Kind(a.Kind)
		byKind[k] = append(byKind[k], a.QuickActions...)
	}
	return byKind
}
