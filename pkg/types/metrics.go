package types

import (
	"encoding/json"
	"fmt"
)

// PipelineMetrics is a point-in-time report of a running pipeline: the CPU
// it consumes and the throughput it achieves. It carries no identity.
type PipelineMetrics struct {
	CPULoad            CPUCapacity
	ThroughputMBPerSec uint16
}

func (m PipelineMetrics) String() string {
	return fmt.Sprintf("%s,%dMB/s", m.CPULoad, m.ThroughputMBPerSec)
}

type pipelineMetricsJSON struct {
	CPUMillis          uint32 `json:"cpu_millis"`
	ThroughputMBPerSec uint16 `json:"throughput_mb_per_sec"`
	Display            string `json:"display,omitempty"`
}

// MarshalJSON emits numeric fields plus the display string used by
// monitoring surfaces.
func (m PipelineMetrics) MarshalJSON() ([]byte, error) {
	return json.Marshal(pipelineMetricsJSON{
		CPUMillis:          m.CPULoad.CPUMillis(),
		ThroughputMBPerSec: m.ThroughputMBPerSec,
		Display:            m.String(),
	})
}

// UnmarshalJSON reads the numeric fields; the display string is derived and
// ignored.
func (m *PipelineMetrics) UnmarshalJSON(data []byte) error {
	var raw pipelineMetricsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.CPULoad = FromCPUMillis(raw.CPUMillis)
	m.ThroughputMBPerSec = raw.ThroughputMBPerSec
	return nil
}
