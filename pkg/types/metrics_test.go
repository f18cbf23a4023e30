package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineMetricsDisplay(t *testing.T) {
	metrics := PipelineMetrics{CPULoad: MCPU(2500), ThroughputMBPerSec: 12}
	assert.Equal(t, "2500m,12MB/s", metrics.String())
}

func TestPipelineMetricsJSON(t *testing.T) {
	metrics := PipelineMetrics{CPULoad: MCPU(1200), ThroughputMBPerSec: 40}

	encoded, err := json.Marshal(metrics)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cpu_millis":1200,"throughput_mb_per_sec":40,"display":"1200m,40MB/s"}`, string(encoded))

	var decoded PipelineMetrics
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, metrics, decoded)
}
