package scheduler

import (
	"github.com/ChuLiYu/indexplane/pkg/metastore"
	"github.com/ChuLiYu/indexplane/pkg/types"
)

// SourceSpec is a source as the scheduler sees it: how many pipelines it
// needs and how much CPU each of them is expected to use.
type SourceSpec struct {
	SourceUID    types.SourceUID
	SourceType   string
	NumPipelines int
	ShardIDs     []types.ShardID
	Params       map[string]any
	// Load is the expected CPU usage of one pipeline. Zero means unknown,
	// in which case PipelineFullCapacity is assumed.
	Load types.CPUCapacity
}

// NodeSpec is an indexer node available for placement.
type NodeSpec struct {
	NodeID   types.NodeID
	Capacity types.CPUCapacity
}

// EffectiveLoad returns the load used for placement.
func (s SourceSpec) EffectiveLoad() types.CPUCapacity {
	if s.Load == 0 {
		return types.PipelineFullCapacity
	}
	return s.Load
}

// SourcesFromConfigs converts metastore sources into scheduler specs.
func SourcesFromConfigs(configs []metastore.SourceConfig) []SourceSpec {
	specs := make([]SourceSpec, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.IsEnabled() {
			continue
		}
		specs = append(specs, SourceSpec{
			SourceUID:    cfg.SourceUID(),
			SourceType:   cfg.SourceType,
			NumPipelines: cfg.NumPipelines,
			ShardIDs:     cfg.ShardIDs,
			Params:       cfg.Params,
			Load:         cfg.Load,
		})
	}
	return specs
}

// EstimateLoads replaces the load of every source that has measurements
// with the average CPU load its pipelines reported. Sources without
// measurements keep their configured load.
func EstimateLoads(sources []SourceSpec, measured map[types.SourceUID][]types.PipelineMetrics) []SourceSpec {
	out := make([]SourceSpec, len(sources))
	for i, source := range sources {
		out[i] = source
		samples := measured[source.SourceUID]
		if len(samples) == 0 {
			continue
		}
		var total uint64
		for _, sample := range samples {
			total += uint64(sample.CPULoad.CPUMillis())
		}
		if avg := total / uint64(len(samples)); avg > 0 {
			out[i].Load = types.FromCPUMillis(uint32(avg))
		}
	}
	return out
}
