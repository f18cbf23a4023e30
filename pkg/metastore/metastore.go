// Package metastore describes the source-of-truth for indexes and sources
// as seen by the control plane, and ships a YAML file backed catalogue.
package metastore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/indexplane/pkg/types"
)

// SourceConfig describes a source the control plane must schedule.
type SourceConfig struct {
	IndexUID     types.IndexUID    `yaml:"index_uid"`
	SourceID     types.SourceID    `yaml:"source_id"`
	SourceType   string            `yaml:"source_type"`
	Enabled      *bool             `yaml:"enabled,omitempty"`
	NumPipelines int               `yaml:"num_pipelines"`
	ShardIDs     []types.ShardID   `yaml:"shards,omitempty"`
	Params       map[string]any    `yaml:"params,omitempty"`
	Load         types.CPUCapacity `yaml:"cpu_per_pipeline,omitempty"`
}

// SourceUID returns the (index, source) pair.
func (c SourceConfig) SourceUID() types.SourceUID {
	return types.SourceUID{IndexUID: c.IndexUID, SourceID: c.SourceID}
}

// IsEnabled reports whether the source should be scheduled. Sources are
// enabled unless stated otherwise.
func (c SourceConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Metastore is the subset of the metastore API the control plane consumes.
// Implementations return *Error values.
type Metastore interface {
	// ListIndexingSources returns every enabled source, sorted by index and
	// source id.
	ListIndexingSources(ctx context.Context) ([]SourceConfig, error)
	// GetSource returns one source, enabled or not.
	GetSource(ctx context.Context, source types.SourceUID) (SourceConfig, error)
}

type catalogue struct {
	Sources []SourceConfig `yaml:"sources"`
}

// FileMetastore reads the source catalogue from a YAML file. The file is
// read again on every call so edits are picked up by the next scheduling
// round.
type FileMetastore struct {
	path string
	mu   sync.Mutex
}

// NewFileMetastore returns a metastore backed by path.
func NewFileMetastore(path string) *FileMetastore {
	return &FileMetastore{path: path}
}

func (m *FileMetastore) load() ([]SourceConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, NewError(KindUnavailable, "source catalogue %s does not exist", m.path)
		}
		return nil, NewError(KindInternal, "failed to read source catalogue: %v", err)
	}

	var cat catalogue
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, NewError(KindInternal, "failed to parse source catalogue: %v", err)
	}

	seen := make(map[types.SourceUID]struct{}, len(cat.Sources))
	for i := range cat.Sources {
		source := &cat.Sources[i]
		if source.IndexUID == "" || source.SourceID == "" {
			return nil, NewError(KindInvalidArgument, "source #%d: index_uid and source_id are required", i)
		}
		if _, dup := seen[source.SourceUID()]; dup {
			return nil, NewError(KindAlreadyExists, "source %s is declared twice", source.SourceUID())
		}
		seen[source.SourceUID()] = struct{}{}
		if source.NumPipelines <= 0 {
			source.NumPipelines = 1
		}
		if source.SourceType == "" {
			source.SourceType = "synthetic"
		}
	}
	return cat.Sources, nil
}

// ListIndexingSources implements Metastore.
func (m *FileMetastore) ListIndexingSources(ctx context.Context) ([]SourceConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewError(KindTimeout, "list sources: %v", err)
	}
	sources, err := m.load()
	if err != nil {
		return nil, err
	}

	enabled := make([]SourceConfig, 0, len(sources))
	for _, source := range sources {
		if source.IsEnabled() {
			enabled = append(enabled, source)
		}
	}
	sort.Slice(enabled, func(i, j int) bool {
		if enabled[i].IndexUID != enabled[j].IndexUID {
			return enabled[i].IndexUID < enabled[j].IndexUID
		}
		return enabled[i].SourceID < enabled[j].SourceID
	})
	return enabled, nil
}

// GetSource implements Metastore.
func (m *FileMetastore) GetSource(ctx context.Context, source types.SourceUID) (SourceConfig, error) {
	if err := ctx.Err(); err != nil {
		return SourceConfig{}, NewError(KindTimeout, "get source: %v", err)
	}
	sources, err := m.load()
	if err != nil {
		return SourceConfig{}, err
	}
	for _, candidate := range sources {
		if candidate.SourceUID() == source {
			return candidate, nil
		}
	}
	return SourceConfig{}, NewError(KindNotFound, "source %s", source)
}

// Path returns the catalogue file path.
func (m *FileMetastore) Path() string {
	return m.path
}

var _ Metastore = (*FileMetastore)(nil)

// String is used in logs.
func (m *FileMetastore) String() string {
	return fmt.Sprintf("file metastore (%s)", m.path)
}
