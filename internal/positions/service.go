// Package positions keeps the last known position of every shard and makes
// it durable. Updates come from the event broker, are journaled to the WAL
// and applied last-write-wins per shard. The full view is periodically
// snapshotted, after which the WAL is rotated.
package positions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/indexplane/internal/eventbus"
	"github.com/ChuLiYu/indexplane/internal/snapshot"
	"github.com/ChuLiYu/indexplane/internal/storage/wal"
	"github.com/ChuLiYu/indexplane/pkg/types"
)

const snapshotKind = "shard_positions"

var log = slog.Default().With("component", "positions")

// Config configures persistence. Empty paths keep positions in memory only.
type Config struct {
	WALPath          string        `yaml:"wal_path"`
	SnapshotPath     string        `yaml:"snapshot_path"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	SyncOnAppend     bool          `yaml:"sync_on_append"`
}

// Recorder receives a notification for every applied update.
type Recorder interface {
	RecordPositionsUpdate(shards int)
}

// SourcePositions is the persisted form of one source's shard positions.
type SourcePositions struct {
	IndexUID types.IndexUID                   `json:"index_uid"`
	SourceID types.SourceID                   `json:"source_id"`
	Shards   map[types.ShardID]types.Position `json:"shards"`
}

type snapshotState struct {
	Sources []SourcePositions `json:"sources"`
}

// Service is the durable shard position store.
type Service struct {
	mu        sync.RWMutex
	positions map[types.SourceUID]map[types.ShardID]types.Position

	wal       *wal.WAL
	snapshots *snapshot.Manager[snapshotState]
	interval  time.Duration
	recorder  Recorder

	sub *eventbus.Subscription[types.ShardPositionsUpdate]
}

// Open loads the last snapshot, replays the WAL on top of it and returns a
// service ready to apply updates. recorder may be nil.
func Open(cfg Config, recorder Recorder) (*Service, error) {
	s := &Service{
		positions: make(map[types.SourceUID]map[types.ShardID]types.Position),
		interval:  cfg.SnapshotInterval,
		recorder:  recorder,
	}

	if cfg.SnapshotPath != "" {
		s.snapshots = snapshot.NewManager[snapshotState](cfg.SnapshotPath, snapshotKind)
		state, found, err := s.snapshots.Load()
		if err != nil {
			return nil, fmt.Errorf("load positions snapshot: %w", err)
		}
		if found {
			s.restore(state)
		}
	}

	if cfg.WALPath != "" {
		w, err := wal.NewWAL(cfg.WALPath, cfg.SyncOnAppend)
		if err != nil {
			return nil, fmt.Errorf("open positions wal: %w", err)
		}
		replayed := 0
		err = w.Replay(func(event wal.Event) error {
			if event.Type != wal.EventPositionsUpdate {
				return nil
			}
			var update types.ShardPositionsUpdate
			if err := event.Decode(&update); err != nil {
				return err
			}
			s.applyLocked(update)
			replayed++
			return nil
		})
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("replay positions wal: %w", err)
		}
		s.wal = w
		log.Info("positions recovered", "sources", len(s.positions), "replayed", replayed)
	}

	return s, nil
}

// ReadPersisted returns the positions stored under cfg without opening the
// WAL for writing.
func ReadPersisted(cfg Config) (map[types.SourceUID]map[types.ShardID]types.Position, error) {
	s := &Service{positions: make(map[types.SourceUID]map[types.ShardID]types.Position)}
	if cfg.SnapshotPath != "" {
		state, found, err := snapshot.NewManager[snapshotState](cfg.SnapshotPath, snapshotKind).Load()
		if err != nil {
			return nil, err
		}
		if found {
			s.restore(state)
		}
	}
	if cfg.WALPath != "" {
		err := wal.ReplayFile(cfg.WALPath, func(event wal.Event) error {
			var update types.ShardPositionsUpdate
			if err := event.Decode(&update); err != nil {
				return err
			}
			s.applyLocked(update)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return s.All(), nil
}

// Attach subscribes the service to broker. Updates are applied in the
// order the broker delivers them.
func (s *Service) Attach(broker *eventbus.Broker[types.ShardPositionsUpdate]) {
	s.sub = broker.Subscribe("positions", func(update types.ShardPositionsUpdate) {
		if err := s.Apply(update); err != nil {
			log.Error("failed to apply shard positions update", "source", update.SourceUID, "error", err)
		}
	})
}

// Apply journals update and merges it into the current view: listed shards
// take the new position, unlisted shards keep theirs.
func (s *Service) Apply(update types.ShardPositionsUpdate) error {
	if len(update.UpdatedShardPositions) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wal != nil {
		if _, err := s.wal.Append(wal.EventPositionsUpdate, update, false); err != nil {
			return err
		}
	}
	s.applyLocked(update)

	if s.recorder != nil {
		s.recorder.RecordPositionsUpdate(len(update.UpdatedShardPositions))
	}
	return nil
}

func (s *Service) applyLocked(update types.ShardPositionsUpdate) {
	shards, ok := s.positions[update.SourceUID]
	if !ok {
		shards = make(map[types.ShardID]types.Position, len(update.UpdatedShardPositions))
		s.positions[update.SourceUID] = shards
	}
	for _, sp := range update.UpdatedShardPositions {
		shards[sp.ShardID] = sp.Position
	}
}

func (s *Service) restore(state snapshotState) {
	for _, source := range state.Sources {
		uid := types.SourceUID{IndexUID: source.IndexUID, SourceID: source.SourceID}
		shards := make(map[types.ShardID]types.Position, len(source.Shards))
		for shard, position := range source.Shards {
			shards[shard] = position
		}
		s.positions[uid] = shards
	}
}

// Positions returns a copy of the positions of source's shards.
func (s *Service) Positions(source types.SourceUID) map[types.ShardID]types.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shards := s.positions[source]
	out := make(map[types.ShardID]types.Position, len(shards))
	for shard, position := range shards {
		out[shard] = position
	}
	return out
}

// All returns a copy of every known position.
func (s *Service) All() map[types.SourceUID]map[types.ShardID]types.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[types.SourceUID]map[types.ShardID]types.Position, len(s.positions))
	for source, shards := range s.positions {
		copied := make(map[types.ShardID]types.Position, len(shards))
		for shard, position := range shards {
			copied[shard] = position
		}
		out[source] = copied
	}
	return out
}

// Snapshot persists the full view and rotates the WAL. It is a no-op for an
// in-memory service.
func (s *Service) Snapshot() error {
	if s.snapshots == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.snapshots.Write(s.stateLocked()); err != nil {
		return err
	}
	if s.wal != nil {
		if err := s.wal.Rotate(); err != nil {
			return fmt.Errorf("rotate positions wal: %w", err)
		}
	}
	return nil
}

func (s *Service) stateLocked() snapshotState {
	state := snapshotState{Sources: make([]SourcePositions, 0, len(s.positions))}
	for source, shards := range s.positions {
		copied := make(map[types.ShardID]types.Position, len(shards))
		for shard, position := range shards {
			copied[shard] = position
		}
		state.Sources = append(state.Sources, SourcePositions{
			IndexUID: source.IndexUID,
			SourceID: source.SourceID,
			Shards:   copied,
		})
	}
	sort.Slice(state.Sources, func(i, j int) bool {
		a, b := state.Sources[i], state.Sources[j]
		if a.IndexUID != b.IndexUID {
			return a.IndexUID < b.IndexUID
		}
		return a.SourceID < b.SourceID
	})
	return state
}

// Run snapshots every SnapshotInterval until ctx is done, then takes a
// final snapshot.
func (s *Service) Run(ctx context.Context) {
	if s.snapshots == nil || s.interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Snapshot(); err != nil {
				log.Error("final positions snapshot failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := s.Snapshot(); err != nil {
				log.Error("positions snapshot failed", "error", err)
			}
		}
	}
}

// Close detaches the service from its broker and closes the WAL.
func (s *Service) Close() error {
	if s.sub != nil {
		s.sub.Cancel()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wal == nil {
		return nil
	}
	err := s.wal.Close()
	if errors.Is(err, wal.ErrWALClosed) {
		return nil
	}
	return err
}
