package snapshot

// ============================================================================
// 職責說明：
// 1. 將狀態序列化為帶版本資訊的 JSON 快照檔
// 2. 使用原子性寫入（temp file + fsync + rename）防止損壞
// 3. 載入時驗證 schema 版本與快照種類
// 4. 配合 WAL 實現快速恢復：載入快照後重放 WAL
//
// 使用者：
//   - positions.Service: 分片位置（kind = "shard_positions"）
//   - controller.Controller: 最後套用的實體計畫（kind = "physical_plan"）
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrKindMismatch        = errors.New("snapshot holds another kind of state")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// envelope 快照檔案的外層格式
type envelope[T any] struct {
	SchemaVer int       `json:"schema_version"`
	Kind      string    `json:"kind"`
	TakenAt   time.Time `json:"taken_at"`
	Data      T         `json:"data"`
}

// Manager 快照管理器，T 為快照內容的型別
type Manager[T any] struct {
	path string     // 快照檔案路徑
	kind string     // 快照種類，避免把別的狀態檔誤載入
	mu   sync.Mutex // 保護檔案操作
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立快照管理器實例
func NewManager[T any](path, kind string) *Manager[T] {
	return &Manager[T]{
		path: path,
		kind: kind,
	}
}

// Write 原子性寫入快照
//
// 使用原子性寫入流程：
// 1. 寫入臨時檔案（.tmp）並 fsync
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager[T]) Write(data T) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// 序列化為 JSON（帶縮排，方便人工閱讀與除錯）
	jsonBytes, err := json.MarshalIndent(envelope[T]{
		SchemaVer: SchemaVersion,
		Kind:      m.kind,
		TakenAt:   time.Now().UTC(),
		Data:      data,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	// 1. 寫入臨時檔案
	tmpPath := m.path + ".tmp"
	if err := writeSynced(tmpPath, jsonBytes); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}

	// 2. 原子性重新命名（關鍵步驟）
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	return nil
}

// Load 載入快照
//
// 行為：
//   - 如果檔案不存在，回傳零值與 found = false（首次啟動）
//   - 驗證 schema 版本與種類
//   - 偵測損壞的快照檔案
func (m *Manager[T]) Load() (data T, found bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return data, false, nil
		}
		return data, false, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var env envelope[T]
	if err := json.Unmarshal(jsonBytes, &env); err != nil {
		return data, false, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	// 驗證版本
	if env.SchemaVer != SchemaVersion {
		return data, false, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, env.SchemaVer, SchemaVersion)
	}
	if env.Kind != m.kind {
		return data, false, fmt.Errorf("%w: got %q, want %q", ErrKindMismatch, env.Kind, m.kind)
	}

	return env.Data, true, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager[T]) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑（用於測試與除錯）
func (m *Manager[T]) GetPath() string {
	return m.path
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
