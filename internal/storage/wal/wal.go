package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加事件到日誌檔案（append-only, JSON lines）
// 2. 提供重放功能以恢復系統狀態
// 3. 支援日誌旋轉（快照後清空）
// 4. 確保寫入持久性與資料完整性
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

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         *os.File      // WAL 檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // WAL 檔案路徑
	seq          uint64        // 當前事件序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案（包含父目錄），seq 從 0 開始
- 如果檔案已存在，截掉不完整的尾行，讀取最後一個事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}
	if err := truncateTornTail(path); err != nil {
		return nil, fmt.Errorf("wal: repair tail: %w", err)
	}

	var seq uint64
	lastEvent, err := GetLastEvent(path)
	switch {
	case err == nil:
		seq = lastEvent.Seq
	case errors.Is(err, ErrEmptyWAL), errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	return &WAL{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,
	}, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq
// - payload 以 JSON 編碼並計算 checksum
// - 寫入檔案；syncOnAppend 或 forceSync 時同步到磁碟
//
// 回傳：
//
//	寫入事件的 seq，錯誤（如果寫入失敗）
func (w *WAL) Append(eventType EventType, payload any, forceSync bool) (uint64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("wal: encode payload: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}

	event := Event{
		Seq:       w.seq + 1,
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
		Payload:   body,
	}
	event.Checksum = CalculateChecksum(eventType, event.Seq, body)

	if err := w.encoder.Encode(event); err != nil {
		return 0, fmt.Errorf("wal: append seq=%d: %w", event.Seq, err)
	}
	w.seq = event.Seq

	if w.syncOnAppend || forceSync {
		if err := w.file.Sync(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrSyncFailed, err)
		}
	}
	return event.Seq, nil
}

// Replay 重放所有 WAL 事件
//
// 行為：
// - 從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum
// - 呼叫 handler 應用事件
// - 最後一行若不完整（寫入中途崩潰）則忽略
// - 其他錯誤立即停止
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	return readEvents(w.path, func(event Event) error {
		if err := VerifyChecksum(event); err != nil {
			return err
		}
		return handler(event)
	})
}

// Rotate 旋轉日誌檔案
//
// 呼叫者必須先把 WAL 內容持久化到快照。
// 舊檔案保留為 <path>.old（覆蓋上一份），seq 重新從 0 開始。
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	if err := os.Rename(w.path, w.path+".old"); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		w.closed = true
		return err
	}

	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.seq = 0
	return nil
}

// Close 關閉 WAL，關閉後的實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path 返回 WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}
