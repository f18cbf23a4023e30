package wal

// ============================================================================
// WAL 錯誤定義
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptedWAL 檔案中間有無法解析的記錄
	ErrCorruptedWAL = errors.New("wal: file is corrupted")
	// ErrChecksumMismatch 記錄內容與 checksum 不符
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")
	// ErrEmptyWAL 檔案沒有任何完整記錄
	ErrEmptyWAL = errors.New("wal: file is empty")
	// ErrWALClosed WAL 已關閉
	ErrWALClosed = errors.New("wal: already closed")
	// ErrSyncFailed fsync 失敗，已寫入的記錄不保證落盤
	ErrSyncFailed = errors.New("wal: sync to disk failed")
)

// ChecksumError 描述哪一筆記錄校驗失敗，errors.Is(err, ErrChecksumMismatch) 成立
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}

// CorruptionError 指出損壞記錄的位置，同時包裝 ErrCorruptedWAL 與解析錯誤
type CorruptionError struct {
	Path  string
	Line  int // 從 1 開始
	Cause error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted record at %s:%d: %v", e.Path, e.Line, e.Cause)
}

func (e *CorruptionError) Unwrap() []error {
	return []error{ErrCorruptedWAL, e.Cause}
}
