package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// GetLastEvent 從 WAL 檔案讀取最後一個完整事件
//
// 回傳：
//
//	最後一個事件，錯誤（如果檔案為空則回傳 ErrEmptyWAL）
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := readEvents(path, func(event Event) error {
		last = &event
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中的事件總數
func CountEvents(path string) (int, error) {
	count := 0
	err := readEvents(path, func(Event) error {
		count++
		return nil
	})
	return count, err
}

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
//	[seq:1] POSITIONS_UPDATE {"source_uid":...} (checksum:0x12345678)
func DumpWAL(path string, w io.Writer) error {
	return readEvents(path, func(event Event) error {
		mark := ""
		if VerifyChecksum(event) != nil {
			mark = " CORRUPTED"
		}
		_, err := fmt.Fprintf(w, "[seq:%d] %s %s (checksum:0x%08x)%s\n",
			event.Seq, event.Type, event.Payload, event.Checksum, mark)
		return err
	})
}

// readEvents 逐行解析 WAL 檔案
//
// 只有最後一行允許不完整（寫入中途崩潰），會被忽略。
// 中間行損壞回傳 *CorruptionError。
func readEvents(path string, fn func(Event) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	line := 0
	for {
		raw, readErr := reader.ReadBytes('\n')
		if len(raw) > 0 {
			line++
			complete := raw[len(raw)-1] == '\n'
			raw = bytes.TrimSpace(raw)
			if len(raw) > 0 {
				var event Event
				if err := json.Unmarshal(raw, &event); err != nil {
					if !complete {
						return nil // 不完整的尾行
					}
					return &CorruptionError{Path: path, Line: line, Cause: err}
				}
				if err := fn(event); err != nil {
					return err
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}
	}
}

// truncateTornTail 移除檔尾不完整的一行，避免後續追加接在殘缺記錄後面
func truncateTornTail(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	end := bytes.LastIndexByte(data, '\n') + 1
	if end == len(data) {
		return nil
	}
	return os.Truncate(path, int64(end))
}

// ReplayFile 以唯讀方式重放 WAL 檔案，驗證 checksum
// 檔案不存在時不呼叫 handler，直接回傳 nil
func ReplayFile(path string, handler EventHandler) error {
	err := readEvents(path, func(event Event) error {
		if err := VerifyChecksum(event); err != nil {
			return err
		}
		return handler(event)
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
