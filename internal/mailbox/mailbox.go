// ============================================================================
// Indexplane Mailbox - 單 goroutine Actor 信箱
// ============================================================================
//
// Package: internal/mailbox
// 文件: mailbox.go
// 功能: 讓一個狀態物件只在單一 goroutine 中被修改，外部透過 Ask 送訊息
//
// 架構組件:
//   ┌─────────────┐
//   │   Caller    │ --Ask(ctx, msg)--> inbox (有界)
//   └─────────────┘                      │
//          ↑                             ↓
//       replyCh  <──────────────  loop goroutine
//                                  handler(ctx, msg)
//
// 生命週期:
//   1. New() - 建立信箱，初始化 channels
//   2. Start() - 啟動處理 goroutine
//   3. Ask() - 投遞訊息並等待回覆
//   4. Stop() - 停止處理，尚未處理的訊息回覆 MessageNotDelivered
//
// 錯誤分類 (AskError.Kind):
//   - MessageNotDelivered: 信箱未啟動、已停止或 inbox 已滿
//   - ProcessMessageError: handler panic (已 recover)
//   - ErrorReply: handler 回傳的錯誤，原樣放在 Reply
//
// 注意:
//   inbox 永遠不會被 close，停止訊號只走 stopCh，
//   所以 Ask 與 Stop 併發時不會對已關閉的 channel 發送。
//
// ============================================================================

package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ============================================================================
// 錯誤定義
// ============================================================================

// AskErrorKind 描述 Ask 失敗的原因
type AskErrorKind int

const (
	// ErrorReply: handler 處理了訊息並回傳錯誤
	ErrorReply AskErrorKind = iota
	// MessageNotDelivered: 訊息沒有送達 handler
	MessageNotDelivered
	// ProcessMessageError: handler 在處理訊息時 panic
	ProcessMessageError
)

func (k AskErrorKind) String() string {
	switch k {
	case ErrorReply:
		return "error reply"
	case MessageNotDelivered:
		return "message not delivered"
	case ProcessMessageError:
		return "process message error"
	default:
		return fmt.Sprintf("ask error kind(%d)", int(k))
	}
}

// AskError 是 Ask 唯一會回傳的錯誤型別（context 取消除外）
type AskError struct {
	Kind  AskErrorKind
	Reply error // ErrorReply 時為 handler 的錯誤；ProcessMessageError 時為 panic 內容
}

func (e *AskError) Error() string {
	if e.Reply == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Reply)
}

func (e *AskError) Unwrap() error {
	return e.Reply
}

var (
	// ErrAlreadyStarted 表示 Start 被重複呼叫
	ErrAlreadyStarted = errors.New("mailbox already started")
	// ErrStopped 表示信箱已停止
	ErrStopped = errors.New("mailbox stopped")
	// ErrInboxFull 表示 inbox 已滿
	ErrInboxFull = errors.New("mailbox inbox is full")
	// ErrNotStarted 表示信箱尚未啟動
	ErrNotStarted = errors.New("mailbox not started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Handler 在信箱的 goroutine 中處理一則訊息
type Handler[M, R any] func(ctx context.Context, msg M) (R, error)

type reply[R any] struct {
	value R
	err   error
}

type envelope[M, R any] struct {
	ctx     context.Context
	msg     M
	replyCh chan reply[R]
}

// Mailbox 將 handler 序列化在單一 goroutine 中執行
type Mailbox[M, R any] struct {
	name    string
	handler Handler[M, R]
	inbox   chan envelope[M, R] // 有界 inbox
	stopCh  chan struct{}       // 停止訊號
	doneCh  chan struct{}       // loop 結束訊號
	started bool
	stopped bool
	mu      sync.Mutex
	log     *slog.Logger
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立信箱
// 參數：
//   - name: 用於日誌
//   - capacity: inbox 容量，小於 1 時視為 1
//   - handler: 訊息處理函式
func New[M, R any](name string, capacity int, handler Handler[M, R]) *Mailbox[M, R] {
	if capacity < 1 {
		capacity = 1
	}
	return &Mailbox[M, R]{
		name:    name,
		handler: handler,
		inbox:   make(chan envelope[M, R], capacity),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		log:     slog.With("component", "mailbox", "mailbox", name),
	}
}

// Name 返回信箱名稱
func (m *Mailbox[M, R]) Name() string {
	return m.name
}

// Start 啟動處理 goroutine
func (m *Mailbox[M, R]) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrStopped
	}
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true
	go m.loop()
	return nil
}

// Ask 投遞訊息並等待 handler 的回覆
//
// 返回值：
//   - *AskError: 訊息未送達、handler panic 或 handler 回傳錯誤
//   - ctx.Err(): 等待回覆時 context 結束
func (m *Mailbox[M, R]) Ask(ctx context.Context, msg M) (R, error) {
	var zero R

	m.mu.Lock()
	switch {
	case !m.started:
		m.mu.Unlock()
		return zero, &AskError{Kind: MessageNotDelivered, Reply: ErrNotStarted}
	case m.stopped:
		m.mu.Unlock()
		return zero, &AskError{Kind: MessageNotDelivered, Reply: ErrStopped}
	}
	m.mu.Unlock()

	env := envelope[M, R]{ctx: ctx, msg: msg, replyCh: make(chan reply[R], 1)}
	select {
	case m.inbox <- env:
	case <-m.stopCh:
		return zero, &AskError{Kind: MessageNotDelivered, Reply: ErrStopped}
	default:
		return zero, &AskError{Kind: MessageNotDelivered, Reply: ErrInboxFull}
	}

	select {
	case r := <-env.replyCh:
		return r.value, r.err
	case <-m.doneCh:
		// 訊息可能在 loop 結束後才進入 inbox
		select {
		case r := <-env.replyCh:
			return r.value, r.err
		default:
			return zero, &AskError{Kind: MessageNotDelivered, Reply: ErrStopped}
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Stop 停止信箱並等待 loop 結束
// 正在處理的訊息會處理完，還在 inbox 中的訊息回覆 MessageNotDelivered
func (m *Mailbox[M, R]) Stop() {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.stopped = true
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

// IsRunning 檢查信箱是否在處理訊息
func (m *Mailbox[M, R]) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started && !m.stopped
}

// ============================================================================
// 內部實作
// ============================================================================

func (m *Mailbox[M, R]) loop() {
	defer close(m.doneCh)

	for {
		select {
		case <-m.stopCh:
			m.drain()
			return
		case env := <-m.inbox:
			env.replyCh <- m.process(env)
		}
	}
}

// drain 回覆所有尚未處理的訊息
func (m *Mailbox[M, R]) drain() {
	for {
		select {
		case env := <-m.inbox:
			env.replyCh <- reply[R]{err: &AskError{Kind: MessageNotDelivered, Reply: ErrStopped}}
		default:
			return
		}
	}
}

func (m *Mailbox[M, R]) process(env envelope[M, R]) (r reply[R]) {
	defer func() {
		if p := recover(); p != nil {
			m.log.Error("handler panicked", "panic", p)
			r = reply[R]{err: &AskError{Kind: ProcessMessageError, Reply: fmt.Errorf("panic: %v", p)}}
		}
	}()

	value, err := m.handler(env.ctx, env.msg)
	if err != nil {
		return reply[R]{value: value, err: &AskError{Kind: ErrorReply, Reply: err}}
	}
	return reply[R]{value: value}
}
