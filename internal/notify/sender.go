// Package notify は変更レコードの通知配信を提供する。
// Telegram送信、レート制限とリトライ付きの並列配信、通知文の整形、運用者向けアラートを含む。
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sender はメッセージ送信のインターフェース。
// replyToが指定された場合はそのメッセージへの返信として送信し、
// 成功時は送信したメッセージのID（次回のスレッドアンカー）を返す。
type Sender interface {
	Send(ctx context.Context, text string, replyTo *int64, timeout time.Duration) (int64, error)
}

// SendError は送信失敗の詳細。
type SendError struct {
	// StatusCode はHTTPステータスコード。通信エラーの場合は0。
	StatusCode int
	// Transient は再試行で成功する可能性がある場合にtrue。
	Transient bool
	// RetryAfter は送信先が指定した待機時間。指定がない場合は0。
	RetryAfter time.Duration
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *SendError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("send failed: %v", e.Err)
	}
	return fmt.Sprintf("send failed with status %d: %v", e.StatusCode, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *SendError) Unwrap() error {
	return e.Err
}

// IsTransient はエラーが一時的なもので再試行すべきかを返す。
// SendError以外のエラーは一時的とみなす。コンテキストのキャンセルは再試行しない。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *SendError
	if errors.As(err, &se) {
		return se.Transient
	}
	return true
}

// retryAfter はエラーが指定する待機時間を返す。
func retryAfter(err error) time.Duration {
	var se *SendError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
