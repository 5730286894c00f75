package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/microcosm-cc/bluemonday"
)

const alertAttempts = 3

// Alerter は実行中の致命的なエラーを運用者へ通知する。
// 通知はベストエフォートで、送信に失敗しても呼び出し元へはエラーを返さない。
type Alerter struct {
	sender  Sender
	logger  *slog.Logger
	policy  *bluemonday.Policy
	timeout time.Duration
	backoff time.Duration
}

// NewAlerter はAlerterの新しいインスタンスを生成する。
// senderがnilの場合はログ出力のみを行う。
func NewAlerter(sender Sender, logger *slog.Logger, timeout time.Duration) *Alerter {
	return &Alerter{
		sender:  sender,
		logger:  logger,
		policy:  bluemonday.StrictPolicy(),
		timeout: timeout,
		backoff: 2 * time.Second,
	}
}

// Alert は運用者向けのアラートを送信する。最大3回まで試行し、失敗はログに記録して握りつぶす。
func (a *Alerter) Alert(ctx context.Context, title string, detail any) {
	if a == nil {
		return
	}
	a.logger.Error("運用者アラート",
		slog.String("title", title),
		slog.String("detail", fmt.Sprint(detail)),
	)
	if a.sender == nil {
		return
	}

	text := fmt.Sprintf("🚨 <b>%s</b>\n<pre>%s</pre>", a.policy.Sanitize(title), a.policy.Sanitize(fmt.Sprint(detail)))

	for attempt := 1; attempt <= alertAttempts; attempt++ {
		_, err := a.sender.Send(ctx, text, nil, a.timeout)
		if err == nil {
			return
		}
		a.logger.Warn("アラートの送信に失敗しました",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if attempt < alertAttempts {
			if sleepContext(ctx, a.backoff) != nil {
				return
			}
		}
	}
}
