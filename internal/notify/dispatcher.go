package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/auctionwatch/internal/metrics"
	"github.com/hitoshi/auctionwatch/internal/model"
)

// Acknowledger は配信成功を記録するインターフェース。
// repository.ChangeLogRepositoryが満たす。
type Acknowledger interface {
	MarkSent(ctx context.Context, recordID, anchor int64) error
}

// DispatchConfig は配信のレート制限とリトライの設定。
type DispatchConfig struct {
	// PerSecond は1秒あたりの最大送信数。0以下は無制限。
	PerSecond int
	// PerMinute は1分あたりの最大送信数。0以下は無制限。
	PerMinute int
	// MaxAttempts はレコードごとの最大試行回数。
	MaxAttempts int
	// Concurrency は同時に送信処理を行う最大数。
	Concurrency int
	// InitialBackoff は再試行の初回待機時間。2倍ずつ増加する。
	InitialBackoff time.Duration
	// MaxBackoff は再試行の最大待機時間。
	MaxBackoff time.Duration
	// Timeout は1回の送信のタイムアウト。
	Timeout time.Duration
}

// DefaultDispatchConfig はデフォルトの配信設定を返す。
// Telegramのグループ宛て制限（1秒1通、1分20通）に合わせている。
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		PerSecond:      1,
		PerMinute:      20,
		MaxAttempts:    5,
		Concurrency:    4,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Timeout:        10 * time.Second,
	}
}

// Result はレコード1件の配信結果。
type Result struct {
	RecordID int64
	// Anchor は送信したメッセージのID。失敗時は0。
	Anchor   int64
	Attempts int
	Err      error
}

// Summary は配信全体の結果。
type Summary struct {
	Delivered int
	Failed    int
	Results   []Result
}

// Dispatcher は未配信の変更レコードを並列に送信し、成功したものだけを配信済みとして記録する。
// 送信は2つのレートリミッタ（秒・分）で制限し、一時的なエラーは指数バックオフで再試行する。
type Dispatcher struct {
	sender    Sender
	ack       Acknowledger
	renderer  *Renderer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	config    DispatchConfig
	perSecond *rate.Limiter
	perMinute *rate.Limiter
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewDispatcher はDispatcherの新しいインスタンスを生成する。
// MaxAttemptsとConcurrencyが0以下の場合は1を使用する。
func NewDispatcher(
	sender Sender,
	ack Acknowledger,
	renderer *Renderer,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	config DispatchConfig,
) *Dispatcher {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	return &Dispatcher{
		sender:    sender,
		ack:       ack,
		renderer:  renderer,
		metrics:   collector,
		logger:    logger,
		config:    config,
		perSecond: newLimiter(config.PerSecond, time.Second),
		perMinute: newLimiter(config.PerMinute, time.Minute),
		sleep:     sleepContext,
	}
}

func newLimiter(n int, per time.Duration) *rate.Limiter {
	if n <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(per/time.Duration(n)), n)
}

// Dispatch は全レコードの送信を開始し、すべての完了を待って結果を返す。
// 同じ出品のレコードは1つのワーカーが順番に送信し、成功するたびに後続の返信先を
// 送信したメッセージに更新する。異なる出品のレコードは並列に送信する。
// 個々の失敗は実行全体を中断しない。失敗したレコードは未配信のまま残り、次回の実行で再送される。
func (d *Dispatcher) Dispatch(ctx context.Context, pending []model.PendingRecord) Summary {
	results := make([]Result, len(pending))

	sem := make(chan struct{}, d.config.Concurrency)
	var wg sync.WaitGroup

	for _, group := range groupByListing(pending) {
		wg.Add(1)
		sem <- struct{}{}

		go func(group []int) {
			defer wg.Done()
			defer func() { <-sem }()

			var anchor *int64
			for _, i := range group {
				p := pending[i]
				if anchor != nil {
					p.ReplyTo = anchor
				}
				results[i] = d.deliver(ctx, p)
				if results[i].Err == nil {
					sent := results[i].Anchor
					anchor = &sent
				}
			}
		}(group)
	}

	wg.Wait()

	summary := Summary{Results: results}
	for _, r := range results {
		if r.Err == nil {
			summary.Delivered++
		} else {
			summary.Failed++
		}
		d.metrics.RecordDelivery(r.Err == nil)
	}

	if len(pending) > 0 {
		d.logger.Info("通知配信が完了しました",
			slog.Int("delivered", summary.Delivered),
			slog.Int("failed", summary.Failed),
		)
	}
	return summary
}

// groupByListing はレコードの添字を出品IDごとにまとめる。
// グループの順序は出品の初出順、グループ内の順序は入力順を保持する。
func groupByListing(pending []model.PendingRecord) [][]int {
	var groups [][]int
	index := make(map[int64]int)
	for i, p := range pending {
		g, ok := index[p.Record.ListingID]
		if !ok {
			g = len(groups)
			index[p.Record.ListingID] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}
	return groups
}

// deliver はレコード1件を送信し、成功した場合に配信済みとして記録する。
func (d *Dispatcher) deliver(ctx context.Context, p model.PendingRecord) Result {
	rec := p.Record
	result := Result{RecordID: rec.ID}
	text := d.renderer.Telegram(rec)

	for attempt := 0; attempt < d.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			d.metrics.RecordDeliveryRetry()
			delay := calculateBackoff(attempt-1, d.config.InitialBackoff, d.config.MaxBackoff)
			if ra := retryAfter(result.Err); ra > delay {
				delay = ra
			}
			if err := d.sleep(ctx, delay); err != nil {
				result.Err = err
				return result
			}
		}

		if err := d.wait(ctx); err != nil {
			result.Err = err
			return result
		}

		result.Attempts++
		anchor, err := d.sender.Send(ctx, text, p.ReplyTo, d.config.Timeout)
		if err == nil {
			result.Anchor = anchor
			result.Err = nil
			break
		}
		result.Err = err

		if !IsTransient(err) {
			d.logger.Error("通知の送信に失敗しました（再試行しません）",
				slog.Int64("record_id", rec.ID),
				slog.Int64("listing_id", rec.ListingID),
				slog.String("kind", string(rec.Kind())),
				slog.String("error", err.Error()),
			)
			return result
		}
		d.logger.Warn("通知の送信に失敗しました",
			slog.Int64("record_id", rec.ID),
			slog.Int("attempt", result.Attempts),
			slog.String("error", err.Error()),
		)
	}

	if result.Err != nil {
		d.logger.Error("通知の送信が再試行上限に達しました",
			slog.Int64("record_id", rec.ID),
			slog.Int("attempts", result.Attempts),
			slog.String("error", result.Err.Error()),
		)
		return result
	}

	if err := d.ack.MarkSent(ctx, rec.ID, result.Anchor); err != nil {
		d.logger.Error("配信済みの記録に失敗しました",
			slog.Int64("record_id", rec.ID),
			slog.Int64("anchor", result.Anchor),
			slog.String("error", err.Error()),
		)
		result.Err = err
	}
	return result
}

// wait は両方のレートリミッタのトークンを取得するまで待機する。
func (d *Dispatcher) wait(ctx context.Context) error {
	if err := d.perMinute.Wait(ctx); err != nil {
		return err
	}
	return d.perSecond.Wait(ctx)
}

// calculateBackoff は再試行回数に基づいて指数バックオフ遅延を計算する。
// 初回initial、2倍ずつ増加、最大maxDelay。
func calculateBackoff(retries int, initial, maxDelay time.Duration) time.Duration {
	delay := initial
	for i := 0; i < retries; i++ {
		delay *= 2
		if delay > maxDelay {
			return maxDelay
		}
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
