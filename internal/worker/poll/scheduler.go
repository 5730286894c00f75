// Package poll は定期的なポーリング実行のスケジューラを提供する。
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/auctionwatch/internal/scout"
)

const (
	// initialBackoff は連続失敗時の初回の追加待機時間。
	initialBackoff = time.Minute
	// maxBackoff は連続失敗時の追加待機時間の上限。
	maxBackoff = 30 * time.Minute
)

// Runner はポーリング1回分の実行インターフェース。scout.Serviceが満たす。
type Runner interface {
	RunOnce(ctx context.Context) (scout.RunReport, error)
}

// Alerter は致命的な失敗を運用者へ通知するインターフェース。notify.Alerterが満たす。
type Alerter interface {
	Alert(ctx context.Context, title string, detail any)
}

// Scheduler は一定間隔でRunnerを実行する。
// 実行は常に直列で、前回の実行が終わるまで次の実行は始まらない。
// 失敗が続いた場合は間隔に指数バックオフを加算する。
type Scheduler struct {
	runner  Runner
	alerter Alerter
	logger  *slog.Logger

	consecutiveErrors int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(runner Runner, alerter Alerter, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		runner:  runner,
		alerter: alerter,
		logger:  logger,
	}
}

// Start は起動直後に1回実行し、その後はinterval間隔で実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	s.logger.Info("ポーリングスケジューラを開始しました",
		slog.Duration("interval", interval),
	)

	for {
		s.runSafely(ctx)
		if ctx.Err() != nil {
			s.logger.Info("ポーリングスケジューラを停止しました")
			return
		}

		delay := interval + s.backoff()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("ポーリングスケジューラを停止しました")
			return
		case <-timer.C:
		}
	}
}

// runSafely はRunnerを1回実行し、エラーとpanicを記録する。
// panicはスケジューラを止めずにアラートとして通知する。
func (s *Scheduler) runSafely(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.consecutiveErrors++
			s.logger.Error("ポーリング実行中にpanicが発生しました",
				slog.Any("panic", r),
			)
			s.alerter.Alert(ctx, "ポーリング実行中にpanicが発生しました", r)
		}
	}()

	report, err := s.runner.RunOnce(ctx)
	if err != nil {
		s.consecutiveErrors++
		s.logger.Error("ポーリング実行に失敗しました",
			slog.String("run_id", report.RunID),
			slog.Int("consecutive_errors", s.consecutiveErrors),
			slog.String("error", err.Error()),
		)
		// 初回の失敗ではアラートせず、連続した場合のみ通知する
		if s.consecutiveErrors == 2 {
			s.alerter.Alert(ctx, "ポーリング実行が連続して失敗しています",
				fmt.Sprintf("run_id=%s error=%v", report.RunID, err))
		}
		return
	}

	s.consecutiveErrors = 0
	s.logger.Info("ポーリング実行が完了しました",
		slog.String("run_id", report.RunID),
		slog.Int("accepted", report.Accepted),
		slog.Int("delivered", report.Delivered),
		slog.Int("failed", report.Failed),
		slog.Float64("duration_ms", float64(report.Duration.Milliseconds())),
	)
}

// backoff は連続失敗回数に応じた追加待機時間を返す。失敗がなければ0。
func (s *Scheduler) backoff() time.Duration {
	if s.consecutiveErrors == 0 {
		return 0
	}
	return CalculateBackoff(s.consecutiveErrors - 1)
}

// CalculateBackoff は連続エラー回数に基づいて指数バックオフ遅延を計算する。
// 初回1分、2倍ずつ増加、最大30分。
func CalculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
