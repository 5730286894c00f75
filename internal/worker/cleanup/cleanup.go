// Package cleanup は配信済み変更レコードの自動削除ジョブを提供する。
// 保持期間（デフォルト90日）より前に配信済みとなったレコードを日次で削除する。
// 未配信のレコードは期間に関係なく削除しない。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Pruner は配信済みレコードの削除インターフェース。
// repository.ChangeLogRepositoryが満たす。
type Pruner interface {
	DeleteDeliveredBefore(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob は保持期間を超過した配信済みレコードの削除ジョブ。冪等に実行できる。
type CleanupJob struct {
	pruner        Pruner
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int // 配信済みレコードの保持日数（デフォルト: 90）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(pruner Pruner, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		pruner:        pruner,
		logger:        logger,
		now:           time.Now,
		RetentionDays: 90,
	}
}

// Run は保持期間より前に配信済みとなったレコードを削除する。
// 削除対象がない場合もエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := j.now().AddDate(0, 0, -j.RetentionDays)

	deletedCount, err := j.pruner.DeleteDeliveredBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("変更ログのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("変更ログのクリーンアップに失敗: %w", err)
	}

	j.logger.Info("変更ログのクリーンアップが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回実行し、その後はinterval間隔で実行する。
// 失敗はログに記録して次回の実行を待つ。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}
