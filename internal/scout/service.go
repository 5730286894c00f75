// Package scout は1回分のポーリング実行（取得、構築、絞り込み、照合、分類、保存、配信）を提供する。
package scout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hitoshi/auctionwatch/internal/classify"
	"github.com/hitoshi/auctionwatch/internal/filter"
	"github.com/hitoshi/auctionwatch/internal/listing"
	"github.com/hitoshi/auctionwatch/internal/metrics"
	"github.com/hitoshi/auctionwatch/internal/model"
	"github.com/hitoshi/auctionwatch/internal/notify"
	"github.com/hitoshi/auctionwatch/internal/reconcile"
	"github.com/hitoshi/auctionwatch/internal/repository"
	"github.com/hitoshi/auctionwatch/internal/upstream"
)

// FeedFetcher は上流フィードの取得インターフェース。upstream.Clientが満たす。
type FeedFetcher interface {
	Fetch(ctx context.Context) (listing.Feed, error)
}

// Dispatcher は未配信レコードの配信インターフェース。notify.Dispatcherが満たす。
type Dispatcher interface {
	Dispatch(ctx context.Context, pending []model.PendingRecord) notify.Summary
}

// DispatcherFactory は通知設定と整形器から実行ごとのDispatcherを生成する。
type DispatcherFactory func(cfg *model.NotificationConfig, renderer *notify.Renderer) Dispatcher

// Options は実行ごとに変わらない設定。
type Options struct {
	Criteria  filter.Criteria
	TaxRate   decimal.Decimal
	Surcharge upstream.SurchargeSource
	// Console は新しい変更レコードの出力先。nilの場合は出力しない。
	Console io.Writer
}

// RunReport は1回の実行結果の集計。
type RunReport struct {
	RunID           string
	Fetched         int
	Dropped         int
	Accepted        int
	Created         int
	Updated         int
	Removed         int
	Unchanged       int
	Changes         map[model.ChangeKind]int
	DeliveryEnabled bool
	Delivered       int
	Failed          int
	Duration        time.Duration
}

// Service はポーリング1回分の処理を順に実行する。
type Service struct {
	fetcher       FeedFetcher
	snapshots     repository.SnapshotRepository
	changeLog     repository.ChangeLogRepository
	notifyConfig  repository.NotificationConfigRepository
	newDispatcher DispatcherFactory
	metrics       metrics.MetricsCollector
	logger        *slog.Logger
	opts          Options
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	fetcher FeedFetcher,
	snapshots repository.SnapshotRepository,
	changeLog repository.ChangeLogRepository,
	notifyConfig repository.NotificationConfigRepository,
	newDispatcher DispatcherFactory,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	opts Options,
) *Service {
	return &Service{
		fetcher:       fetcher,
		snapshots:     snapshots,
		changeLog:     changeLog,
		notifyConfig:  notifyConfig,
		newDispatcher: newDispatcher,
		metrics:       collector,
		logger:        logger,
		opts:          opts,
	}
}

// RunOnce はポーリングを1回実行する。
// 取得失敗と解析失敗は保存前に発生するため、永続化された状態は変更されない。
// 配信の失敗は実行の失敗として扱わず、未配信のまま次回に持ち越す。
func (s *Service) RunOnce(ctx context.Context) (report RunReport, err error) {
	start := time.Now()
	report = RunReport{
		RunID:   uuid.NewString(),
		Changes: make(map[model.ChangeKind]int),
	}
	logger := s.logger.With(slog.String("run_id", report.RunID))
	defer func() {
		report.Duration = time.Since(start)
		s.metrics.RecordRunDuration(report.Duration)
	}()

	feed, err := s.fetcher.Fetch(ctx)
	if err != nil {
		return report, err
	}
	report.Fetched = len(feed.Server)

	built, dropped, err := listing.BuildAll(feed, logger)
	if err != nil {
		return report, err
	}
	report.Dropped = dropped

	pricing := upstream.ResolvePricing(ctx, s.opts.Surcharge, s.opts.TaxRate, logger)
	current := filter.Apply(built, s.opts.Criteria, pricing)
	report.Accepted = len(current)
	s.metrics.RecordListings(len(current), dropped)

	previous, err := s.snapshots.ListAll(ctx)
	if err != nil {
		return report, fmt.Errorf("スナップショットの取得に失敗: %w", err)
	}

	diff := reconcile.Reconcile(previous, current)
	report.Created = len(diff.Created)
	report.Updated = len(diff.Updated)
	report.Removed = len(diff.Removed)
	report.Unchanged = diff.Unchanged

	records := classify.ClassifyDiff(diff)

	if !diff.Empty() {
		records, err = s.snapshots.Commit(ctx, diff, records)
		if err != nil {
			return report, fmt.Errorf("変更の保存に失敗: %w", err)
		}
	}

	for _, rec := range records {
		report.Changes[rec.Kind()]++
	}
	for kind, n := range report.Changes {
		s.metrics.RecordChanges(string(kind), n)
	}

	logger.Info("照合が完了しました",
		slog.Int("fetched", report.Fetched),
		slog.Int("dropped", report.Dropped),
		slog.Int("accepted", report.Accepted),
		slog.Int("created", report.Created),
		slog.Int("updated", report.Updated),
		slog.Int("removed", report.Removed),
		slog.Int("unchanged", report.Unchanged),
		slog.Int("records", len(records)),
	)

	renderer := notify.NewRenderer(pricing)
	if s.opts.Console != nil {
		for _, rec := range records {
			fmt.Fprintf(s.opts.Console, "%s\n\n", renderer.Console(rec))
		}
	}

	if err := s.deliver(ctx, logger, renderer, &report); err != nil {
		return report, err
	}

	return report, nil
}

// deliver は通知設定が有効な場合に未配信レコードをすべて配信する。
// 前回までの実行で配信に失敗したレコードもここで再送される。
func (s *Service) deliver(ctx context.Context, logger *slog.Logger, renderer *notify.Renderer, report *RunReport) error {
	cfg, err := s.notifyConfig.Get(ctx)
	if err != nil {
		return fmt.Errorf("通知設定の取得に失敗: %w", err)
	}
	if !cfg.DeliveryEnabled() {
		logger.Debug("通知設定がないため配信をスキップします")
		return nil
	}
	report.DeliveryEnabled = true

	pending, err := s.changeLog.ListUnsent(ctx)
	if err != nil {
		return fmt.Errorf("未配信レコードの取得に失敗: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	summary := s.newDispatcher(cfg, renderer).Dispatch(ctx, pending)
	report.Delivered = summary.Delivered
	report.Failed = summary.Failed

	if summary.Failed > 0 {
		logger.Warn("一部の通知を配信できませんでした。次回の実行で再送します",
			slog.Int("failed", summary.Failed),
		)
	}
	return nil
}
