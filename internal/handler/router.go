// Package handler は監視結果を参照するための読み取り専用HTTP APIを提供する。
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/auctionwatch/internal/metrics"
	"github.com/hitoshi/auctionwatch/internal/middleware"
	"github.com/hitoshi/auctionwatch/internal/repository"
)

// HealthChecker はデータベース疎通確認のインターフェース。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	HealthChecker HealthChecker
	Snapshots     repository.SnapshotRepository
	ChangeLog     repository.ChangeLogRepository
	Gatherer      prometheus.Gatherer
	RateLimiter   *middleware.RateLimiter
	Logger        *slog.Logger
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → RateLimit（/api/*のみ）
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	health := NewHealthHandler(deps.HealthChecker, deps.Logger)
	api := NewAPIHandler(deps.Snapshots, deps.ChangeLog, deps.Logger)

	r.Get("/health", health.Check)
	r.Handle("/metrics", metrics.Handler(deps.Gatherer))

	r.Route("/api", func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}
		r.Get("/listings", api.ListListings)
		r.Get("/changes", api.ListChanges)
	})

	return r
}
