package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/hitoshi/auctionwatch/internal/metrics"
	"github.com/hitoshi/auctionwatch/internal/middleware"
	"github.com/hitoshi/auctionwatch/internal/model"
	"github.com/hitoshi/auctionwatch/internal/reconcile"
)

// --- モック定義 ---

type mockChecker struct {
	err error
}

func (m *mockChecker) PingContext(ctx context.Context) error { return m.err }

type mockSnapshots struct {
	listings []model.Listing
	err      error
}

func (m *mockSnapshots) ListAll(ctx context.Context) ([]model.Listing, error) {
	return m.listings, m.err
}

func (m *mockSnapshots) Commit(ctx context.Context, diff reconcile.Diff, records []model.ChangeRecord) ([]model.ChangeRecord, error) {
	return nil, errors.New("not implemented")
}

type mockChangeLog struct {
	records   []model.ChangeRecord
	err       error
	lastLimit int
}

func (m *mockChangeLog) ListUnsent(ctx context.Context) ([]model.PendingRecord, error) {
	return nil, nil
}

func (m *mockChangeLog) MarkSent(ctx context.Context, recordID, anchor int64) error { return nil }

func (m *mockChangeLog) ListRecent(ctx context.Context, limit int) ([]model.ChangeRecord, error) {
	m.lastLimit = limit
	return m.records, m.err
}

func (m *mockChangeLog) DeleteDeliveredBefore(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func newTestRouter(deps *RouterDeps) http.Handler {
	if deps.HealthChecker == nil {
		deps.HealthChecker = &mockChecker{}
	}
	if deps.Snapshots == nil {
		deps.Snapshots = &mockSnapshots{}
	}
	if deps.ChangeLog == nil {
		deps.ChangeLog = &mockChangeLog{}
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.NewRegistry()
	}
	deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRouter(deps)
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		pingErr    error
		wantStatus int
		wantBody   string
	}{
		{"DB接続あり", nil, http.StatusOK, "ok"},
		{"DB接続なし", errors.New("connection refused"), http.StatusServiceUnavailable, "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&RouterDeps{HealthChecker: &mockChecker{err: tt.pingErr}})
			w := get(t, router, "/health")

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var body healthResponse
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("レスポンスのデコードに失敗: %v", err)
			}
			if body.Status != tt.wantBody {
				t.Errorf("status field = %q, want %q", body.Status, tt.wantBody)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	collector.RecordFetchSuccess()

	router := newTestRouter(&RouterDeps{Gatherer: reg})
	w := get(t, router, "/metrics")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "auctionwatch_fetch_success_total 1") {
		t.Errorf("メトリクスが公開されていない:\n%s", w.Body.String())
	}
}

func TestListListings(t *testing.T) {
	snapshots := &mockSnapshots{listings: []model.Listing{
		{ID: 1001, Price: decimal.NewFromInt(40), Datacenter: "FSN1-DC1", CPUName: "Intel Core i7-6700"},
		{ID: 1002, Price: decimal.NewFromInt(55), Datacenter: "HEL1-DC2", CPUName: "AMD Ryzen 7 3700X"},
	}}
	router := newTestRouter(&RouterDeps{Snapshots: snapshots})

	w := get(t, router, "/api/listings")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body listingsResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("レスポンスのデコードに失敗: %v", err)
	}
	if body.Count != 2 || len(body.Listings) != 2 {
		t.Fatalf("count = %d, listings = %d, want 2", body.Count, len(body.Listings))
	}
	if body.Listings[1].ID != 1002 {
		t.Errorf("listings[1].ID = %d, want 1002", body.Listings[1].ID)
	}
}

func TestListListings_EmptyIsArray(t *testing.T) {
	router := newTestRouter(&RouterDeps{})
	w := get(t, router, "/api/listings")

	if !strings.Contains(w.Body.String(), `"listings":[]`) {
		t.Errorf("空の一覧は[]で返すべき: %s", w.Body.String())
	}
}

func TestListListings_RepositoryError(t *testing.T) {
	router := newTestRouter(&RouterDeps{Snapshots: &mockSnapshots{err: errors.New("db down")}})
	w := get(t, router, "/api/listings")

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "db down") {
		t.Error("内部エラーの詳細をクライアントに返すべきではない")
	}
}

func TestListChanges(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	anchor := int64(77)
	changeLog := &mockChangeLog{records: []model.ChangeRecord{
		{
			ID: 3, ListingID: 1001, ThreadAnchor: &anchor, CreatedAt: created,
			Change: model.PriceChanged{OldPrice: decimal.NewFromInt(50), NewPrice: decimal.NewFromInt(45)},
		},
		{
			ID: 2, CreatedAt: created,
			Change: model.Sold{Listing: model.Listing{ID: 1002}},
		},
		{
			ID: 1, ListingID: 1003, CreatedAt: created,
			Change: model.HardwareChanged{Attribute: model.AttributeCPUName, Old: "A", New: "B"},
		},
	}}
	router := newTestRouter(&RouterDeps{ChangeLog: changeLog})

	w := get(t, router, "/api/changes")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if changeLog.lastLimit != defaultChangesLimit {
		t.Errorf("limit = %d, want %d", changeLog.lastLimit, defaultChangesLimit)
	}

	var body changesResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("レスポンスのデコードに失敗: %v", err)
	}
	if len(body.Changes) != 3 {
		t.Fatalf("changes = %d, want 3", len(body.Changes))
	}

	price := body.Changes[0]
	if price.Kind != "price_changed" || !price.NewPrice.Equal(decimal.NewFromInt(45)) {
		t.Errorf("price change = %+v", price)
	}
	if price.ThreadAnchor == nil || *price.ThreadAnchor != 77 {
		t.Errorf("thread_anchor = %v, want 77", price.ThreadAnchor)
	}

	sold := body.Changes[1]
	if sold.Kind != "sold" || sold.ListingID != 1002 || sold.Listing == nil {
		t.Errorf("sold = %+v, want listing 1002 with snapshot", sold)
	}

	hw := body.Changes[2]
	if hw.Attribute != "cpu_name" || hw.Old != "A" || hw.New != "B" {
		t.Errorf("hardware change = %+v", hw)
	}
}

func TestListChanges_Limit(t *testing.T) {
	tests := []struct {
		query      string
		wantStatus int
		wantLimit  int
	}{
		{"?limit=10", http.StatusOK, 10},
		{"?limit=500", http.StatusOK, 500},
		{"?limit=0", http.StatusBadRequest, 0},
		{"?limit=501", http.StatusBadRequest, 0},
		{"?limit=abc", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			changeLog := &mockChangeLog{}
			router := newTestRouter(&RouterDeps{ChangeLog: changeLog})

			w := get(t, router, "/api/changes"+tt.query)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if changeLog.lastLimit != tt.wantLimit {
				t.Errorf("limit = %d, want %d", changeLog.lastLimit, tt.wantLimit)
			}
		})
	}
}

func TestRouter_APIRateLimited(t *testing.T) {
	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{Rate: rate.Limit(1), Burst: 1, CleanupInterval: time.Minute})
	defer rl.Stop()
	router := newTestRouter(&RouterDeps{RateLimiter: rl})

	if w := get(t, router, "/api/listings"); w.Code != http.StatusOK {
		t.Fatalf("1回目 status = %d, want 200", w.Code)
	}
	if w := get(t, router, "/api/listings"); w.Code != http.StatusTooManyRequests {
		t.Errorf("2回目 status = %d, want 429", w.Code)
	}
	// ヘルスチェックはレート制限の対象外
	if w := get(t, router, "/health"); w.Code != http.StatusOK {
		t.Errorf("/health status = %d, want 200", w.Code)
	}
}

func TestRouter_SecurityHeadersAndUnknownRoute(t *testing.T) {
	router := newTestRouter(&RouterDeps{})
	w := get(t, router, "/api/unknown")

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("セキュリティヘッダーが付与されていない")
	}
}
