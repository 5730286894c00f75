// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 実行パイプラインや配信処理から利用する。
type MetricsCollector interface {
	RecordFetchSuccess()
	RecordFetchFailure(reason string)
	RecordHTTPStatus(statusCode int)
	RecordFetchLatency(duration time.Duration)
	RecordListings(accepted, dropped int)
	RecordChanges(kind string, count int)
	RecordDelivery(success bool)
	RecordDeliveryRetry()
	RecordRunDuration(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	fetchSuccess    prometheus.Counter
	fetchFail       *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
	fetchLatency    prometheus.Histogram
	listingsTracked prometheus.Gauge
	listingsDropped prometheus.Counter
	changes         *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	deliveryRetries prometheus.Counter
	runDuration     prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fetchSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auctionwatch_fetch_success_total",
			Help: "上流フィード取得成功の合計数",
		}),
		fetchFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auctionwatch_fetch_fail_total",
			Help: "上流フィード取得失敗の合計数",
		}, []string{"reason"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auctionwatch_http_status_total",
			Help: "上流フィードのHTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "auctionwatch_fetch_latency_seconds",
			Help:    "上流フィード取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		listingsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "auctionwatch_listings_tracked",
			Help: "条件を満たし追跡中の出品数",
		}),
		listingsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auctionwatch_listings_dropped_total",
			Help: "ディスクを持たないため除外した出品の合計数",
		}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auctionwatch_changes_total",
			Help: "種別ごとの検出した変更の合計数",
		}, []string{"kind"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auctionwatch_deliveries_total",
			Help: "結果ごとの通知配信の合計数",
		}, []string{"result"}),
		deliveryRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auctionwatch_delivery_retries_total",
			Help: "通知配信の再試行の合計数",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "auctionwatch_run_duration_seconds",
			Help:    "1回の実行にかかった時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.fetchSuccess,
		c.fetchFail,
		c.httpStatus,
		c.fetchLatency,
		c.listingsTracked,
		c.listingsDropped,
		c.changes,
		c.deliveries,
		c.deliveryRetries,
		c.runDuration,
	)

	return c
}

// RecordFetchSuccess はフィード取得成功を記録する。
func (c *Collector) RecordFetchSuccess() {
	c.fetchSuccess.Inc()
}

// RecordFetchFailure はフィード取得失敗を理由付きで記録する。
func (c *Collector) RecordFetchFailure(reason string) {
	c.fetchFail.WithLabelValues(reason).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordFetchLatency はフィード取得のレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordListings は追跡中の出品数と除外数を記録する。
func (c *Collector) RecordListings(accepted, dropped int) {
	c.listingsTracked.Set(float64(accepted))
	c.listingsDropped.Add(float64(dropped))
}

// RecordChanges は種別ごとの変更数を記録する。
func (c *Collector) RecordChanges(kind string, count int) {
	c.changes.WithLabelValues(kind).Add(float64(count))
}

// RecordDelivery は通知配信の結果を記録する。
func (c *Collector) RecordDelivery(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.deliveries.WithLabelValues(result).Inc()
}

// RecordDeliveryRetry は通知配信の再試行を記録する。
func (c *Collector) RecordDeliveryRetry() {
	c.deliveryRetries.Inc()
}

// RecordRunDuration は1回の実行時間を記録する。
func (c *Collector) RecordRunDuration(duration time.Duration) {
	c.runDuration.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// NopCollector は何も記録しないMetricsCollector。メトリクスを公開しないrunコマンドで使う。
type NopCollector struct{}

func (NopCollector) RecordFetchSuccess() {}
func (NopCollector) RecordFetchFailure(string) {}
func (NopCollector) RecordHTTPStatus(int) {}
func (NopCollector) RecordFetchLatency(time.Duration) {}
func (NopCollector) RecordListings(int, int) {}
func (NopCollector) RecordChanges(string, int) {}
func (NopCollector) RecordDelivery(bool) {}
func (NopCollector) RecordDeliveryRetry() {}
func (NopCollector) RecordRunDuration(time.Duration) {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)
