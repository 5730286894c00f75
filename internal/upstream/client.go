// Package upstream は上流オークションフィードの取得とIPv4加算額の参照を提供する。
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/auctionwatch/internal/listing"
	"github.com/hitoshi/auctionwatch/internal/metrics"
	"github.com/hitoshi/auctionwatch/internal/model"
)

// userAgent はブラウザからのアクセスを装うUser-Agent。ボット判定で拒否されることがあるため。
const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Client は上流フィードを1回だけ取得する。再試行は行わず、失敗は実行全体の失敗として扱う。
type Client struct {
	httpClient  *http.Client
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
	url         string
	maxBodySize int64
}

// NewClient はClientの新しいインスタンスを生成する。
// 本番ではsecurity.NewSafeClientで生成したクライアントを渡す。
func NewClient(
	httpClient *http.Client,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	url string,
	maxBodySize int64,
) *Client {
	return &Client{
		httpClient:  httpClient,
		metrics:     collector,
		logger:      logger,
		url:         url,
		maxBodySize: maxBodySize,
	}
}

// Fetch はフィードを取得してデコードする。
// 通信失敗、200以外のステータス、サイズ超過、JSONの不正はすべてmodel.ErrFetchFailedをラップして返す。
func (c *Client) Fetch(ctx context.Context) (listing.Feed, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return listing.Feed{}, c.fail("request", fmt.Errorf("リクエスト作成に失敗: %w", err))
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("上流フィードへのHTTPリクエストに失敗しました",
			slog.String("url", c.url),
			slog.String("error", err.Error()),
		)
		return listing.Feed{}, c.fail("transport", fmt.Errorf("HTTPリクエスト失敗: %w", err))
	}
	defer resp.Body.Close()

	c.metrics.RecordHTTPStatus(resp.StatusCode)
	c.metrics.RecordFetchLatency(time.Since(start))

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("上流フィードが予期しないステータスを返しました",
			slog.String("url", c.url),
			slog.Int("http_status", resp.StatusCode),
		)
		return listing.Feed{}, c.fail("status", fmt.Errorf("HTTPステータス %d", resp.StatusCode))
	}

	// 上限を1バイト超えて読み、超過を検出する
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize+1))
	if err != nil {
		return listing.Feed{}, c.fail("read", fmt.Errorf("レスポンス読み取り失敗: %w", err))
	}
	if int64(len(body)) > c.maxBodySize {
		return listing.Feed{}, c.fail("too_large", fmt.Errorf("レスポンスが上限 %d バイトを超えています", c.maxBodySize))
	}

	var feed listing.Feed
	if err := json.Unmarshal(body, &feed); err != nil {
		return listing.Feed{}, c.fail("decode", fmt.Errorf("フィードのデコードに失敗: %w", err))
	}

	c.metrics.RecordFetchSuccess()
	c.logger.Info("上流フィードを取得しました",
		slog.Int("servers", len(feed.Server)),
		slog.Int("bytes", len(body)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return feed, nil
}

func (c *Client) fail(reason string, err error) error {
	c.metrics.RecordFetchFailure(reason)
	return fmt.Errorf("%w: %w", model.ErrFetchFailed, err)
}
