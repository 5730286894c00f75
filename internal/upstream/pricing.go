package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/auctionwatch/internal/model"
)

// SurchargeSource はIPv4を持たないサーバーへの加算額を返す。
// 取得できない場合はnilを返し、0として扱われる。
type SurchargeSource interface {
	IPv4Surcharge(ctx context.Context) (*decimal.Decimal, error)
}

// StaticSurcharge は設定値をそのまま返すSurchargeSource。
type StaticSurcharge struct {
	Value *decimal.Decimal
}

// IPv4Surcharge は設定値を返す。
func (s StaticSurcharge) IPv4Surcharge(context.Context) (*decimal.Decimal, error) {
	return s.Value, nil
}

// RemoteSurcharge は {"price": 1.70} 形式のJSONドキュメントから加算額を取得する。
type RemoteSurcharge struct {
	httpClient *http.Client
	url        string
}

// NewRemoteSurcharge はRemoteSurchargeを生成する。
func NewRemoteSurcharge(httpClient *http.Client, url string) *RemoteSurcharge {
	return &RemoteSurcharge{httpClient: httpClient, url: url}
}

// IPv4Surcharge は加算額を取得する。
func (r *RemoteSurcharge) IPv4Surcharge(ctx context.Context) (*decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("IPv4加算額の取得に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("IPv4加算額の取得に失敗: HTTPステータス %d", resp.StatusCode)
	}

	var doc struct {
		Price *decimal.Decimal `json:"price"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("IPv4加算額のデコードに失敗: %w", err)
	}
	if doc.Price == nil {
		return nil, fmt.Errorf("IPv4加算額がドキュメントに含まれていません")
	}
	if doc.Price.IsNegative() {
		return nil, fmt.Errorf("IPv4加算額が負の値です: %s", doc.Price)
	}
	return doc.Price, nil
}

// ResolvePricing は税率と加算額からPricingを組み立てる。
// 加算額の取得に失敗しても実行は続け、加算なしとして扱う。
func ResolvePricing(ctx context.Context, src SurchargeSource, taxRate decimal.Decimal, logger *slog.Logger) model.Pricing {
	pricing := model.Pricing{TaxRate: taxRate}
	if src == nil {
		return pricing
	}

	surcharge, err := src.IPv4Surcharge(ctx)
	if err != nil {
		logger.Warn("IPv4加算額を取得できませんでした。加算なしで計算します",
			slog.String("error", err.Error()),
		)
		return pricing
	}
	pricing.IPv4Surcharge = surcharge
	return pricing
}
