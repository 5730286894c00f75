package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/auctionwatch/internal/middleware"
	"github.com/hitoshi/auctionwatch/internal/model"
	"github.com/hitoshi/auctionwatch/internal/repository"
)

const (
	defaultChangesLimit = 50
	maxChangesLimit     = 500
)

// APIHandler は出品スナップショットと変更ログの参照APIのハンドラー。
type APIHandler struct {
	snapshots repository.SnapshotRepository
	changeLog repository.ChangeLogRepository
	logger    *slog.Logger
}

// NewAPIHandler はAPIHandlerの新しいインスタンスを生成する。
func NewAPIHandler(snapshots repository.SnapshotRepository, changeLog repository.ChangeLogRepository, logger *slog.Logger) *APIHandler {
	return &APIHandler{snapshots: snapshots, changeLog: changeLog, logger: logger}
}

type listingsResponse struct {
	Listings []model.Listing `json:"listings"`
	Count    int             `json:"count"`
}

// changeResponse は変更レコードのレスポンス。種別に応じて一部のフィールドのみ設定する。
type changeResponse struct {
	ID           int64      `json:"id"`
	Kind         string     `json:"kind"`
	ListingID    int64      `json:"listing_id"`
	ThreadAnchor *int64     `json:"thread_anchor,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	SentAt       *time.Time `json:"sent_at,omitempty"`

	Listing         *model.Listing   `json:"listing,omitempty"`
	OldPrice        *decimal.Decimal `json:"old_price,omitempty"`
	NewPrice        *decimal.Decimal `json:"new_price,omitempty"`
	NextPriceReduce *time.Time       `json:"next_price_reduce,omitempty"`
	Attribute       string           `json:"attribute,omitempty"`
	Old             string           `json:"old,omitempty"`
	New             string           `json:"new,omitempty"`
}

type changesResponse struct {
	Changes []changeResponse `json:"changes"`
}

// ListListings は現在追跡中の出品一覧を返す。
// GET /api/listings
func (h *APIHandler) ListListings(w http.ResponseWriter, r *http.Request) {
	listings, err := h.snapshots.ListAll(r.Context())
	if err != nil {
		h.logger.Error("出品一覧の取得に失敗しました", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	if listings == nil {
		listings = []model.Listing{}
	}
	writeJSON(w, listingsResponse{Listings: listings, Count: len(listings)})
}

// ListChanges は新しい順に変更レコードを返す。
// GET /api/changes?limit=50
func (h *APIHandler) ListChanges(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r.URL.Query().Get("limit"))
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, "INVALID_LIMIT",
			"limitは1から"+strconv.Itoa(maxChangesLimit)+"の整数で指定してください。")
		return
	}

	records, err := h.changeLog.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.Error("変更ログの取得に失敗しました", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	resp := changesResponse{Changes: make([]changeResponse, 0, len(records))}
	for _, rec := range records {
		resp.Changes = append(resp.Changes, toChangeResponse(rec))
	}
	writeJSON(w, resp)
}

// parseLimit はlimitクエリを解釈する。未指定ならデフォルト値を返す。
func parseLimit(s string) (int, bool) {
	if s == "" {
		return defaultChangesLimit, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > maxChangesLimit {
		return 0, false
	}
	return n, true
}

func toChangeResponse(rec model.ChangeRecord) changeResponse {
	resp := changeResponse{
		ID:           rec.ID,
		Kind:         string(rec.Kind()),
		ListingID:    rec.ListingID,
		ThreadAnchor: rec.ThreadAnchor,
		CreatedAt:    rec.CreatedAt,
		SentAt:       rec.SentAt,
	}

	switch c := rec.Change.(type) {
	case model.NewListing:
		resp.Listing = &c.Listing
	case model.Sold:
		resp.Listing = &c.Listing
		// 売却済みレコードは出品行を参照しない
		resp.ListingID = c.Listing.ID
	case model.PriceChanged:
		resp.OldPrice = &c.OldPrice
		resp.NewPrice = &c.NewPrice
		resp.NextPriceReduce = c.NextPriceReduce
	case model.HardwareChanged:
		resp.Attribute = string(c.Attribute)
		resp.Old = c.Old
		resp.New = c.New
	}
	return resp
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
