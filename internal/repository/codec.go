package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/auctionwatch/internal/model"
)

// changeColumns はchange_logの種別ごとのペイロード列。
// 種別に関係しない列はNULLのまま保存する。
type changeColumns struct {
	Kind            string
	Attrs           []byte
	OldPrice        decimal.NullDecimal
	NewPrice        decimal.NullDecimal
	NextPriceReduce sql.NullTime
	AttrName        sql.NullString
	PrevValue       sql.NullString
	NewValue        sql.NullString
}

// encodeChange は変更内容を列の値に変換する。
func encodeChange(c model.Change) (changeColumns, error) {
	cols := changeColumns{Kind: string(c.Kind())}

	switch v := c.(type) {
	case model.NewListing:
		attrs, err := json.Marshal(v.Listing)
		if err != nil {
			return changeColumns{}, fmt.Errorf("failed to encode listing attributes: %w", err)
		}
		cols.Attrs = attrs
	case model.Sold:
		attrs, err := json.Marshal(v.Listing)
		if err != nil {
			return changeColumns{}, fmt.Errorf("failed to encode listing attributes: %w", err)
		}
		cols.Attrs = attrs
	case model.PriceChanged:
		cols.OldPrice = decimal.NewNullDecimal(v.OldPrice)
		cols.NewPrice = decimal.NewNullDecimal(v.NewPrice)
		cols.NextPriceReduce = nullTime(v.NextPriceReduce)
	case model.HardwareChanged:
		cols.AttrName = sql.NullString{String: string(v.Attribute), Valid: true}
		cols.PrevValue = sql.NullString{String: v.Old, Valid: true}
		cols.NewValue = sql.NullString{String: v.New, Valid: true}
	default:
		return changeColumns{}, fmt.Errorf("unsupported change type %T", c)
	}

	return cols, nil
}

// decodeChange は列の値から変更内容を復元する。
func decodeChange(cols changeColumns) (model.Change, error) {
	switch model.ChangeKind(cols.Kind) {
	case model.ChangeKindNew:
		l, err := decodeListingAttrs(cols.Attrs)
		if err != nil {
			return nil, err
		}
		return model.NewListing{Listing: l}, nil
	case model.ChangeKindSold:
		l, err := decodeListingAttrs(cols.Attrs)
		if err != nil {
			return nil, err
		}
		return model.Sold{Listing: l}, nil
	case model.ChangeKindPriceChanged:
		if !cols.OldPrice.Valid || !cols.NewPrice.Valid {
			return nil, fmt.Errorf("price_changed record without prices")
		}
		c := model.PriceChanged{OldPrice: cols.OldPrice.Decimal, NewPrice: cols.NewPrice.Decimal}
		if cols.NextPriceReduce.Valid {
			t := cols.NextPriceReduce.Time
			c.NextPriceReduce = &t
		}
		return c, nil
	case model.ChangeKindHardwareChanged:
		return model.HardwareChanged{
			Attribute: model.Attribute(cols.AttrName.String),
			Old:       cols.PrevValue.String,
			New:       cols.NewValue.String,
		}, nil
	}
	return nil, fmt.Errorf("unknown change kind %q", cols.Kind)
}

func decodeListingAttrs(attrs []byte) (model.Listing, error) {
	var l model.Listing
	if len(attrs) == 0 {
		return l, fmt.Errorf("listing attributes are empty")
	}
	if err := json.Unmarshal(attrs, &l); err != nil {
		return l, fmt.Errorf("failed to decode listing attributes: %w", err)
	}
	return l, nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

const listingColumns = `id, price, next_price_reduce, datacenter, cpu_name, ram_size_gb, ram_module_count,
	disks, cap_ipv4, cap_gpu, cap_inic, cap_ecc, cap_hwr, last_message_id`

func scanListing(s rowScanner) (model.Listing, error) {
	var l model.Listing
	var nextReduce sql.NullTime
	var datacenter string
	var disks []byte
	var lastMessageID sql.NullInt64

	err := s.Scan(
		&l.ID, &l.Price, &nextReduce, &datacenter, &l.CPUName, &l.RAMSizeGB, &l.RAMModuleCount,
		&disks, &l.Capabilities.IPv4, &l.Capabilities.GPU, &l.Capabilities.INIC,
		&l.Capabilities.ECC, &l.Capabilities.HWR, &lastMessageID,
	)
	if err != nil {
		return l, err
	}

	l.Datacenter = model.Datacenter(datacenter)
	if err := json.Unmarshal(disks, &l.Disks); err != nil {
		return l, fmt.Errorf("failed to decode disks of listing %d: %w", l.ID, err)
	}
	if nextReduce.Valid {
		t := nextReduce.Time
		l.NextPriceReduce = &t
	}
	if lastMessageID.Valid {
		id := lastMessageID.Int64
		l.LastMessageID = &id
	}
	return l, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	i := v.Int64
	return &i
}
