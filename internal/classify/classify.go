// Package classify は新旧の出品の組から変更種別と変更内容を決定する。
package classify

import (
	"strconv"

	"github.com/hitoshi/auctionwatch/internal/model"
	"github.com/hitoshi/auctionwatch/internal/reconcile"
)

// hardwareCheck は属性名と、新旧の属性値を文字列で返す関数の組。
type hardwareCheck struct {
	attr  model.Attribute
	value func(model.Listing) string
}

// hardwareChecks は判定順序。最初に差分が見つかった属性のみを報告する。
var hardwareChecks = []hardwareCheck{
	{model.AttributeLocation, func(l model.Listing) string { return string(l.Datacenter) }},
	{model.AttributeCPUName, func(l model.Listing) string { return l.CPUName }},
	{model.AttributeRAMSizeGB, func(l model.Listing) string { return strconv.Itoa(l.RAMSizeGB) }},
	{model.AttributeRAMModuleCount, func(l model.Listing) string { return strconv.Itoa(l.RAMModuleCount) }},
	{model.AttributeDisks, func(l model.Listing) string { return l.Disks.String() }},
	{model.AttributeCapabilities, func(l model.Listing) string { return l.Capabilities.String() }},
}

// Classify は新旧の出品から変更レコードを生成する。
// IDと作成日時は永続化時に採番されるため未設定のまま返す。
//
//   - old が nil: 新規出品
//   - next が nil: 売却（旧行のスレッドアンカーを引き継ぐ）
//   - 価格が異なる: 価格変更（ハードウェア変更より優先）
//   - それ以外: 判定順序で最初に異なる属性のハードウェア変更
//
// 変更がない場合はnilを返す。
func Classify(next, old *model.Listing) *model.ChangeRecord {
	switch {
	case next == nil && old == nil:
		return nil
	case old == nil:
		return &model.ChangeRecord{
			ListingID: next.ID,
			Change:    model.NewListing{Listing: *next},
		}
	case next == nil:
		return &model.ChangeRecord{
			ListingID:    old.ID,
			ThreadAnchor: old.LastMessageID,
			Change:       model.Sold{Listing: *old},
		}
	}

	if !next.Price.Equal(old.Price) {
		return &model.ChangeRecord{
			ListingID:    next.ID,
			ThreadAnchor: old.LastMessageID,
			Change: model.PriceChanged{
				OldPrice:        old.Price,
				NewPrice:        next.Price,
				NextPriceReduce: next.NextPriceReduce,
			},
		}
	}

	for _, check := range hardwareChecks {
		oldValue, newValue := check.value(*old), check.value(*next)
		if oldValue == newValue {
			continue
		}
		return &model.ChangeRecord{
			ListingID:    next.ID,
			ThreadAnchor: old.LastMessageID,
			Change: model.HardwareChanged{
				Attribute: check.attr,
				Old:       oldValue,
				New:       newValue,
			},
		}
	}

	return nil
}

// ClassifyDiff は差分全体を変更レコード列に変換する。
// 順序は新規、更新、売却の順で、それぞれ出品ID順。
// 値下げ予定時刻のみが変わった更新のように記録対象にならない差分は含まない。
func ClassifyDiff(diff reconcile.Diff) []model.ChangeRecord {
	records := make([]model.ChangeRecord, 0, len(diff.Created)+len(diff.Updated)+len(diff.Removed))

	for i := range diff.Created {
		if r := Classify(&diff.Created[i], nil); r != nil {
			records = append(records, *r)
		}
	}
	for i := range diff.Updated {
		if r := Classify(&diff.Updated[i].New, &diff.Updated[i].Old); r != nil {
			records = append(records, *r)
		}
	}
	for i := range diff.Removed {
		if r := Classify(nil, &diff.Removed[i]); r != nil {
			records = append(records, *r)
		}
	}

	return records
}
