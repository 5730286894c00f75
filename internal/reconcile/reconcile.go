// Package reconcile は前回の出品スナップショットと今回取得した出品の差分を算出する。
package reconcile

import (
	"cmp"
	"slices"

	"github.com/hitoshi/auctionwatch/internal/model"
)

// Pair は同一IDの新旧の出品。
type Pair struct {
	New model.Listing
	Old model.Listing
}

// Diff はスナップショット間の差分。各スライスは出品ID順に並ぶ。
type Diff struct {
	Created []model.Listing
	Updated []Pair
	Removed []model.Listing

	// Unchanged は属性が一致した出品の数。
	Unchanged int
}

// Empty は差分がないかを返す。
func (d Diff) Empty() bool {
	return len(d.Created) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// Reconcile は前回のスナップショットと今回の出品を比較し、新規・更新・削除に分類する。
// 属性比較はmodel.Listing.Equalで行い、スレッドアンカーは比較しない。
// 今回側に同一IDが複数ある場合は先勝ちとし、後続は無視する。
func Reconcile(previous, current []model.Listing) Diff {
	prev := make(map[int64]model.Listing, len(previous))
	for _, l := range previous {
		prev[l.ID] = l
	}

	var diff Diff
	seen := make(map[int64]struct{}, len(current))
	for _, cur := range current {
		if _, dup := seen[cur.ID]; dup {
			continue
		}
		seen[cur.ID] = struct{}{}

		old, ok := prev[cur.ID]
		if !ok {
			diff.Created = append(diff.Created, cur)
			continue
		}
		delete(prev, cur.ID)

		if cur.Equal(old) {
			diff.Unchanged++
			continue
		}
		diff.Updated = append(diff.Updated, Pair{New: cur, Old: old})
	}

	for _, old := range prev {
		diff.Removed = append(diff.Removed, old)
	}

	byID := func(a, b model.Listing) int { return cmp.Compare(a.ID, b.ID) }
	slices.SortFunc(diff.Created, byID)
	slices.SortFunc(diff.Removed, byID)
	slices.SortFunc(diff.Updated, func(a, b Pair) int { return cmp.Compare(a.New.ID, b.New.ID) })

	return diff
}

// Apply は差分を前回のスナップショットに適用した結果をID順で返す。
// 更新された出品は旧行のスレッドアンカーを引き継ぐ。
func Apply(previous []model.Listing, diff Diff) []model.Listing {
	next := make(map[int64]model.Listing, len(previous)+len(diff.Created))
	for _, l := range previous {
		next[l.ID] = l
	}
	for _, l := range diff.Removed {
		delete(next, l.ID)
	}
	for _, p := range diff.Updated {
		l := p.New
		l.LastMessageID = p.Old.LastMessageID
		next[l.ID] = l
	}
	for _, l := range diff.Created {
		next[l.ID] = l
	}

	out := make([]model.Listing, 0, len(next))
	for _, l := range next {
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b model.Listing) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
