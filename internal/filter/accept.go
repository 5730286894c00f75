package filter

import (
	"slices"
	"strings"

	"github.com/hitoshi/auctionwatch/internal/model"
)

// RAIDEstimates はディスク構成から見積もったRAIDレベルごとの実効容量（GB）。
type RAIDEstimates struct {
	RAID0 int
	RAID1 int
	RAID5 int
	RAID6 int
}

// EstimateRAID はディスク容量一覧からRAID容量を見積もる。
// n = ディスク数、m = 最小ディスク容量として
// RAID1 = m*n/2、RAID5 = m*(n-1)（n>=3）、RAID6 = m*(n-2)（n>=4）。
// ディスクがない場合はすべて0を返す。
func EstimateRAID(sizes []int) RAIDEstimates {
	n := len(sizes)
	if n == 0 {
		return RAIDEstimates{}
	}

	m := slices.Min(sizes)
	est := RAIDEstimates{
		RAID1: m * n / 2,
	}
	for _, s := range sizes {
		est.RAID0 += s
	}
	if n >= 3 {
		est.RAID5 = m * (n - 1)
	}
	if n >= 4 {
		est.RAID6 = m * (n - 2)
	}
	return est
}

// Accepts は出品が条件をすべて満たすかを返す。
// ディスクを持たない出品はディスク関連の条件をすべて満たさない。
func Accepts(l model.Listing, c Criteria, pricing model.Pricing) bool {
	if c.MaxPrice != nil && pricing.EffectivePriceOf(l).GreaterThan(*c.MaxPrice) {
		return false
	}
	if c.CPUSubstring != "" && !strings.Contains(strings.ToLower(l.CPUName), strings.ToLower(c.CPUSubstring)) {
		return false
	}
	if len(c.Datacenters) > 0 && !slices.Contains(c.Datacenters, l.Datacenter) {
		return false
	}
	if c.MinRAMGB != nil && l.RAMSizeGB < *c.MinRAMGB {
		return false
	}

	if !acceptsDisks(l.Disks, c) {
		return false
	}

	caps := l.Capabilities
	switch {
	case c.RequireIPv4 && !caps.IPv4,
		c.RequireGPU && !caps.GPU,
		c.RequireINIC && !caps.INIC,
		c.RequireECC && !caps.ECC,
		c.RequireHWR && !caps.HWR:
		return false
	}

	return true
}

func acceptsDisks(disks model.Disks, c Criteria) bool {
	if !hasDiskCriteria(c) {
		return true
	}

	sizes := disks.All()
	if len(sizes) == 0 {
		return false
	}

	if c.MinDiskCount != nil && len(sizes) < *c.MinDiskCount {
		return false
	}
	if c.MinFastDiskCount != nil && disks.FastCount() < *c.MinFastDiskCount {
		return false
	}
	if c.MinEachDiskGB != nil && slices.Min(sizes) < *c.MinEachDiskGB {
		return false
	}
	if c.MinAnyDiskGB != nil && slices.Max(sizes) < *c.MinAnyDiskGB {
		return false
	}

	est := EstimateRAID(sizes)
	if c.MinRAID0GB != nil && est.RAID0 < *c.MinRAID0GB {
		return false
	}
	if c.MinRAID1GB != nil && est.RAID1 < *c.MinRAID1GB {
		return false
	}
	if c.MinRAID5GB != nil && est.RAID5 < *c.MinRAID5GB {
		return false
	}
	if c.MinRAID6GB != nil && est.RAID6 < *c.MinRAID6GB {
		return false
	}
	if c.MinRedundantGB != nil {
		threshold := *c.MinRedundantGB
		if est.RAID1 < threshold && est.RAID5 < threshold && est.RAID6 < threshold {
			return false
		}
	}

	return true
}

func hasDiskCriteria(c Criteria) bool {
	for _, th := range []*int{
		c.MinDiskCount, c.MinFastDiskCount, c.MinEachDiskGB, c.MinAnyDiskGB,
		c.MinRAID0GB, c.MinRAID1GB, c.MinRAID5GB, c.MinRAID6GB, c.MinRedundantGB,
	} {
		if th != nil {
			return true
		}
	}
	return false
}

// Apply は条件を満たす出品だけを入力順のまま返す。
func Apply(listings []model.Listing, c Criteria, pricing model.Pricing) []model.Listing {
	accepted := make([]model.Listing, 0, len(listings))
	for _, l := range listings {
		if Accepts(l, c, pricing) {
			accepted = append(accepted, l)
		}
	}
	return accepted
}
