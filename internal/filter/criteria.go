// Package filter は出品を受け入れるかどうかを判定する条件評価を提供する。
// 判定は純粋関数で、I/Oやグローバル状態を参照しない。
package filter

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/auctionwatch/internal/model"
)

// Criteria は出品の受け入れ条件。
// 各条件は独立に省略可能で（nilまたは空 = 制約なし）、指定された条件はすべて満たす必要がある。
type Criteria struct {
	MaxPrice     *decimal.Decimal
	CPUSubstring string
	Datacenters  []model.Datacenter

	MinRAMGB         *int
	MinDiskCount     *int
	MinFastDiskCount *int
	MinEachDiskGB    *int
	MinAnyDiskGB     *int

	MinRAID0GB     *int
	MinRAID1GB     *int
	MinRAID5GB     *int
	MinRAID6GB     *int
	MinRedundantGB *int

	RequireIPv4 bool
	RequireGPU  bool
	RequireINIC bool
	RequireECC  bool
	RequireHWR  bool
}

// Validate は条件値の妥当性を検証する。負の閾値はエラーとする。
func (c Criteria) Validate() error {
	if c.MaxPrice != nil && c.MaxPrice.IsNegative() {
		return fmt.Errorf("max price must not be negative: %s", c.MaxPrice)
	}

	thresholds := []struct {
		name  string
		value *int
	}{
		{"min ram", c.MinRAMGB},
		{"min disks", c.MinDiskCount},
		{"min fast disks", c.MinFastDiskCount},
		{"min disk size", c.MinEachDiskGB},
		{"min any disk size", c.MinAnyDiskGB},
		{"min raid0", c.MinRAID0GB},
		{"min raid1", c.MinRAID1GB},
		{"min raid5", c.MinRAID5GB},
		{"min raid6", c.MinRAID6GB},
		{"min redundant", c.MinRedundantGB},
	}
	for _, th := range thresholds {
		if th.value != nil && *th.value < 0 {
			return fmt.Errorf("%s must not be negative: %d", th.name, *th.value)
		}
	}

	for _, dc := range c.Datacenters {
		switch dc {
		case model.DatacenterFalkenstein, model.DatacenterHelsinki, model.DatacenterNuremberg, model.DatacenterUnknown:
		default:
			return fmt.Errorf("unknown datacenter: %q", dc)
		}
	}

	return nil
}

// ValidateTaxRate は税率（%）が0〜100の範囲にあるかを検証する。
func ValidateTaxRate(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("tax rate must be between 0 and 100: %s", rate)
	}
	return nil
}
