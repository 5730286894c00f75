package app

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/hitoshi/auctionwatch/internal/filter"
	"github.com/hitoshi/auctionwatch/internal/model"
)

// intCriteria はフラグ名とCriteriaの整数閾値フィールドの対応。
var intCriteria = []struct {
	name  string
	usage string
	field func(c *filter.Criteria) **int
}{
	{"min-ram", "最小RAM容量（GB）", func(c *filter.Criteria) **int { return &c.MinRAMGB }},
	{"min-disks", "最小ディスク数", func(c *filter.Criteria) **int { return &c.MinDiskCount }},
	{"min-fast-disks", "最小SSD数", func(c *filter.Criteria) **int { return &c.MinFastDiskCount }},
	{"min-disk-size", "すべてのディスクが満たす最小容量（GB）", func(c *filter.Criteria) **int { return &c.MinEachDiskGB }},
	{"min-any-disk-size", "いずれかのディスクが満たす最小容量（GB）", func(c *filter.Criteria) **int { return &c.MinAnyDiskGB }},
	{"min-raid0", "RAID0構成時の最小容量（GB）", func(c *filter.Criteria) **int { return &c.MinRAID0GB }},
	{"min-raid1", "RAID1構成時の最小容量（GB）", func(c *filter.Criteria) **int { return &c.MinRAID1GB }},
	{"min-raid5", "RAID5構成時の最小容量（GB）", func(c *filter.Criteria) **int { return &c.MinRAID5GB }},
	{"min-raid6", "RAID6構成時の最小容量（GB）", func(c *filter.Criteria) **int { return &c.MinRAID6GB }},
	{"min-redundant", "RAID1/5/6のいずれかで満たす最小容量（GB）", func(c *filter.Criteria) **int { return &c.MinRedundantGB }},
}

// registerCriteriaFlags はフィルタ条件のフラグを登録する。
// 値の解釈はcriteriaFromFlagsで行い、指定されなかったフラグは条件なしとして扱う。
func registerCriteriaFlags(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.String("max-price", "", "最大月額料金（税・IPv4加算込み、EUR）")
	fs.String("cpu", "", "CPU名に含まれる文字列（大文字小文字を区別しない）")
	fs.StringSlice("datacenter", nil, "データセンター（FSN, HEL, NBG）。複数指定可")
	for _, ic := range intCriteria {
		fs.Int(ic.name, 0, ic.usage)
	}
	fs.Bool("ipv4", false, "IPv4アドレス付きの出品のみ")
	fs.Bool("gpu", false, "GPU搭載の出品のみ")
	fs.Bool("inic", false, "Intel NIC搭載の出品のみ")
	fs.Bool("ecc", false, "ECCメモリ搭載の出品のみ")
	fs.Bool("hwr", false, "ハードウェアRAID搭載の出品のみ")
	fs.String("tax", "", "料金に加算する税率（%）。未指定の場合はTAX_RATE")
}

// criteriaFromFlags はフラグからフィルタ条件を組み立てて検証する。
func criteriaFromFlags(cmd *cobra.Command) (filter.Criteria, error) {
	fs := cmd.Flags()
	var c filter.Criteria

	if fs.Changed("max-price") {
		s, _ := fs.GetString("max-price")
		price, err := decimal.NewFromString(s)
		if err != nil {
			return c, fmt.Errorf("invalid --max-price %q: %w", s, err)
		}
		c.MaxPrice = &price
	}

	c.CPUSubstring, _ = fs.GetString("cpu")

	dcs, _ := fs.GetStringSlice("datacenter")
	for _, dc := range dcs {
		dc = strings.TrimSpace(dc)
		if strings.EqualFold(dc, string(model.DatacenterUnknown)) {
			c.Datacenters = append(c.Datacenters, model.DatacenterUnknown)
			continue
		}
		c.Datacenters = append(c.Datacenters, model.Datacenter(strings.ToUpper(dc)))
	}

	for _, ic := range intCriteria {
		if !fs.Changed(ic.name) {
			continue
		}
		v, _ := fs.GetInt(ic.name)
		*ic.field(&c) = &v
	}

	c.RequireIPv4, _ = fs.GetBool("ipv4")
	c.RequireGPU, _ = fs.GetBool("gpu")
	c.RequireINIC, _ = fs.GetBool("inic")
	c.RequireECC, _ = fs.GetBool("ecc")
	c.RequireHWR, _ = fs.GetBool("hwr")

	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("invalid filter criteria: %w", err)
	}
	return c, nil
}

// taxRateFromFlags は--taxが指定されていればその値を、なければdefaultRateを返す。
func taxRateFromFlags(cmd *cobra.Command, defaultRate decimal.Decimal) (decimal.Decimal, error) {
	if !cmd.Flags().Changed("tax") {
		return defaultRate, nil
	}
	s, _ := cmd.Flags().GetString("tax")
	rate, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid --tax %q: %w", s, err)
	}
	if err := filter.ValidateTaxRate(rate); err != nil {
		return decimal.Zero, err
	}
	return rate, nil
}
