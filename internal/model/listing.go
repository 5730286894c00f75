// Package model はドメインモデルを定義する。
package model

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Datacenter はサーバーの設置拠点を表す。
type Datacenter string

const (
	// DatacenterFalkenstein はファルケンシュタイン拠点（FSN）。
	DatacenterFalkenstein Datacenter = "FSN"
	// DatacenterHelsinki はヘルシンキ拠点（HEL）。
	DatacenterHelsinki Datacenter = "HEL"
	// DatacenterNuremberg はニュルンベルク拠点（NBG）。
	DatacenterNuremberg Datacenter = "NBG"
	// DatacenterUnknown は未知の拠点コード。
	DatacenterUnknown Datacenter = "unknown"
)

// knownDatacenters は部分一致の判定順序。
var knownDatacenters = []Datacenter{DatacenterFalkenstein, DatacenterHelsinki, DatacenterNuremberg}

// ParseDatacenter はフィードの拠点コード（例: "FSN1-DC14"）から拠点を判定する。
// 大文字のコードの部分一致で判定し（大文字小文字を区別する）、該当しない場合はDatacenterUnknownを返す。
func ParseDatacenter(code string) Datacenter {
	for _, dc := range knownDatacenters {
		if strings.Contains(code, string(dc)) {
			return dc
		}
	}
	return DatacenterUnknown
}

// DisplayName は通知用の拠点名を返す。
func (d Datacenter) DisplayName() string {
	switch d {
	case DatacenterFalkenstein:
		return "Falkenstein"
	case DatacenterHelsinki:
		return "Helsinki"
	case DatacenterNuremberg:
		return "Nürnberg"
	default:
		return "Unknown location"
	}
}

// DiskClass はディスクの種別を表す。
type DiskClass string

const (
	DiskHDD           DiskClass = "hdd"
	DiskEnterpriseHDD DiskClass = "enterprise_hdd"
	DiskSSD           DiskClass = "ssd"
	DiskEnterpriseSSD DiskClass = "enterprise_ssd"
)

// DiskClasses は全ディスク種別を固定順で返す。
func DiskClasses() []DiskClass {
	return []DiskClass{DiskHDD, DiskEnterpriseHDD, DiskSSD, DiskEnterpriseSSD}
}

// IsFast はSSD系（ssd / enterprise_ssd）かどうかを返す。
func (c DiskClass) IsFast() bool {
	return c == DiskSSD || c == DiskEnterpriseSSD
}

// Disks はディスク種別ごとの容量（GB）一覧。種別内の順序はフィードの順序を保持する。
type Disks map[DiskClass][]int

// All は全ディスクの容量を種別の固定順で連結して返す。
func (d Disks) All() []int {
	var sizes []int
	for _, class := range DiskClasses() {
		sizes = append(sizes, d[class]...)
	}
	return sizes
}

// Count はディスクの総数を返す。
func (d Disks) Count() int {
	n := 0
	for _, sizes := range d {
		n += len(sizes)
	}
	return n
}

// FastCount はSSD系ディスクの数を返す。
func (d Disks) FastCount() int {
	return len(d[DiskSSD]) + len(d[DiskEnterpriseSSD])
}

// Equal は種別ごとに容量と順序が一致するかを返す。空スライスとnilは同一とみなす。
func (d Disks) Equal(other Disks) bool {
	for _, class := range DiskClasses() {
		if !slices.Equal(d[class], other[class]) {
			return false
		}
	}
	return true
}

// String は "ssd:[512 512] hdd:[2000]" 形式の表現を返す。空の種別は省略する。
func (d Disks) String() string {
	var parts []string
	for _, class := range DiskClasses() {
		sizes := d[class]
		if len(sizes) == 0 {
			continue
		}
		nums := make([]string, len(sizes))
		for i, s := range sizes {
			nums[i] = strconv.Itoa(s)
		}
		parts = append(parts, string(class)+":["+strings.Join(nums, " ")+"]")
	}
	return strings.Join(parts, " ")
}

// Capabilities はサーバーの付加機能フラグ。
type Capabilities struct {
	IPv4 bool `json:"ipv4"`
	GPU  bool `json:"gpu"`
	INIC bool `json:"inic"`
	ECC  bool `json:"ecc"`
	HWR  bool `json:"hwr"`
}

// String は有効なフラグ名をカンマ区切りで返す。1つもない場合は "none"。
func (c Capabilities) String() string {
	var names []string
	if c.IPv4 {
		names = append(names, "IPv4")
	}
	if c.GPU {
		names = append(names, "GPU")
	}
	if c.INIC {
		names = append(names, "iNIC")
	}
	if c.ECC {
		names = append(names, "ECC")
	}
	if c.HWR {
		names = append(names, "HWR")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// Listing はある時点でのオークション出品サーバー1件を表す。
// ポーリングごとに生データから生成され、分類後は変更しない。
type Listing struct {
	ID              int64           `json:"id"`
	Price           decimal.Decimal `json:"price"`
	NextPriceReduce *time.Time      `json:"next_price_reduce,omitempty"` // 固定価格の場合はnil
	Datacenter      Datacenter      `json:"datacenter"`
	CPUName         string          `json:"cpu_name"`
	RAMSizeGB       int             `json:"ram_size_gb"`
	RAMModuleCount  int             `json:"ram_module_count"`
	Disks           Disks           `json:"disks"`
	Capabilities    Capabilities    `json:"capabilities"`

	// LastMessageID は配信済み通知のスレッドアンカー。比較対象外。
	LastMessageID *int64 `json:"-"`
}

// TotalDisks はディスクの総数を返す。
func (l Listing) TotalDisks() int {
	return l.Disks.Count()
}

// Equal はLastMessageIDを除く全属性が一致するかを返す。
func (l Listing) Equal(other Listing) bool {
	return l.ID == other.ID &&
		l.Price.Equal(other.Price) &&
		timePtrEqual(l.NextPriceReduce, other.NextPriceReduce) &&
		l.Datacenter == other.Datacenter &&
		l.CPUName == other.CPUName &&
		l.RAMSizeGB == other.RAMSizeGB &&
		l.RAMModuleCount == other.RAMModuleCount &&
		l.Disks.Equal(other.Disks) &&
		l.Capabilities == other.Capabilities
}

// URL はオークションページ上の検索URLを返す。
func (l Listing) URL() string {
	return "https://www.hetzner.com/sb?search=" + strconv.FormatInt(l.ID, 10)
}

// Pricing は実効価格の算出パラメータ。
type Pricing struct {
	// TaxRate は税率（%）。0〜100。
	TaxRate decimal.Decimal
	// IPv4Surcharge はIPv4を持たないサーバーへの加算額。取得できなかった場合はnil（0として扱う）。
	IPv4Surcharge *decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// EffectivePrice は税とIPv4加算額を含む実効価格を返す。
// price * (1 + tax/100) + (IPv4なしの場合のみ ipv4_surcharge)
func (p Pricing) EffectivePrice(price decimal.Decimal, hasIPv4 bool) decimal.Decimal {
	total := price.Mul(decimal.NewFromInt(1).Add(p.TaxRate.Div(hundred)))
	if !hasIPv4 && p.IPv4Surcharge != nil {
		total = total.Add(*p.IPv4Surcharge)
	}
	return total
}

// EffectivePriceOf はListingの実効価格を返す。
func (p Pricing) EffectivePriceOf(l Listing) decimal.Decimal {
	return p.EffectivePrice(l.Price, l.Capabilities.IPv4)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
