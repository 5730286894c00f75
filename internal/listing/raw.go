// Package listing は上流フィードの生データからドメインのListingを構築する。
// ディスク表記の解析、拠点コードの判定、RAMモジュール数の抽出を含む。
package listing

import "github.com/shopspring/decimal"

// Feed は上流フィードのレスポンス全体。
type Feed struct {
	Server []RawServer `json:"server"`
}

// RawServer は上流フィードの出品1件分の生データ。
type RawServer struct {
	ID                  int64           `json:"id"`
	Price               decimal.Decimal `json:"price"`
	FixedPrice          bool            `json:"fixed_price"`
	NextReduceTimestamp int64           `json:"next_reduce_timestamp"`
	Datacenter          string          `json:"datacenter"`
	CPU                 string          `json:"cpu"`
	RAMSize             int             `json:"ram_size"`
	RAM                 []string        `json:"ram"`
	HDDArr              []string        `json:"hdd_arr"`
	ServerDiskData      *ServerDiskData `json:"serverDiskData,omitempty"`
	Specials            []string        `json:"specials"`
}

// ServerDiskData はフィードが別途提供するディスク容量（GB）の集計。
// hdd_arrの解析結果の検証に使う。
type ServerDiskData struct {
	HDD  []int `json:"hdd"`
	SATA []int `json:"sata"`
	NVMe []int `json:"nvme"`
}
