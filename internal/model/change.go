// Package model はドメインモデルを定義する。
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ChangeKind は検出した変更の種別を表す。
type ChangeKind string

const (
	// ChangeKindNew は新規出品。
	ChangeKindNew ChangeKind = "new"
	// ChangeKindPriceChanged は価格変更。
	ChangeKindPriceChanged ChangeKind = "price_changed"
	// ChangeKindHardwareChanged はハードウェア構成の変更。
	ChangeKindHardwareChanged ChangeKind = "hardware_changed"
	// ChangeKindSold は出品の消滅（売却）。
	ChangeKindSold ChangeKind = "sold"
)

// Attribute はハードウェア変更の判定対象となる属性名。
type Attribute string

const (
	AttributeLocation       Attribute = "location"
	AttributeCPUName        Attribute = "cpu_name"
	AttributeRAMSizeGB      Attribute = "ram_size_gb"
	AttributeRAMModuleCount Attribute = "ram_module_count"
	AttributeDisks          Attribute = "disks"
	AttributeCapabilities   Attribute = "capability_flags"
)

// Change は変更内容を表す直和型。
// NewListing / PriceChanged / HardwareChanged / Sold のいずれか。
type Change interface {
	Kind() ChangeKind
	isChange()
}

// NewListing は新規出品。出品の全属性を保持する。
type NewListing struct {
	Listing Listing
}

// PriceChanged は価格変更。
type PriceChanged struct {
	OldPrice        decimal.Decimal
	NewPrice        decimal.Decimal
	NextPriceReduce *time.Time
}

// HardwareChanged は最初に差分が見つかったハードウェア属性の変更。
type HardwareChanged struct {
	Attribute Attribute
	Old       string
	New       string
}

// Sold は出品の消滅。最後に観測した全属性を保持する。
type Sold struct {
	Listing Listing
}

func (NewListing) Kind() ChangeKind      { return ChangeKindNew }
func (PriceChanged) Kind() ChangeKind    { return ChangeKindPriceChanged }
func (HardwareChanged) Kind() ChangeKind { return ChangeKindHardwareChanged }
func (Sold) Kind() ChangeKind            { return ChangeKindSold }

func (NewListing) isChange()      {}
func (PriceChanged) isChange()    {}
func (HardwareChanged) isChange() {}
func (Sold) isChange()            {}

// ChangeRecord は変更ログの1レコード。永続化後は配信確認列を除いて不変。
type ChangeRecord struct {
	ID        int64
	ListingID int64
	// ThreadAnchor は返信スレッド化に使うメッセージID。初回のnewではnil。
	ThreadAnchor *int64
	Change       Change
	CreatedAt    time.Time

	// SentAt と SentAnchor は配信成功時にMarkSentで一度だけ設定される。
	SentAt     *time.Time
	SentAnchor *int64
}

// Kind はレコードの変更種別を返す。
func (r ChangeRecord) Kind() ChangeKind {
	return r.Change.Kind()
}

// PendingRecord は未配信の変更レコードと、配信時に返信先とするアンカーの組。
// ReplyTo は出品行が残っていればその最新のlast_message_id、なければレコードのThreadAnchor。
type PendingRecord struct {
	Record  ChangeRecord
	ReplyTo *int64
}

// NotificationConfig は通知配信の設定。最大1行のみ存在する。
type NotificationConfig struct {
	Timeout          time.Duration
	TelegramAPIToken string
	TelegramChatID   int64
}

// DeliveryEnabled は配信に必要な認証情報が揃っているかを返す。
func (c *NotificationConfig) DeliveryEnabled() bool {
	return c != nil && c.TelegramAPIToken != "" && c.TelegramChatID != 0
}
