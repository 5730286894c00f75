// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/auctionwatch/internal/model"
	"github.com/hitoshi/auctionwatch/internal/reconcile"
)

// SnapshotRepository は出品スナップショットの永続化インターフェース。
type SnapshotRepository interface {
	// ListAll は保存済みの全出品をID順で取得する。
	ListAll(ctx context.Context) ([]model.Listing, error)

	// Commit は差分の適用と変更レコードの追記を1つのトランザクションで行う。
	// 削除された出品の行を削除し、更新された出品の行はスレッドアンカーを保持したまま上書きし、
	// 新規出品の行を挿入したうえで変更レコードを追記する。
	// 差分の前提（削除・更新前の状態、新規IDの不在）が保存済みの状態と一致しない場合は
	// ErrSnapshotConflictを返す。失敗した場合は何も反映されない。採番済みの変更レコードを返す。
	Commit(ctx context.Context, diff reconcile.Diff, records []model.ChangeRecord) ([]model.ChangeRecord, error)
}

// ChangeLogRepository は変更ログの読み出しと配信確認のインターフェース。
// 追記はSnapshotRepository.Commitでのみ行う。
type ChangeLogRepository interface {
	// ListUnsent は未配信のレコードをID順で取得する。
	// 返信先は出品行が残っていればその最新のlast_message_id、なければレコードのthread_anchor。
	ListUnsent(ctx context.Context) ([]model.PendingRecord, error)

	// MarkSent は配信成功を記録し、返されたメッセージIDを出品行のlast_message_idに反映する。
	// 両方の更新は同一トランザクションで行う。
	MarkSent(ctx context.Context, recordID, anchor int64) error

	// ListRecent は新しい順に最大limit件のレコードを取得する。
	ListRecent(ctx context.Context, limit int) ([]model.ChangeRecord, error)

	// DeleteDeliveredBefore は指定日時より前に配信済みとなったレコードを削除し、削除件数を返す。
	DeleteDeliveredBefore(ctx context.Context, before time.Time) (int64, error)
}

// NotificationConfigRepository は通知設定の永続化インターフェース。
type NotificationConfigRepository interface {
	// Get は通知設定を取得する。設定が存在しない場合はnilを返す。
	Get(ctx context.Context) (*model.NotificationConfig, error)

	// Save は通知設定を作成または上書きする。
	Save(ctx context.Context, cfg *model.NotificationConfig) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
