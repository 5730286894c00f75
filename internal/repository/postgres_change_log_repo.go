package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/auctionwatch/internal/model"
)

// PostgresChangeLogRepo はPostgreSQLを使用した変更ログリポジトリ。
type PostgresChangeLogRepo struct {
	db *sql.DB
}

// NewPostgresChangeLogRepo はPostgresChangeLogRepoを生成する。
func NewPostgresChangeLogRepo(db *sql.DB) *PostgresChangeLogRepo {
	return &PostgresChangeLogRepo{db: db}
}

const changeLogColumns = `c.id, c.server_id, c.thread_anchor, c.kind, c.attrs, c.old_price, c.new_price,
	c.next_price_reduce, c.attr_name, c.prev_value, c.new_value, c.created_at, c.sent_at, c.sent_anchor`

func scanChangeRecord(s rowScanner, extra ...any) (model.ChangeRecord, error) {
	var rec model.ChangeRecord
	var cols changeColumns
	var threadAnchor, sentAnchor sql.NullInt64
	var sentAt sql.NullTime

	dest := []any{
		&rec.ID, &rec.ListingID, &threadAnchor, &cols.Kind, &cols.Attrs, &cols.OldPrice, &cols.NewPrice,
		&cols.NextPriceReduce, &cols.AttrName, &cols.PrevValue, &cols.NewValue, &rec.CreatedAt, &sentAt, &sentAnchor,
	}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return rec, err
	}

	change, err := decodeChange(cols)
	if err != nil {
		return rec, fmt.Errorf("change record %d: %w", rec.ID, err)
	}
	rec.Change = change
	rec.ThreadAnchor = int64Ptr(threadAnchor)
	rec.SentAnchor = int64Ptr(sentAnchor)
	if sentAt.Valid {
		t := sentAt.Time
		rec.SentAt = &t
	}
	return rec, nil
}

// ListUnsent は未配信のレコードをID順で取得する。
func (r *PostgresChangeLogRepo) ListUnsent(ctx context.Context) ([]model.PendingRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+changeLogColumns+`, l.last_message_id
		 FROM change_log c
		 LEFT JOIN listings l ON l.id = c.listing_id
		 WHERE c.sent_at IS NULL
		 ORDER BY c.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("未配信レコードの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var pending []model.PendingRecord
	for rows.Next() {
		var listingAnchor sql.NullInt64
		rec, err := scanChangeRecord(rows, &listingAnchor)
		if err != nil {
			return nil, fmt.Errorf("未配信レコードのスキャンに失敗しました: %w", err)
		}

		replyTo := int64Ptr(listingAnchor)
		if replyTo == nil {
			replyTo = rec.ThreadAnchor
		}
		pending = append(pending, model.PendingRecord{Record: rec, ReplyTo: replyTo})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("未配信レコードの読み込みに失敗しました: %w", err)
	}

	return pending, nil
}

// MarkSent は配信成功を記録し、出品行が残っていればlast_message_idを更新する。
// 配信確認列は一度だけ書き込まれ、配信済みのレコードに対してはエラーを返す。
func (r *PostgresChangeLogRepo) MarkSent(ctx context.Context, recordID, anchor int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var listingID sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`UPDATE change_log SET sent_at = now(), sent_anchor = $2
		 WHERE id = $1 AND sent_at IS NULL
		 RETURNING listing_id`,
		recordID, anchor,
	).Scan(&listingID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("change record not found or already sent: %d", recordID)
	}
	if err != nil {
		return fmt.Errorf("failed to mark change record %d as sent: %w", recordID, err)
	}

	if listingID.Valid {
		_, err = tx.ExecContext(ctx,
			`UPDATE listings SET last_message_id = $2 WHERE id = $1`,
			listingID.Int64, anchor,
		)
		if err != nil {
			return fmt.Errorf("failed to update thread anchor of listing %d: %w", listingID.Int64, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListRecent は新しい順に最大limit件のレコードを取得する。
func (r *PostgresChangeLogRepo) ListRecent(ctx context.Context, limit int) ([]model.ChangeRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+changeLogColumns+` FROM change_log c ORDER BY c.id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("変更ログの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var records []model.ChangeRecord
	for rows.Next() {
		rec, err := scanChangeRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("変更ログのスキャンに失敗しました: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("変更ログの読み込みに失敗しました: %w", err)
	}

	return records, nil
}

// DeleteDeliveredBefore は指定日時より前に配信済みとなったレコードを削除する。
// 未配信のレコードは削除しない。
func (r *PostgresChangeLogRepo) DeleteDeliveredBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM change_log WHERE sent_at IS NOT NULL AND sent_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("配信済みレコードの削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// compile-time interface check
var _ ChangeLogRepository = (*PostgresChangeLogRepo)(nil)
