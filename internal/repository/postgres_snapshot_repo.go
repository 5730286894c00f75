package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hitoshi/auctionwatch/internal/model"
	"github.com/hitoshi/auctionwatch/internal/reconcile"
)

// ErrSnapshotConflict は差分の元になったスナップショットが保存済みの状態と一致しないことを示す。
// 重複実行などで先に別の差分が適用された場合に返る。
var ErrSnapshotConflict = errors.New("snapshot has changed since it was read")

// PostgresSnapshotRepo はPostgreSQLを使用した出品スナップショットリポジトリ。
type PostgresSnapshotRepo struct {
	db *sql.DB
}

// NewPostgresSnapshotRepo はPostgresSnapshotRepoを生成する。
func NewPostgresSnapshotRepo(db *sql.DB) *PostgresSnapshotRepo {
	return &PostgresSnapshotRepo{db: db}
}

// ListAll は保存済みの全出品をID順で取得する。
func (r *PostgresSnapshotRepo) ListAll(ctx context.Context) ([]model.Listing, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+listingColumns+` FROM listings ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("出品一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("出品のスキャンに失敗しました: %w", err)
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("出品一覧の読み込みに失敗しました: %w", err)
	}

	return listings, nil
}

// Commit は差分の適用と変更レコードの追記をSERIALIZABLEトランザクションで行う。
// 対象の行をロックして差分の前提（削除・更新前の状態、新規IDの不在）と照合し、
// 一致しなければErrSnapshotConflictを返して何も反映しない。
// 並行して実行中の重複トランザクションとの競合はシリアライゼーションエラーとして返る。
func (r *PostgresSnapshotRepo) Commit(ctx context.Context, diff reconcile.Diff, records []model.ChangeRecord) ([]model.ChangeRecord, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, l := range diff.Removed {
		if err := expectListing(ctx, tx, l.ID, &l); err != nil {
			return nil, err
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM listings WHERE id = $1`, l.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to delete listing %d: %w", l.ID, err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rowsAffected != 1 {
			return nil, fmt.Errorf("listing %d already removed: %w", l.ID, ErrSnapshotConflict)
		}
	}

	for _, p := range diff.Updated {
		if err := expectListing(ctx, tx, p.Old.ID, &p.Old); err != nil {
			return nil, err
		}
		if err := updateListing(ctx, tx, p.New); err != nil {
			return nil, err
		}
	}

	for _, l := range diff.Created {
		if err := expectListing(ctx, tx, l.ID, nil); err != nil {
			return nil, err
		}
		if err := insertListing(ctx, tx, l); err != nil {
			return nil, err
		}
	}

	persisted := make([]model.ChangeRecord, 0, len(records))
	for _, rec := range records {
		saved, err := appendRecord(ctx, tx, rec)
		if err != nil {
			return nil, err
		}
		persisted = append(persisted, saved)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return persisted, nil
}

// expectListing は出品行をロックし、保存済みの状態がwantと一致するかを確認する。
// wantがnilの場合は行が存在しないことを期待する。スレッドアンカーは比較しない。
func expectListing(ctx context.Context, tx *sql.Tx, id int64, want *model.Listing) error {
	row := tx.QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1 FOR UPDATE`, id,
	)
	stored, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		if want == nil {
			return nil
		}
		return fmt.Errorf("listing %d no longer exists: %w", id, ErrSnapshotConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to lock listing %d: %w", id, err)
	}

	if want == nil {
		return fmt.Errorf("listing %d already exists: %w", id, ErrSnapshotConflict)
	}
	if !stored.Equal(*want) {
		return fmt.Errorf("listing %d was modified: %w", id, ErrSnapshotConflict)
	}
	return nil
}

func insertListing(ctx context.Context, tx *sql.Tx, l model.Listing) error {
	disks, err := json.Marshal(l.Disks)
	if err != nil {
		return fmt.Errorf("failed to encode disks of listing %d: %w", l.ID, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO listings (id, price, next_price_reduce, datacenter, cpu_name, ram_size_gb, ram_module_count,
		                       disks, cap_ipv4, cap_gpu, cap_inic, cap_ecc, cap_hwr, last_message_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		l.ID, l.Price, nullTime(l.NextPriceReduce), string(l.Datacenter), l.CPUName, l.RAMSizeGB, l.RAMModuleCount,
		disks, l.Capabilities.IPv4, l.Capabilities.GPU, l.Capabilities.INIC, l.Capabilities.ECC, l.Capabilities.HWR,
		nullInt64(l.LastMessageID),
	)
	if err != nil {
		return fmt.Errorf("failed to insert listing %d: %w", l.ID, err)
	}
	return nil
}

// updateListing は出品行を上書きする。last_message_idは変更しない。
func updateListing(ctx context.Context, tx *sql.Tx, l model.Listing) error {
	disks, err := json.Marshal(l.Disks)
	if err != nil {
		return fmt.Errorf("failed to encode disks of listing %d: %w", l.ID, err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE listings
		 SET price = $2, next_price_reduce = $3, datacenter = $4, cpu_name = $5, ram_size_gb = $6,
		     ram_module_count = $7, disks = $8, cap_ipv4 = $9, cap_gpu = $10, cap_inic = $11,
		     cap_ecc = $12, cap_hwr = $13, updated_at = now()
		 WHERE id = $1`,
		l.ID, l.Price, nullTime(l.NextPriceReduce), string(l.Datacenter), l.CPUName, l.RAMSizeGB,
		l.RAMModuleCount, disks, l.Capabilities.IPv4, l.Capabilities.GPU, l.Capabilities.INIC,
		l.Capabilities.ECC, l.Capabilities.HWR,
	)
	if err != nil {
		return fmt.Errorf("failed to update listing %d: %w", l.ID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("listing not found: %d", l.ID)
	}
	return nil
}

// appendRecord は変更レコードを追記し、採番されたIDと作成日時を設定して返す。
// 売却レコードは出品行が同じトランザクションで削除されるためlisting_idをNULLで保存する。
func appendRecord(ctx context.Context, tx *sql.Tx, rec model.ChangeRecord) (model.ChangeRecord, error) {
	cols, err := encodeChange(rec.Change)
	if err != nil {
		return rec, err
	}

	listingID := sql.NullInt64{Int64: rec.ListingID, Valid: true}
	if rec.Kind() == model.ChangeKindSold {
		listingID = sql.NullInt64{}
	}

	var attrs any
	if cols.Attrs != nil {
		attrs = cols.Attrs
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO change_log (server_id, listing_id, kind, thread_anchor, attrs, old_price, new_price,
		                         next_price_reduce, attr_name, prev_value, new_value)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id, created_at`,
		rec.ListingID, listingID, cols.Kind, nullInt64(rec.ThreadAnchor), attrs, cols.OldPrice, cols.NewPrice,
		cols.NextPriceReduce, cols.AttrName, cols.PrevValue, cols.NewValue,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return rec, fmt.Errorf("failed to append %s record for listing %d: %w", cols.Kind, rec.ListingID, err)
	}

	return rec, nil
}

// compile-time interface check
var _ SnapshotRepository = (*PostgresSnapshotRepo)(nil)
