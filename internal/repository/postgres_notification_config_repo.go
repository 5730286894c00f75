package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/auctionwatch/internal/model"
)

// PostgresNotificationConfigRepo はPostgreSQLを使用した通知設定リポジトリ。
type PostgresNotificationConfigRepo struct {
	db *sql.DB
}

// NewPostgresNotificationConfigRepo はPostgresNotificationConfigRepoを生成する。
func NewPostgresNotificationConfigRepo(db *sql.DB) *PostgresNotificationConfigRepo {
	return &PostgresNotificationConfigRepo{db: db}
}

// Get は通知設定を取得する。設定が存在しない場合はnilを返す。
func (r *PostgresNotificationConfigRepo) Get(ctx context.Context) (*model.NotificationConfig, error) {
	var timeoutSeconds int
	var token sql.NullString
	var chatID sql.NullInt64

	err := r.db.QueryRowContext(ctx,
		`SELECT timeout_seconds, telegram_api_token, telegram_chat_id FROM notification_config WHERE id = 1`,
	).Scan(&timeoutSeconds, &token, &chatID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("通知設定の取得に失敗しました: %w", err)
	}

	return &model.NotificationConfig{
		Timeout:          time.Duration(timeoutSeconds) * time.Second,
		TelegramAPIToken: nullStringValue(token),
		TelegramChatID:   chatID.Int64,
	}, nil
}

// Save は通知設定を作成または上書きする。
func (r *PostgresNotificationConfigRepo) Save(ctx context.Context, cfg *model.NotificationConfig) error {
	timeoutSeconds := int(cfg.Timeout / time.Second)
	if timeoutSeconds <= 0 {
		return fmt.Errorf("timeout must be at least 1 second: %s", cfg.Timeout)
	}

	token := sql.NullString{String: cfg.TelegramAPIToken, Valid: cfg.TelegramAPIToken != ""}
	chatID := sql.NullInt64{Int64: cfg.TelegramChatID, Valid: cfg.TelegramChatID != 0}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO notification_config (id, timeout_seconds, telegram_api_token, telegram_chat_id, updated_at)
		 VALUES (1, $1, $2, $3, now())
		 ON CONFLICT (id) DO UPDATE
		 SET timeout_seconds = EXCLUDED.timeout_seconds,
		     telegram_api_token = EXCLUDED.telegram_api_token,
		     telegram_chat_id = EXCLUDED.telegram_chat_id,
		     updated_at = now()`,
		timeoutSeconds, token, chatID,
	)
	if err != nil {
		return fmt.Errorf("通知設定の保存に失敗しました: %w", err)
	}
	return nil
}

func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// compile-time interface check
var _ NotificationConfigRepository = (*PostgresNotificationConfigRepo)(nil)
