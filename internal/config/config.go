// Package config は環境変数からのアプリケーション設定の読み込みを提供する。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// DefaultUpstreamURL はHetznerサーバーオークションのライブデータ（EUR）。
const DefaultUpstreamURL = "https://www.hetzner.com/_resources/app/data/app/live_data_sb_EUR.json"

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Upstream
	UpstreamURL      string
	FetchTimeout     time.Duration
	FetchMaxSize     int64
	PollInterval     time.Duration
	TaxRate          decimal.Decimal
	IPv4Surcharge    *decimal.Decimal
	IPv4SurchargeURL string

	// Delivery
	DeliveryPerSecond   int
	DeliveryPerMinute   int
	DeliveryMaxAttempts int
	DeliveryConcurrency int

	// Retention
	ChangeLogRetentionDays int
	CleanupInterval        time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Server
	ServerPort string
}

// LoadDotEnv は.envファイルが存在すれば環境変数として読み込む。
// 既に設定されている環境変数は上書きしない。ファイルがない場合は何もしない。
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load %s: %w", path, err)
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、または金額の値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("required environment variables are not set: %v", []string{"DATABASE_URL"})
	}

	var err error
	cfg.TaxRate, err = getEnvDecimal("TAX_RATE", decimal.Zero)
	if err != nil {
		return nil, err
	}
	if cfg.TaxRate.IsNegative() || cfg.TaxRate.GreaterThan(decimal.NewFromInt(100)) {
		return nil, fmt.Errorf("TAX_RATE must be between 0 and 100: %s", cfg.TaxRate)
	}

	if v := os.Getenv("IPV4_SURCHARGE"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("invalid IPV4_SURCHARGE %q: %w", v, err)
		}
		if d.IsNegative() {
			return nil, fmt.Errorf("IPV4_SURCHARGE must not be negative: %s", d)
		}
		cfg.IPv4Surcharge = &d
	}

	// Optional fields with defaults
	cfg.UpstreamURL = getEnvString("UPSTREAM_URL", DefaultUpstreamURL)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 30*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 32<<20)
	cfg.PollInterval = getEnvDuration("POLL_INTERVAL", 5*time.Minute)
	cfg.IPv4SurchargeURL = getEnvString("IPV4_SURCHARGE_URL", "")
	cfg.DeliveryPerSecond = getEnvInt("DELIVERY_PER_SECOND", 1)
	cfg.DeliveryPerMinute = getEnvInt("DELIVERY_PER_MINUTE", 20)
	cfg.DeliveryMaxAttempts = getEnvInt("DELIVERY_MAX_ATTEMPTS", 5)
	cfg.DeliveryConcurrency = getEnvInt("DELIVERY_CONCURRENCY", 4)
	cfg.ChangeLogRetentionDays = getEnvInt("CHANGE_LOG_RETENTION_DAYS", 90)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.LogFormat = getEnvString("LOG_FORMAT", "json")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvDecimal は金額や税率を読み込む。黙ってデフォルト値に戻すと価格判定が変わるため、不正な値はエラーにする。
func getEnvDecimal(key string, defaultVal decimal.Decimal) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}
