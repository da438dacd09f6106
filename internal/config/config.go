// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Queue
	QueueInterval          time.Duration // 処理ティックの間隔
	QueueBatchSize         int           // 1ティックで取得する最大アイテム数
	QueueMaxRetries        int           // ディスパッチ失敗のリトライ上限
	QueueInitialDelay      time.Duration // アイテム再スケジュールの初期遅延
	QueueBackoffMultiplier float64       // アイテム再スケジュールの遅延倍率
	QueueMaxDelay          time.Duration // アイテム再スケジュールの最大遅延

	// Retry（1回のディスパッチ内でのリトライ）
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	// Circuit Breaker
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration

	// Rate Limit（プラットフォーム別。"platform:limit_per_minute"のカンマ区切り）
	PlatformLimits   map[string]int
	DefaultRateLimit int

	// Recovery（processingのまま取り残されたアイテムの再キュー）
	RecoveryInterval    time.Duration
	RecoveryGracePeriod time.Duration

	// Cleanup（終了状態アイテムの自動削除）
	CleanupInterval      time.Duration
	CleanupRetentionDays int

	// Connector
	ConnectorTimeout   time.Duration
	PlatformEndpoints  map[string]string // "platform:https://..."のカンマ区切り
	ConnectorUserAgent string

	// API Rate Limit（運用APIの保護。req/min単位）
	APIRateLimit int

	// Server
	ServerPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.QueueInterval = getEnvDuration("QUEUE_INTERVAL", 30*time.Second)
	cfg.QueueBatchSize = getEnvInt("QUEUE_BATCH_SIZE", 10)
	cfg.QueueMaxRetries = getEnvInt("QUEUE_MAX_RETRIES", 5)
	cfg.QueueInitialDelay = getEnvDuration("QUEUE_INITIAL_DELAY", 1*time.Minute)
	cfg.QueueBackoffMultiplier = getEnvFloat("QUEUE_BACKOFF_MULTIPLIER", 2.0)
	cfg.QueueMaxDelay = getEnvDuration("QUEUE_MAX_DELAY", 1*time.Hour)

	cfg.RetryMaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", 3)
	cfg.RetryBaseDelay = getEnvDuration("RETRY_BASE_DELAY", 1*time.Second)
	cfg.RetryMaxDelay = getEnvDuration("RETRY_MAX_DELAY", 30*time.Second)

	cfg.BreakerFailureThreshold = getEnvInt("BREAKER_FAILURE_THRESHOLD", 5)
	cfg.BreakerSuccessThreshold = getEnvInt("BREAKER_SUCCESS_THRESHOLD", 2)
	cfg.BreakerTimeout = getEnvDuration("BREAKER_TIMEOUT", 1*time.Minute)

	cfg.PlatformLimits = getEnvIntMap("PLATFORM_RATE_LIMITS")
	cfg.DefaultRateLimit = getEnvInt("DEFAULT_RATE_LIMIT", 30)

	cfg.RecoveryInterval = getEnvDuration("RECOVERY_INTERVAL", 5*time.Minute)
	cfg.RecoveryGracePeriod = getEnvDuration("RECOVERY_GRACE_PERIOD", 10*time.Minute)

	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	// 0以下で自動削除を無効化する。既定では全アイテムが物理削除されずに残る
	cfg.CleanupRetentionDays = getEnvInt("CLEANUP_RETENTION_DAYS", 0)

	cfg.ConnectorTimeout = getEnvDuration("CONNECTOR_TIMEOUT", 15*time.Second)
	cfg.PlatformEndpoints = getEnvStringMap("PLATFORM_ENDPOINTS")
	cfg.ConnectorUserAgent = getEnvString("CONNECTOR_USER_AGENT", "storepub/1.0")

	cfg.APIRateLimit = getEnvInt("API_RATE_LIMIT", 120)

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

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
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

// getEnvIntMap は"key1:val1,key2:val2"形式の環境変数をmapに変換する。
// 不正なエントリは読み飛ばす。
func getEnvIntMap(key string) map[string]int {
	result := make(map[string]int)
	v := os.Getenv(key)
	if v == "" {
		return result
	}
	for _, pair := range strings.Split(v, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 {
			continue
		}
		n, err := strconv.Atoi(parts[1])
		if err != nil || parts[0] == "" {
			continue
		}
		result[parts[0]] = n
	}
	return result
}

// getEnvStringMap は"key1:val1,key2:val2"形式の環境変数をmapに変換する。
// 値にコロンを含む場合（URLなど）は最初のコロンのみで分割する。
func getEnvStringMap(key string) map[string]string {
	result := make(map[string]string)
	v := os.Getenv(key)
	if v == "" {
		return result
	}
	for _, pair := range strings.Split(v, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		result[parts[0]] = parts[1]
	}
	return result
}
