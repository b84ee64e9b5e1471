package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Server
	ServerPort  string
	MetricsAddr string

	// Notify
	NotifyAddr         string
	NotifyMaxConns     int
	NotifyIdleTimeout  time.Duration
	NotifyWriteTimeout time.Duration
	NotifyBus          string

	// Redis
	RedisAddr    string
	RedisChannel string

	// Kafka
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	// Timeslot
	TimeslotHorizonWeeks   int
	TimeslotBackfillDays   int
	TimeslotRunHour        int
	TimeslotMaxConcurrency int
	Location               *time.Location

	// Rate Limit
	RateLimitGeneral int
	RateLimitBooking int

	// CORS
	CORSAllowedOrigins []string

	// Logging
	LogLevel string
}

// LoadDotEnv は.envファイルを読み込み、未設定の環境変数に反映する。
// 既に設定されている環境変数は上書きしない。ファイルが存在しない場合は何もしない。
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("%s の読み込みに失敗しました: %w", f, err)
		}
	}
	return nil
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
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MetricsAddr = getEnvString("METRICS_ADDR", ":9100")
	cfg.NotifyAddr = getEnvString("NOTIFY_ADDR", ":9090")
	cfg.NotifyMaxConns = getEnvInt("NOTIFY_MAX_CONNS", 1024)
	cfg.NotifyIdleTimeout = getEnvDuration("NOTIFY_IDLE_TIMEOUT", 0)
	cfg.NotifyWriteTimeout = getEnvDuration("NOTIFY_WRITE_TIMEOUT", 5*time.Second)
	cfg.NotifyBus = strings.ToLower(getEnvString("NOTIFY_BUS", "local"))
	cfg.RedisAddr = getEnvString("REDIS_ADDR", "localhost:6379")
	cfg.RedisChannel = getEnvString("REDIS_CHANNEL", "tablebook:changes")
	cfg.KafkaBrokers = getEnvList("KAFKA_BROKERS", []string{"localhost:9092"})
	cfg.KafkaTopic = getEnvString("KAFKA_TOPIC", "tablebook-changes")
	cfg.KafkaGroupID = getEnvString("KAFKA_GROUP_ID", "tablebook-notify")
	cfg.TimeslotHorizonWeeks = getEnvInt("TIMESLOT_HORIZON_WEEKS", 4)
	cfg.TimeslotBackfillDays = getEnvInt("TIMESLOT_BACKFILL_DAYS", 28)
	cfg.TimeslotRunHour = getEnvInt("TIMESLOT_RUN_HOUR", 1)
	cfg.TimeslotMaxConcurrency = getEnvInt("TIMESLOT_MAX_CONCURRENT", 4)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitBooking = getEnvInt("RATE_LIMIT_BOOKING", 30)
	cfg.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGIN", []string{"http://localhost:3000"})
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	switch cfg.NotifyBus {
	case "local", "redis", "kafka":
	default:
		return nil, fmt.Errorf("NOTIFY_BUS must be one of local, redis, kafka: %q", cfg.NotifyBus)
	}

	if cfg.TimeslotRunHour < 0 || cfg.TimeslotRunHour > 23 {
		return nil, fmt.Errorf("TIMESLOT_RUN_HOUR must be between 0 and 23: %d", cfg.TimeslotRunHour)
	}

	loc, err := time.LoadLocation(getEnvString("TIMEZONE", "Local"))
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}
	cfg.Location = loc

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

// getEnvList はカンマ区切りの値を空要素を除いて返す。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
