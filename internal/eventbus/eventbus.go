// Package eventbus は予約エンジンと通知サーバーの間で変更イベントを受け渡す。
//
// 同一プロセスで動かす場合はLocalBus、プロセスを分ける場合はRedisのPub/Sub
// またはKafkaのトピックを経由する。
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/tablebook/internal/model"
)

// Handler は受信した変更イベントを処理する。
type Handler func(ctx context.Context, ev model.ChangeEvent) error

// Bus は変更イベントの発行と受信を行う。
type Bus interface {
	// Publish は変更イベントを発行する。
	Publish(ctx context.Context, ev model.ChangeEvent) error
	// Listen はctxがキャンセルされるまで変更イベントを受信し、handleに渡す。
	Listen(ctx context.Context, handle func(context.Context, model.ChangeEvent) error) error
	// Close は接続を解放する。
	Close() error
}

// 種別
const (
	KindLocal = "local"
	KindRedis = "redis"
	KindKafka = "kafka"
)

// Config はイベントバスの設定。
type Config struct {
	// Kind は "local", "redis", "kafka" のいずれか。
	Kind string
	// RedisAddr はRedisのアドレス（例: localhost:6379）。
	RedisAddr string
	// RedisChannel はPub/Subのチャネル名。
	RedisChannel string
	// KafkaBrokers はKafkaブローカーのアドレス一覧。
	KafkaBrokers []string
	// KafkaTopic はKafkaのトピック名。
	KafkaTopic string
	// KafkaGroupID はKafkaのコンシューマーグループ。
	KafkaGroupID string
}

// デフォルトのチャネル名・トピック名
const (
	DefaultRedisChannel = "tablebook:changes"
	DefaultKafkaTopic   = "tablebook-changes"
)

// New は設定に応じたBusを生成する。
func New(cfg Config, logger *slog.Logger) (Bus, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", KindLocal:
		return NewLocalBus(logger), nil
	case KindRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("Redisのアドレスが設定されていません")
		}
		channel := cfg.RedisChannel
		if channel == "" {
			channel = DefaultRedisChannel
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return NewRedisBus(client, channel, logger), nil
	case KindKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("Kafkaブローカーが設定されていません")
		}
		topic := cfg.KafkaTopic
		if topic == "" {
			topic = DefaultKafkaTopic
		}
		return NewKafkaBus(cfg.KafkaBrokers, topic, cfg.KafkaGroupID, logger), nil
	default:
		return nil, fmt.Errorf("不明なイベントバス種別です: %s", cfg.Kind)
	}
}
