package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/tablebook/internal/model"
)

// RedisBus はRedisのPub/Subで変更イベントを受け渡すBus。
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus はRedisBusの新しいインスタンスを生成する。
func NewRedisBus(client *redis.Client, channel string, logger *slog.Logger) *RedisBus {
	return &RedisBus{client: client, channel: channel, logger: logger}
}

// Publish は変更イベントをJSONにしてチャネルに発行する。
func (b *RedisBus) Publish(ctx context.Context, ev model.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("変更イベントのエンコードに失敗しました: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("Redisへの発行に失敗しました: %w", err)
	}
	return nil
}

// Listen はチャネルを購読し、ctxがキャンセルされるまで受信した変更イベントをhandleに渡す。
// 解析できないメッセージはログに記録して読み飛ばす。
func (b *RedisBus) Listen(ctx context.Context, handle func(context.Context, model.ChangeEvent) error) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("Redisチャネルの購読に失敗しました: %w", err)
	}

	b.logger.Info("変更イベントの受信を開始しました", slog.String("channel", b.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev model.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn("変更イベントの解析に失敗しました",
					slog.String("channel", b.channel),
					slog.String("error", err.Error()),
				)
				continue
			}
			if err := handle(ctx, ev); err != nil {
				b.logger.Error("変更イベントの処理に失敗しました",
					slog.Int64("restaurant_id", ev.RestaurantID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Close はRedisクライアントを閉じる。
func (b *RedisBus) Close() error {
	return b.client.Close()
}
