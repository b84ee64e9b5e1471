package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/hitoshi/tablebook/internal/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaBus はKafkaのトピックで変更イベントを受け渡すBus。
// メッセージキーはレストランIDで、同一レストランのイベントは同じパーティションに入る。
type KafkaBus struct {
	writer    messageWriter
	newReader func() messageReader
	logger    *slog.Logger
	// retryDelay は読み取りエラー後の待機時間。
	retryDelay time.Duration
}

var _ Bus = (*KafkaBus)(nil)

// kafkaBatchTimeout は書き込みのバッチ待ち時間。予約応答を遅らせないよう短くする。
const kafkaBatchTimeout = 10 * time.Millisecond

// NewKafkaBus はKafkaBusの新しいインスタンスを生成する。
func NewKafkaBus(brokers []string, topic, groupID string, logger *slog.Logger) *KafkaBus {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: kafkaBatchTimeout,
	}
	newReader := func() messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: groupID,
		})
	}
	return &KafkaBus{
		writer:     writer,
		newReader:  newReader,
		logger:     logger,
		retryDelay: time.Second,
	}
}

// Publish は変更イベントをトピックに書き込む。
func (b *KafkaBus) Publish(ctx context.Context, ev model.ChangeEvent) error {
	msg, err := encodeKafkaMessage(ev)
	if err != nil {
		return err
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("Kafkaへの書き込みに失敗しました: %w", err)
	}
	return nil
}

// Listen はトピックを読み取り、ctxがキャンセルされるまで変更イベントをhandleに渡す。
func (b *KafkaBus) Listen(ctx context.Context, handle func(context.Context, model.ChangeEvent) error) error {
	reader := b.newReader()
	defer reader.Close()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			b.logger.Warn("Kafkaからの読み取りに失敗しました", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(b.retryDelay):
			}
			continue
		}

		ev, err := decodeKafkaMessage(msg)
		if err != nil {
			b.logger.Warn("変更イベントの解析に失敗しました",
				slog.Int64("offset", msg.Offset),
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

// Close はライターを閉じる。
func (b *KafkaBus) Close() error {
	return b.writer.Close()
}

func encodeKafkaMessage(ev model.ChangeEvent) (kafka.Message, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("変更イベントのエンコードに失敗しました: %w", err)
	}
	return kafka.Message{
		Key:   []byte(strconv.FormatInt(ev.RestaurantID, 10)),
		Value: payload,
	}, nil
}

func decodeKafkaMessage(msg kafka.Message) (model.ChangeEvent, error) {
	var ev model.ChangeEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return model.ChangeEvent{}, err
	}
	return ev, nil
}
