package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/hitoshi/tablebook/internal/model"
)

// LocalBus はプロセス内で変更イベントを受け渡すBus。
// Publishは登録済みの全ハンドラーを同期的に呼び出す。
type LocalBus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
}

var _ Bus = (*LocalBus)(nil)

// NewLocalBus はLocalBusの新しいインスタンスを生成する。
func NewLocalBus(logger *slog.Logger) *LocalBus {
	return &LocalBus{
		logger:   logger,
		handlers: make(map[int]Handler),
	}
}

// Publish は登録済みのハンドラーに変更イベントを渡す。
// ハンドラーのエラーはまとめて返す。
func (b *LocalBus) Publish(ctx context.Context, ev model.ChangeEvent) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Listen はctxがキャンセルされるまでhandleを登録する。
func (b *LocalBus) Listen(ctx context.Context, handle func(context.Context, model.ChangeEvent) error) error {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handle
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
	return nil
}

// Listeners は登録中のハンドラー数を返す。
func (b *LocalBus) Listeners() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// Close は何もしない。
func (b *LocalBus) Close() error {
	return nil
}
