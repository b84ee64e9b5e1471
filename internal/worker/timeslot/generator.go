// Package timeslot は予約可能なタイムスロットの生成ジョブを提供する。
// 営業時間から15分単位の枠をテーブルごとに生成し、日次で先の日付まで補充する。
package timeslot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/tablebook/internal/metrics"
	"github.com/hitoshi/tablebook/internal/model"
	"github.com/hitoshi/tablebook/internal/repository"
)

// Generator はタイムスロットの生成を行う。
// 日次実行と起動時の補充が重ならないよう、生成処理はmuで直列化する。
type Generator struct {
	restaurants    repository.RestaurantRepository
	hours          repository.OpeningHoursRepository
	tables         repository.TableRepository
	timeslots      repository.TimeslotRepository
	metrics        metrics.MetricsCollector
	logger         *slog.Logger
	maxConcurrency int

	mu sync.Mutex
}

// NewGenerator はGeneratorの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値4を使用する。
func NewGenerator(
	restaurants repository.RestaurantRepository,
	hours repository.OpeningHoursRepository,
	tables repository.TableRepository,
	timeslots repository.TimeslotRepository,
	metricsCollector metrics.MetricsCollector,
	logger *slog.Logger,
	maxConcurrency int,
) *Generator {
	if metricsCollector == nil {
		metricsCollector = metrics.Nop{}
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	return &Generator{
		restaurants:    restaurants,
		hours:          hours,
		tables:         tables,
		timeslots:      timeslots,
		metrics:        metricsCollector,
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
}

// PublishTimeslots はdateの営業時間に従って全レストランのタイムスロットを生成し、作成件数を返す。
// 営業時間のない曜日のレストランはスキップする。1レストランの失敗は記録して他の処理を続ける。
// 既に存在する枠は作成されないため、同じ日付で再実行しても重複しない。
func (g *Generator) PublishTimeslots(ctx context.Context, date time.Time) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	start := time.Now()
	day := model.StartOfDay(date)

	restaurants, err := g.restaurants.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("レストラン一覧の取得に失敗しました: %w", err)
	}

	var created atomic.Int64
	sem := make(chan struct{}, g.maxConcurrency)
	var wg sync.WaitGroup

	for _, r := range restaurants {
		wg.Add(1)
		sem <- struct{}{}

		go func(r *model.Restaurant) {
			defer wg.Done()
			defer func() { <-sem }()

			n, err := g.publishForRestaurant(ctx, r, day)
			if err != nil {
				g.logger.Error("タイムスロットの生成に失敗しました",
					slog.Int64("restaurant_id", r.ID),
					slog.String("date", day.Format(time.DateOnly)),
					slog.String("error", err.Error()),
				)
				return
			}
			created.Add(int64(n))
		}(r)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return int(created.Load()), err
	}

	total := int(created.Load())
	g.metrics.RecordTimeslotsCreated(total)

	duration := time.Since(start)
	g.logger.Info("タイムスロットの生成が完了しました",
		slog.String("date", day.Format(time.DateOnly)),
		slog.Int("restaurant_count", len(restaurants)),
		slog.Int("created_count", total),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return total, nil
}

// PublishRange はfromから連続するdays日分のタイムスロットを生成し、作成件数の合計を返す。
func (g *Generator) PublishRange(ctx context.Context, from time.Time, days int) (int, error) {
	total := 0
	day := model.StartOfDay(from)
	for i := 0; i < days; i++ {
		n, err := g.PublishTimeslots(ctx, day.AddDate(0, 0, i))
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (g *Generator) publishForRestaurant(ctx context.Context, r *model.Restaurant, day time.Time) (int, error) {
	hours, err := g.hours.FindByRestaurantAndWeekday(ctx, r.ID, model.ISOWeekday(day))
	if err != nil {
		return 0, fmt.Errorf("営業時間の取得に失敗しました: %w", err)
	}
	if hours == nil {
		return 0, nil
	}
	if !hours.Valid() {
		g.logger.Warn("営業時間が不正なためタイムスロットを生成しません",
			slog.Int64("restaurant_id", r.ID),
			slog.Int("weekday", hours.Weekday),
			slog.String("open_time", hours.OpenTime.String()),
			slog.String("close_time", hours.CloseTime.String()),
		)
		return 0, nil
	}

	tables, err := g.tables.ListByRestaurant(ctx, r.ID)
	if err != nil {
		return 0, fmt.Errorf("テーブル一覧の取得に失敗しました: %w", err)
	}

	slots := BuildSlots(tables, day, hours)
	if len(slots) == 0 {
		return 0, nil
	}

	n, err := g.timeslots.CreateBatch(ctx, slots)
	if err != nil {
		return 0, fmt.Errorf("タイムスロットの保存に失敗しました: %w", err)
	}
	return n, nil
}

// BuildSlots は営業時間を15分単位に区切り、テーブルごとのタイムスロットを返す。
// 閉店時刻をまたぐ最後の半端な枠は作らない。
func BuildSlots(tables []*model.Table, day time.Time, hours *model.OpeningHours) []*model.Timeslot {
	openAt := hours.OpenTime.On(day)
	closeAt := hours.CloseTime.On(day)

	var slots []*model.Timeslot
	for s := openAt; !s.Add(model.SlotGranularity).After(closeAt); s = s.Add(model.SlotGranularity) {
		for _, t := range tables {
			slots = append(slots, &model.Timeslot{
				TableID: t.ID,
				Start:   s,
				End:     s.Add(model.SlotGranularity),
			})
		}
	}
	return slots
}
