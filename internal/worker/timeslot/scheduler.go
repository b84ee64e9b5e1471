package timeslot

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/tablebook/internal/model"
)

// Publisher はタイムスロット生成の実行インターフェース。
type Publisher interface {
	PublishTimeslots(ctx context.Context, date time.Time) (int, error)
}

// Pruner は過去のタイムスロットの削除インターフェース。
type Pruner interface {
	DeleteTimeslotsBeforeDate(ctx context.Context, date time.Time) (int64, error)
}

// SchedulerConfig はスケジューラの設定。
type SchedulerConfig struct {
	// HorizonWeeks は日次実行で生成する日付の先行週数。
	HorizonWeeks int
	// BackfillDays は起動時に今日から生成する日数。
	BackfillDays int
	// RunHour は日次実行の時（0-23）。
	RunHour int
}

// Scheduler は起動時の補充と日次の生成・削除を行う。
type Scheduler struct {
	publisher Publisher
	pruner    Pruner
	cfg       SchedulerConfig
	logger    *slog.Logger
	// Now は現在時刻を返す。タイムゾーンもここから決まる。
	Now func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(publisher Publisher, pruner Pruner, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.HorizonWeeks <= 0 {
		cfg.HorizonWeeks = 4
	}
	if cfg.BackfillDays < 0 {
		cfg.BackfillDays = 0
	}
	if cfg.RunHour < 0 || cfg.RunHour > 23 {
		cfg.RunHour = 1
	}
	return &Scheduler{
		publisher: publisher,
		pruner:    pruner,
		cfg:       cfg,
		logger:    logger,
		Now:       time.Now,
	}
}

// Start は起動時の補充を行った後、毎日RunHour時にRunOnceを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("タイムスロットスケジューラを開始しました",
		slog.Int("horizon_weeks", s.cfg.HorizonWeeks),
		slog.Int("backfill_days", s.cfg.BackfillDays),
		slog.Int("run_hour", s.cfg.RunHour),
	)

	if err := s.Backfill(ctx); err != nil {
		s.logger.Error("タイムスロットの補充に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		next := NextRun(s.Now(), s.cfg.RunHour)
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("タイムスロットスケジューラを停止しました")
			return
		case <-timer.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("日次のタイムスロット生成に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Backfill は今日からBackfillDays日分のタイムスロットを生成する。
// 前回の実行から間が空いた場合の欠けを埋める。
func (s *Scheduler) Backfill(ctx context.Context) error {
	today := model.StartOfDay(s.Now())
	for i := 0; i < s.cfg.BackfillDays; i++ {
		if _, err := s.publisher.PublishTimeslots(ctx, today.AddDate(0, 0, i)); err != nil {
			return err
		}
	}
	return nil
}

// RunOnce は今日からHorizonWeeks週後までの各日のタイムスロットを生成し、
// 今日より前のタイムスロットを削除する。生成済みの日は重複作成されないため、
// 実行が抜けた日があっても次回の実行で埋まる。生成に失敗しても削除は行う。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	today := model.StartOfDay(s.Now())
	horizonDays := 7 * s.cfg.HorizonWeeks

	var publishErr error
	for i := 0; i <= horizonDays; i++ {
		day := today.AddDate(0, 0, i)
		if _, err := s.publisher.PublishTimeslots(ctx, day); err != nil {
			s.logger.Error("タイムスロットの生成に失敗しました",
				slog.String("date", day.Format(time.DateOnly)),
				slog.String("error", err.Error()),
			)
			if publishErr == nil {
				publishErr = err
			}
			if ctx.Err() != nil {
				break
			}
		}
	}

	if s.pruner != nil {
		if _, err := s.pruner.DeleteTimeslotsBeforeDate(ctx, today); err != nil {
			return err
		}
	}
	return publishErr
}

// NextRun はnow以降で最初に訪れるhour時0分を返す。
func NextRun(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
