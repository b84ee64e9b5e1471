// Package cleanup は過去のタイムスロットの削除ジョブを提供する。
// タイムスロット生成の後に日次で実行し、開始日が基準日より前の枠を削除する。
// 予約はタイムスロットとは独立しているため削除されない。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/tablebook/internal/metrics"
	"github.com/hitoshi/tablebook/internal/model"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CleanupJob は過去のタイムスロットの削除ジョブ。
// 冪等で、削除対象がない場合もエラーにならない。
type CleanupJob struct {
	db      Executor
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	// Now は現在時刻を返す。基準日の算出に使用する。
	Now func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, metricsCollector metrics.MetricsCollector, logger *slog.Logger) *CleanupJob {
	if metricsCollector == nil {
		metricsCollector = metrics.Nop{}
	}
	return &CleanupJob{
		db:      db,
		metrics: metricsCollector,
		logger:  logger,
		Now:     time.Now,
	}
}

// Run は今日より前に開始するタイムスロットを削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	_, err := j.DeleteTimeslotsBeforeDate(ctx, j.Now())
	return err
}

// DeleteTimeslotsBeforeDate はdateの0時より前に開始するタイムスロットを削除し、削除件数を返す。
func (j *CleanupJob) DeleteTimeslotsBeforeDate(ctx context.Context, date time.Time) (int64, error) {
	start := time.Now()
	before := model.StartOfDay(date)

	query := `DELETE FROM timeslots WHERE start_time < $1`
	result, err := j.db.ExecContext(ctx, query, before)
	if err != nil {
		j.logger.Error("タイムスロット削除ジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.String("before_date", before.Format(time.DateOnly)),
		)
		return 0, fmt.Errorf("タイムスロット削除の実行に失敗: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	j.metrics.RecordTimeslotsPruned(deletedCount)

	duration := time.Since(start)
	j.logger.Info("タイムスロット削除ジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.String("before_date", before.Format(time.DateOnly)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return deletedCount, nil
}
