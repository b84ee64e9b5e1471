package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/tablebook/internal/model"
)

// PostgresTimeslotRepo はPostgreSQLを使用したタイムスロットリポジトリ。
type PostgresTimeslotRepo struct {
	db *sql.DB
}

// NewPostgresTimeslotRepo はPostgresTimeslotRepoを生成する。
func NewPostgresTimeslotRepo(db *sql.DB) *PostgresTimeslotRepo {
	return &PostgresTimeslotRepo{db: db}
}

// CreateBatch はタイムスロットを同一トランザクションで一括作成する。
// UNIQUE(table_id, start_time) に衝突する枠はON CONFLICT DO NOTHINGでスキップするため、
// 同じ日付に対して再実行しても重複行は作られない。
func (r *PostgresTimeslotRepo) CreateBatch(ctx context.Context, slots []*model.Timeslot) (int, error) {
	if len(slots) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	created := 0
	for _, s := range slots {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO timeslots (table_id, start_time, end_time)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (table_id, start_time) DO NOTHING`,
			s.TableID, s.Start, s.End,
		)
		if err != nil {
			return 0, fmt.Errorf("タイムスロットの作成に失敗しました: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("作成件数の取得に失敗しました: %w", err)
		}
		created += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return created, nil
}

// ListFreeByRestaurant はレストランの [from, to) に開始する空き枠を
// テーブル容量付きで開始時刻順に返す。
func (r *PostgresTimeslotRepo) ListFreeByRestaurant(ctx context.Context, restaurantID int64, from, to time.Time) ([]model.FreeSlotRow, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT s.table_id, s.start_time, s.end_time, t.capacity
		 FROM timeslots s
		 INNER JOIN restaurant_tables t ON t.id = s.table_id
		 WHERE t.restaurant_id = $1
		   AND s.user_id IS NULL
		   AND s.start_time >= $2
		   AND s.start_time < $3
		 ORDER BY s.start_time ASC, s.table_id ASC`,
		restaurantID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("空きタイムスロットの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var result []model.FreeSlotRow
	for rows.Next() {
		var row model.FreeSlotRow
		if err := rows.Scan(&row.TableID, &row.Start, &row.End, &row.Capacity); err != nil {
			return nil, fmt.Errorf("空きタイムスロットの読み取りに失敗しました: %w", err)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("空きタイムスロットの走査に失敗しました: %w", err)
	}
	return result, nil
}

// compile-time interface check
var _ TimeslotRepository = (*PostgresTimeslotRepo)(nil)
