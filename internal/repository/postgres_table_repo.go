package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/tablebook/internal/model"
)

// PostgresTableRepo はPostgreSQLを使用したテーブル・営業時間リポジトリ。
type PostgresTableRepo struct {
	db *sql.DB
}

// NewPostgresTableRepo はPostgresTableRepoを生成する。
func NewPostgresTableRepo(db *sql.DB) *PostgresTableRepo {
	return &PostgresTableRepo{db: db}
}

// ListByRestaurant はレストランの全テーブルをID順に返す。
func (r *PostgresTableRepo) ListByRestaurant(ctx context.Context, restaurantID int64) ([]*model.Table, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, restaurant_id, capacity FROM restaurant_tables
		 WHERE restaurant_id = $1 ORDER BY id`,
		restaurantID,
	)
	if err != nil {
		return nil, fmt.Errorf("テーブル一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var tables []*model.Table
	for rows.Next() {
		t := &model.Table{}
		if err := rows.Scan(&t.ID, &t.RestaurantID, &t.Capacity); err != nil {
			return nil, fmt.Errorf("テーブルの読み取りに失敗しました: %w", err)
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("テーブル一覧の走査に失敗しました: %w", err)
	}
	return tables, nil
}

// FindByRestaurantAndWeekday は指定曜日の営業時間を返す。定義されていない場合はnilを返す。
func (r *PostgresTableRepo) FindByRestaurantAndWeekday(ctx context.Context, restaurantID int64, weekday int) (*model.OpeningHours, error) {
	h := &model.OpeningHours{}
	var openStr, closeStr string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, restaurant_id, weekday,
		        to_char(open_time, 'HH24:MI'), to_char(close_time, 'HH24:MI')
		 FROM opening_hours
		 WHERE restaurant_id = $1 AND weekday = $2
		 ORDER BY id
		 LIMIT 1`,
		restaurantID, weekday,
	).Scan(&h.ID, &h.RestaurantID, &h.Weekday, &openStr, &closeStr)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("営業時間の取得に失敗しました: %w", err)
	}

	if h.OpenTime, err = model.ParseClockTime(openStr); err != nil {
		return nil, fmt.Errorf("開店時刻の解析に失敗しました: %w", err)
	}
	if h.CloseTime, err = model.ParseClockTime(closeStr); err != nil {
		return nil, fmt.Errorf("閉店時刻の解析に失敗しました: %w", err)
	}
	return h, nil
}

// compile-time interface check
var (
	_ TableRepository        = (*PostgresTableRepo)(nil)
	_ OpeningHoursRepository = (*PostgresTableRepo)(nil)
)
