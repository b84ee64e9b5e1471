package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/tablebook/internal/model"
	"github.com/lib/pq"
)

// PostgresRestaurantRepo はPostgreSQLを使用したレストランリポジトリ。
type PostgresRestaurantRepo struct {
	db *sql.DB
}

// NewPostgresRestaurantRepo はPostgresRestaurantRepoを生成する。
func NewPostgresRestaurantRepo(db *sql.DB) *PostgresRestaurantRepo {
	return &PostgresRestaurantRepo{db: db}
}

const restaurantSelect = `
	SELECT r.id, r.address, r.owner_id, r.time_slot_duration, r.created_at, r.updated_at,
	       COALESCE(array_agg(t.name ORDER BY t.name) FILTER (WHERE t.name IS NOT NULL), '{}')
	FROM restaurants r
	LEFT JOIN restaurant_tags t ON t.restaurant_id = r.id`

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRestaurant(row rowScanner) (*model.Restaurant, error) {
	r := &model.Restaurant{}
	var ownerID sql.NullInt64
	var tags []string
	if err := row.Scan(
		&r.ID, &r.Address, &ownerID, &r.TimeSlotDuration,
		&r.CreatedAt, &r.UpdatedAt, pq.Array(&tags),
	); err != nil {
		return nil, err
	}
	if ownerID.Valid {
		id := ownerID.Int64
		r.OwnerID = &id
	}
	r.Tags = tags
	return r, nil
}

// FindByID は指定IDのレストランを取得する。見つからない場合はnilを返す。
func (r *PostgresRestaurantRepo) FindByID(ctx context.Context, id int64) (*model.Restaurant, error) {
	row := r.db.QueryRowContext(ctx, restaurantSelect+`
	WHERE r.id = $1
	GROUP BY r.id`, id)

	restaurant, err := scanRestaurant(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("レストランの取得に失敗しました: %w", err)
	}
	return restaurant, nil
}

// ListAll は全レストランをID順に返す。
func (r *PostgresRestaurantRepo) ListAll(ctx context.Context) ([]*model.Restaurant, error) {
	rows, err := r.db.QueryContext(ctx, restaurantSelect+`
	GROUP BY r.id
	ORDER BY r.id`)
	if err != nil {
		return nil, fmt.Errorf("レストラン一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var restaurants []*model.Restaurant
	for rows.Next() {
		restaurant, err := scanRestaurant(rows)
		if err != nil {
			return nil, fmt.Errorf("レストランの読み取りに失敗しました: %w", err)
		}
		restaurants = append(restaurants, restaurant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("レストラン一覧の走査に失敗しました: %w", err)
	}
	return restaurants, nil
}

// compile-time interface check
var _ RestaurantRepository = (*PostgresRestaurantRepo)(nil)
