package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/tablebook/internal/model"
	"github.com/lib/pq"
)

// pgExclusionViolation はEXCLUDE制約違反のSQLSTATE。
// reservations の (table_id, tstzrange) 重複禁止制約に該当する。
const pgExclusionViolation = "23P01"

// PostgresReservationRepo はPostgreSQLを使用した予約リポジトリ。
type PostgresReservationRepo struct {
	db *sql.DB
}

// NewPostgresReservationRepo はPostgresReservationRepoを生成する。
func NewPostgresReservationRepo(db *sql.DB) *PostgresReservationRepo {
	return &PostgresReservationRepo{db: db}
}

// ExistsForUserOnDay はユーザーが [dayStart, dayStart+24h) に開始する予約を持つかを返す。
func (r *PostgresReservationRepo) ExistsForUserOnDay(ctx context.Context, userID int64, dayStart time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		    SELECT 1 FROM reservations
		    WHERE user_id = $1 AND start_time >= $2 AND start_time < $3
		 )`,
		userID, dayStart, dayStart.AddDate(0, 0, 1),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("同日予約の確認に失敗しました: %w", err)
	}
	return exists, nil
}

// ReserveTable はテーブル行をFOR UPDATEでロックした上で重複確認と予約作成を行う。
// ロックはトランザクション終了まで保持され、同一テーブルへの確認と作成が交錯しないことを保証する。
func (r *PostgresReservationRepo) ReserveTable(ctx context.Context, res *model.Reservation) (*model.Reservation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 1. テーブル行の排他ロック
	var restaurantID int64
	err = tx.QueryRowContext(ctx,
		`SELECT restaurant_id FROM restaurant_tables WHERE id = $1 FOR UPDATE`,
		res.TableID,
	).Scan(&restaurantID)
	if err == sql.ErrNoRows {
		return nil, model.NewTableNotFoundError(res.TableID)
	}
	if err != nil {
		return nil, fmt.Errorf("テーブルのロック取得に失敗しました: %w", err)
	}

	// 2. [start, end) と重なる予約の確認
	var overlap bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS (
		    SELECT 1 FROM reservations
		    WHERE table_id = $1 AND start_time < $3 AND end_time > $2
		 )`,
		res.TableID, res.Start, res.End,
	).Scan(&overlap)
	if err != nil {
		return nil, fmt.Errorf("重複予約の確認に失敗しました: %w", err)
	}
	if overlap {
		return nil, ErrTableUnavailable
	}

	// 3. 期間内の空きタイムスロットが揃っているかの確認
	var free int
	err = tx.QueryRowContext(ctx,
		`SELECT count(*) FROM timeslots
		 WHERE table_id = $1 AND start_time >= $2 AND start_time < $3 AND user_id IS NULL`,
		res.TableID, res.Start, res.End,
	).Scan(&free)
	if err != nil {
		return nil, fmt.Errorf("空きタイムスロットの確認に失敗しました: %w", err)
	}
	if free < requiredSlots(res.Start, res.End) {
		return nil, ErrTableUnavailable
	}

	// 4. 予約の作成
	created := *res
	created.RestaurantID = restaurantID
	err = tx.QueryRowContext(ctx,
		`INSERT INTO reservations (table_id, user_id, start_time, end_time, guests)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		res.TableID, res.UserID, res.Start, res.End, res.Guests,
	).Scan(&created.ID, &created.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgExclusionViolation {
			return nil, ErrTableUnavailable
		}
		return nil, fmt.Errorf("予約の作成に失敗しました: %w", err)
	}

	// 5. タイムスロットの確保
	if _, err := tx.ExecContext(ctx,
		`UPDATE timeslots SET user_id = $1
		 WHERE table_id = $2 AND start_time >= $3 AND start_time < $4`,
		res.UserID, res.TableID, res.Start, res.End,
	); err != nil {
		return nil, fmt.Errorf("タイムスロットの確保に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &created, nil
}

// requiredSlots は [start, end) を覆うのに必要なタイムスロット数を返す。
func requiredSlots(start, end time.Time) int {
	d := end.Sub(start)
	if d <= 0 {
		return 0
	}
	return int((d + model.SlotGranularity - 1) / model.SlotGranularity)
}

const reservationColumns = `r.id, r.table_id, t.restaurant_id, r.user_id, r.start_time, r.end_time, r.guests, r.created_at`

func scanReservation(row rowScanner) (*model.Reservation, error) {
	res := &model.Reservation{}
	if err := row.Scan(
		&res.ID, &res.TableID, &res.RestaurantID, &res.UserID,
		&res.Start, &res.End, &res.Guests, &res.CreatedAt,
	); err != nil {
		return nil, err
	}
	return res, nil
}

// FindByID は指定IDの予約を取得する。見つからない場合はnilを返す。
func (r *PostgresReservationRepo) FindByID(ctx context.Context, id int64) (*model.Reservation, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+`
		 FROM reservations r
		 INNER JOIN restaurant_tables t ON t.id = r.table_id
		 WHERE r.id = $1`,
		id,
	)
	res, err := scanReservation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("予約の取得に失敗しました: %w", err)
	}
	return res, nil
}

// ListByRestaurantAndDay はレストランの指定日の予約を開始時刻順に返す。
func (r *PostgresReservationRepo) ListByRestaurantAndDay(ctx context.Context, restaurantID int64, dayStart time.Time) ([]*model.Reservation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+reservationColumns+`
		 FROM reservations r
		 INNER JOIN restaurant_tables t ON t.id = r.table_id
		 WHERE t.restaurant_id = $1 AND r.start_time >= $2 AND r.start_time < $3
		 ORDER BY r.start_time ASC, r.user_id ASC, r.id ASC`,
		restaurantID, dayStart, dayStart.AddDate(0, 0, 1),
	)
	if err != nil {
		return nil, fmt.Errorf("予約一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var result []*model.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("予約の読み取りに失敗しました: %w", err)
		}
		result = append(result, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("予約一覧の走査に失敗しました: %w", err)
	}
	return result, nil
}

// DeleteByIDs は指定IDの予約を削除し、確保していたタイムスロットを解放する。
func (r *PostgresReservationRepo) DeleteByIDs(ctx context.Context, ids []int64) ([]*model.Reservation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.deleteWhere(ctx, `r.id = ANY($1)`, pq.Array(ids))
}

// DeleteByUserAndDay はユーザーの指定日の予約を削除し、削除した予約を返す。
func (r *PostgresReservationRepo) DeleteByUserAndDay(ctx context.Context, userID int64, dayStart time.Time) ([]*model.Reservation, error) {
	return r.deleteWhere(ctx,
		`r.user_id = $1 AND r.start_time >= $2 AND r.start_time < $3`,
		userID, dayStart, dayStart.AddDate(0, 0, 1),
	)
}

// DeleteByRestaurant はレストランの全予約を削除し、削除した予約を返す。
func (r *PostgresReservationRepo) DeleteByRestaurant(ctx context.Context, restaurantID int64) ([]*model.Reservation, error) {
	return r.deleteWhere(ctx, `t.restaurant_id = $1`, restaurantID)
}

// deleteWhere は条件に一致する予約を削除し、対応するタイムスロットを空きに戻す。
func (r *PostgresReservationRepo) deleteWhere(ctx context.Context, cond string, args ...any) ([]*model.Reservation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`DELETE FROM reservations r
		 USING restaurant_tables t
		 WHERE t.id = r.table_id AND `+cond+`
		 RETURNING `+reservationColumns,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("予約の削除に失敗しました: %w", err)
	}

	var deleted []*model.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("削除した予約の読み取りに失敗しました: %w", err)
		}
		deleted = append(deleted, res)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("削除した予約の走査に失敗しました: %w", err)
	}

	for _, res := range deleted {
		if _, err := tx.ExecContext(ctx,
			`UPDATE timeslots SET user_id = NULL
			 WHERE table_id = $1 AND start_time >= $2 AND start_time < $3 AND user_id = $4`,
			res.TableID, res.Start, res.End, res.UserID,
		); err != nil {
			return nil, fmt.Errorf("タイムスロットの解放に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return deleted, nil
}

// compile-time interface check
var _ ReservationRepository = (*PostgresReservationRepo)(nil)
