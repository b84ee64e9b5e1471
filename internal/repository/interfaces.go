// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/tablebook/internal/model"
)

// ErrTableUnavailable は指定テーブルが要求時間帯に確保できない場合に返される。
// 重複予約がある、または営業時間内の空きタイムスロットが揃っていない場合に該当する。
var ErrTableUnavailable = errors.New("table is not available for the requested period")

// RestaurantRepository はレストランの参照インターフェース。
type RestaurantRepository interface {
	// FindByID は指定IDのレストランを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.Restaurant, error)

	// ListAll は全レストランをID順に返す。
	ListAll(ctx context.Context) ([]*model.Restaurant, error)
}

// UserRepository はユーザーの参照インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.User, error)
}

// TableRepository はテーブルの参照インターフェース。
type TableRepository interface {
	// ListByRestaurant はレストランの全テーブルをID順に返す。
	ListByRestaurant(ctx context.Context, restaurantID int64) ([]*model.Table, error)
}

// OpeningHoursRepository は営業時間の参照インターフェース。
type OpeningHoursRepository interface {
	// FindByRestaurantAndWeekday は指定曜日（ISO 1-7）の営業時間を返す。
	// 定義されていない場合はnilを返す。
	FindByRestaurantAndWeekday(ctx context.Context, restaurantID int64, weekday int) (*model.OpeningHours, error)
}

// TimeslotRepository はタイムスロットの永続化インターフェース。
type TimeslotRepository interface {
	// CreateBatch はタイムスロットを一括作成する。
	// (table_id, start_time) が既に存在する枠はスキップし、作成件数を返す。
	CreateBatch(ctx context.Context, slots []*model.Timeslot) (int, error)

	// ListFreeByRestaurant はレストランの [from, to) に開始する空き枠を
	// テーブル容量付きで開始時刻順に返す。
	ListFreeByRestaurant(ctx context.Context, restaurantID int64, from, to time.Time) ([]model.FreeSlotRow, error)
}

// ReservationRepository は予約の永続化インターフェース。
type ReservationRepository interface {
	// ExistsForUserOnDay はユーザーが [dayStart, dayStart+24h) に開始する予約を持つかを返す。
	ExistsForUserOnDay(ctx context.Context, userID int64, dayStart time.Time) (bool, error)

	// ReserveTable はテーブル行をFOR UPDATEでロックした上で重複確認と予約作成を行う。
	// 確保できない場合はErrTableUnavailableを返す。
	// 予約期間に含まれるタイムスロットにはユーザーIDが設定される。
	ReserveTable(ctx context.Context, res *model.Reservation) (*model.Reservation, error)

	// FindByID は指定IDの予約を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.Reservation, error)

	// ListByRestaurantAndDay はレストランの指定日の予約を開始時刻順に返す。
	ListByRestaurantAndDay(ctx context.Context, restaurantID int64, dayStart time.Time) ([]*model.Reservation, error)

	// DeleteByIDs は指定IDの予約を削除し、確保していたタイムスロットを解放する。
	// 削除した予約を返す。
	DeleteByIDs(ctx context.Context, ids []int64) ([]*model.Reservation, error)

	// DeleteByUserAndDay はユーザーの指定日の予約を削除し、削除した予約を返す。
	DeleteByUserAndDay(ctx context.Context, userID int64, dayStart time.Time) ([]*model.Reservation, error)

	// DeleteByRestaurant はレストランの全予約を削除し、削除した予約を返す。
	DeleteByRestaurant(ctx context.Context, restaurantID int64) ([]*model.Reservation, error)
}
