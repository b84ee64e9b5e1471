package model

import "time"

// Reservation は1テーブル分の確定済み予約を表す。
type Reservation struct {
	ID           int64
	TableID      int64
	RestaurantID int64
	UserID       int64
	Start        time.Time
	End          time.Time
	Guests       int
	CreatedAt    time.Time
}

// Overlaps は[start, end)と予約期間が重なるかを返す。
// 終了時刻と開始時刻が一致する隣接予約は重ならない。
func (r *Reservation) Overlaps(start, end time.Time) bool {
	return r.Start.Before(end) && start.Before(r.End)
}

// ReservationGroup はユーザー単位で集約した予約を表す。
// 複数テーブルにまたがる1組の予約が1グループになる。
type ReservationGroup struct {
	UserID       int64
	Start        time.Time
	End          time.Time
	Guests       int
	Reservations []*Reservation
}

// ChangeEvent は購読者に通知する変更イベント。
// レストランIDと予約IDがルーティングキーになる。
type ChangeEvent struct {
	RestaurantID   int64   `json:"restaurant_id"`
	ReservationIDs []int64 `json:"reservation_ids"`
	Message        string  `json:"message"`
}

// 変更イベントのメッセージ
const (
	MessageTableUpdated       = "table-updated"
	MessageReservationDeleted = "reservation-deleted"
)
