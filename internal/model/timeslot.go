package model

import "time"

// Timeslot はテーブルごとの15分単位の予約可能枠を表す。
// UserIDがnilの場合は空き枠。
type Timeslot struct {
	ID      int64
	TableID int64
	Start   time.Time
	End     time.Time
	UserID  *int64
}

// IsFree は枠が未確保であるかを返す。
func (s *Timeslot) IsFree() bool {
	return s.UserID == nil
}

// FreeSlot は空き時間帯とその時点での空き席数の合計を表す。
type FreeSlot struct {
	Start    time.Time
	End      time.Time
	Capacity int
}

// FreeSlotRow は空き枠検索の1行（枠の開始時刻とテーブル容量）を表す。
type FreeSlotRow struct {
	TableID  int64
	Start    time.Time
	End      time.Time
	Capacity int
}
