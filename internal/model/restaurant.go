// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SlotGranularity はタイムスロットの生成単位（15分）。
// レストランのtimeSlotDurationとは独立した固定値。
const SlotGranularity = 15 * time.Minute

// Restaurant はレストランを表す。
type Restaurant struct {
	ID      int64
	Address string
	// OwnerID はオーナーユーザーのID。オーナー削除時はnilになる。
	OwnerID *int64
	// TimeSlotDuration は1組あたりの滞在時間（分）。予約の長さになる。
	TimeSlotDuration int
	Tags             []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Duration は予約1件あたりの滞在時間を返す。
func (r *Restaurant) Duration() time.Duration {
	return time.Duration(r.TimeSlotDuration) * time.Minute
}

// Table はレストランのテーブルを表す。
type Table struct {
	ID           int64
	RestaurantID int64
	Capacity     int
}

// OpeningHours は曜日ごとの営業時間を表す。
type OpeningHours struct {
	ID           int64
	RestaurantID int64
	// Weekday はISO曜日（1=月曜 … 7=日曜）。
	Weekday   int
	OpenTime  ClockTime
	CloseTime ClockTime
}

// Valid は閉店時刻が開店時刻より後であるかを返す。
func (h *OpeningHours) Valid() bool {
	return h.CloseTime > h.OpenTime
}

// ISOWeekday はtの曜日をISO形式（1=月曜 … 7=日曜）で返す。
func ISOWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// ClockTime は0時からの経過分で表す時刻。
type ClockTime int

// ParseClockTime は "HH:MM" または "HH:MM:SS" 形式の文字列をClockTimeに変換する。
// 秒は切り捨てる。
func ParseClockTime(s string) (ClockTime, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("時刻の形式が不正です: %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("時の値が不正です: %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("分の値が不正です: %q", s)
	}
	if h == 24 && m != 0 {
		return 0, fmt.Errorf("時刻が範囲外です: %q", s)
	}
	return ClockTime(h*60 + m), nil
}

// String は "HH:MM" 形式の文字列を返す。
func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// On は指定日のこの時刻を返す。dayのタイムゾーンを使用する。
func (c ClockTime) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, int(c)/60, int(c)%60, 0, 0, day.Location())
}

// StartOfDay はtと同じ日の0時を返す。
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
