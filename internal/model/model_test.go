package model

import (
	"errors"
	"fmt"
	"testing"
	"time"
	_ "time/tzdata"
)

func TestParseClockTime(t *testing.T) {
	tests := []struct {
		in      string
		want    ClockTime
		wantErr bool
	}{
		{"10:00", 600, false},
		{"20:00:00", 1200, false},
		{"09:45:30", 585, false},
		{"24:00", 1440, false},
		{"24:30", 0, true},
		{"7", 0, true},
		{"aa:00", 0, true},
		{"10:60", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseClockTime(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseClockTime(%q) はエラーを返すべき", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseClockTime(%q) がエラーを返した: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseClockTime(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestClockTime_StringAndOn(t *testing.T) {
	c := ClockTime(12*60 + 30)
	if c.String() != "12:30" {
		t.Errorf("String() = %q, want %q", c.String(), "12:30")
	}

	day := time.Date(2026, 10, 16, 18, 0, 0, 0, time.UTC)
	want := time.Date(2026, 10, 16, 12, 30, 0, 0, time.UTC)
	if got := c.On(day); !got.Equal(want) {
		t.Errorf("On() = %v, want %v", got, want)
	}
}

func TestClockTime_OnAcrossDSTTransition(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Fatalf("タイムゾーンの読み込みに失敗: %v", err)
	}

	// 2026-03-29 は夏時間への切り替え日（02:00 が 03:00 になる）
	day := time.Date(2026, 3, 29, 0, 0, 0, 0, berlin)
	// 2026-10-25 は標準時への切り替え日（03:00 が 02:00 に戻る）
	fallDay := time.Date(2026, 10, 25, 0, 0, 0, 0, berlin)

	for _, d := range []time.Time{day, fallDay} {
		for _, c := range []ClockTime{0, 10 * 60, 20*60 + 45} {
			got := c.On(d)
			if got.Hour() != int(c)/60 || got.Minute() != int(c)%60 {
				t.Errorf("%s の %s: On() = %v", d.Format(time.DateOnly), c, got)
			}
			if y, m, dd := got.Date(); y != d.Year() || m != d.Month() || dd != d.Day() {
				t.Errorf("%s の %s: 日付がずれた %v", d.Format(time.DateOnly), c, got)
			}
		}
	}
}

func TestISOWeekday(t *testing.T) {
	// 2026-10-18 は日曜日
	sunday := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)
	if got := ISOWeekday(sunday); got != 7 {
		t.Errorf("ISOWeekday(sunday) = %d, want 7", got)
	}
	if got := ISOWeekday(sunday.AddDate(0, 0, 1)); got != 1 {
		t.Errorf("ISOWeekday(monday) = %d, want 1", got)
	}
}

func TestOpeningHours_Valid(t *testing.T) {
	ok := &OpeningHours{OpenTime: 600, CloseTime: 1200}
	if !ok.Valid() {
		t.Error("10:00-20:00 は有効であるべき")
	}
	bad := &OpeningHours{OpenTime: 1200, CloseTime: 1200}
	if bad.Valid() {
		t.Error("開店と閉店が同時刻の場合は無効であるべき")
	}
}

func TestReservation_Overlaps(t *testing.T) {
	base := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	r := &Reservation{Start: base, End: base.Add(90 * time.Minute)}

	if !r.Overlaps(base.Add(30*time.Minute), base.Add(120*time.Minute)) {
		t.Error("12:30開始の予約は重なるべき")
	}
	if r.Overlaps(base.Add(90*time.Minute), base.Add(180*time.Minute)) {
		t.Error("終了時刻ちょうどに開始する予約は重ならないべき")
	}
	if r.Overlaps(base.Add(-90*time.Minute), base) {
		t.Error("開始時刻ちょうどに終了する予約は重ならないべき")
	}
}

func TestErrorPredicates(t *testing.T) {
	day := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	wrapped := fmt.Errorf("wrap: %w", NewConflictError(1, day))

	if !IsConflict(wrapped) {
		t.Error("ラップされた競合エラーを判定できるべき")
	}
	if !IsNotEnoughCapacity(NewNotEnoughCapacityError(4, day)) {
		t.Error("空き席不足エラーを判定できるべき")
	}
	if !IsNotFound(NewRestaurantNotFoundError(7)) || !IsNotFound(NewUserNotFoundError(1)) {
		t.Error("未検出エラーを判定できるべき")
	}
	if IsNotFound(errors.New("plain")) {
		t.Error("APIError以外は未検出エラーではない")
	}
}
