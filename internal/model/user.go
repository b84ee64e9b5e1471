package model

import "time"

// User は予約を行うユーザーを表す。
type User struct {
	ID    int64
	Email string
	Name  string
	// FlaggedRestaurantID はユーザーに付与されたレストラン単位のフラグ。
	// 対象レストランが削除されるとnilになる。
	FlaggedRestaurantID *int64
	CreatedAt           time.Time
}
