package model

import (
	"errors"
	"fmt"
	"time"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, booking, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeRestaurantNotFound  = "RESTAURANT_NOT_FOUND"
	ErrCodeUserNotFound        = "USER_NOT_FOUND"
	ErrCodeTableNotFound       = "TABLE_NOT_FOUND"
	ErrCodeReservationNotFound = "RESERVATION_NOT_FOUND"
	ErrCodeConflict            = "RESERVATION_CONFLICT"
	ErrCodeNotEnoughCapacity   = "NOT_ENOUGH_CAPACITY"
	ErrCodeInvalidBooking      = "INVALID_BOOKING"
	ErrCodeInvalidParameter    = "INVALID_PARAMETER"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
)

// NewRestaurantNotFoundError はレストラン未検出エラーを生成する。
func NewRestaurantNotFoundError(id int64) *APIError {
	return &APIError{
		Code:     ErrCodeRestaurantNotFound,
		Message:  fmt.Sprintf("指定されたレストランが見つかりません: %d", id),
		Category: "booking",
		Action:   "レストランIDを確認してください。",
	}
}

// NewUserNotFoundError はユーザー未検出エラーを生成する。
func NewUserNotFoundError(id int64) *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  fmt.Sprintf("指定されたユーザーが見つかりません: %d", id),
		Category: "booking",
		Action:   "ユーザーIDを確認してください。",
	}
}

// NewTableNotFoundError はテーブル未検出エラーを生成する。
func NewTableNotFoundError(id int64) *APIError {
	return &APIError{
		Code:     ErrCodeTableNotFound,
		Message:  fmt.Sprintf("指定されたテーブルが見つかりません: %d", id),
		Category: "booking",
		Action:   "テーブルIDを確認してください。",
	}
}

// NewReservationNotFoundError は予約未検出エラーを生成する。
func NewReservationNotFoundError(id int64) *APIError {
	return &APIError{
		Code:     ErrCodeReservationNotFound,
		Message:  fmt.Sprintf("指定された予約が見つかりません: %d", id),
		Category: "booking",
		Action:   "予約IDを確認してください。",
	}
}

// NewConflictError は同日に既に予約があるユーザーが再度予約しようとした場合のエラーを生成する。
func NewConflictError(userID int64, day time.Time) *APIError {
	return &APIError{
		Code:     ErrCodeConflict,
		Message:  fmt.Sprintf("ユーザー %d は %s に既に予約があります。", userID, day.Format("2006-01-02")),
		Category: "booking",
		Action:   "既存の予約を取り消すか、別の日を指定してください。",
	}
}

// NewNotEnoughCapacityError は指定時刻に人数分の空き席がない場合のエラーを生成する。
func NewNotEnoughCapacityError(partySize int, start time.Time) *APIError {
	return &APIError{
		Code:     ErrCodeNotEnoughCapacity,
		Message:  fmt.Sprintf("%s に %d 名分の空き席がありません。", start.Format("2006-01-02 15:04"), partySize),
		Category: "booking",
		Action:   "時刻または人数を変更して再度お試しください。",
	}
}

// NewInvalidBookingError は予約リクエストの値が不正な場合のエラーを生成する。
func NewInvalidBookingError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidBooking,
		Message:  fmt.Sprintf("予約リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewInvalidParameterError はクエリ・パス・ボディの値が不正な場合のエラーを生成する。
func NewInvalidParameterError(name, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidParameter,
		Message:  fmt.Sprintf("%s が不正です: %s", name, reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewUnauthorizedError は利用者を特定できないリクエストのエラーを生成する。
func NewUnauthorizedError(action string) *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "ユーザーIDが指定されていません。",
		Category: "validation",
		Action:   action,
	}
}

// HasCode はerrがAPIErrorであり、指定コードを持つかを返す。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// IsNotFound はerrがいずれかの未検出エラーであるかを返す。
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeRestaurantNotFound) ||
		HasCode(err, ErrCodeUserNotFound) ||
		HasCode(err, ErrCodeTableNotFound) ||
		HasCode(err, ErrCodeReservationNotFound)
}

// IsConflict はerrが同日予約の競合エラーであるかを返す。
func IsConflict(err error) bool {
	return HasCode(err, ErrCodeConflict)
}

// IsNotEnoughCapacity はerrが空き席不足エラーであるかを返す。
func IsNotEnoughCapacity(err error) bool {
	return HasCode(err, ErrCodeNotEnoughCapacity)
}
