package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/tablebook/internal/model"
)

// HTTP層で発生するエラーのコード
const (
	ErrCodeInternal    = "INTERNAL_ERROR"
	ErrCodeRateLimited = "RATE_LIMIT_EXCEEDED"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// StatusForAPIError はAPIErrorのコードに対応するHTTPステータスを返す。
// 空き席不足はリクエスト自体は正しいため422とし、同日予約の重複は409とする。
func StatusForAPIError(apiErr *model.APIError) int {
	switch {
	case model.IsNotFound(apiErr):
		return http.StatusNotFound
	case model.IsConflict(apiErr):
		return http.StatusConflict
	case model.IsNotEnoughCapacity(apiErr):
		return http.StatusUnprocessableEntity
	}

	switch apiErr.Code {
	case model.ErrCodeInvalidBooking, model.ErrCodeInvalidParameter:
		return http.StatusBadRequest
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteError はerrをレスポンスに変換する。
// APIErrorはコードに応じたステータスで返し、それ以外は内容をログに残して500を返す。
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		WriteErrorResponse(w, StatusForAPIError(apiErr), apiErr)
		return
	}

	attrs := []any{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	}
	if userID, ok := UserIDFromContext(r.Context()); ok {
		attrs = append(attrs, slog.Int64("user_id", userID))
	}
	slog.Error("internal server error", attrs...)
	WriteInternalServerError(w)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// writeTooManyRequests はレート制限超過のレスポンスをRetry-Afterヘッダー付きで書き込む。
func writeTooManyRequests(w http.ResponseWriter, retryAfterSec int, action string) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, &model.APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   action,
	})
}
