package handler

import (
	"net/http"

	"github.com/hitoshi/tablebook/internal/middleware"
	"github.com/hitoshi/tablebook/internal/model"
)

// handleServiceError は予約エンジンから返されたエラーを統一フォーマットのレスポンスに変換する。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	middleware.WriteError(w, r, err)
}

// invalidParameter はパラメータ不正の400レスポンスを書き込む。
func invalidParameter(w http.ResponseWriter, name, reason string) {
	apiErr := model.NewInvalidParameterError(name, reason)
	middleware.WriteErrorResponse(w, middleware.StatusForAPIError(apiErr), apiErr)
}
