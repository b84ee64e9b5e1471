package middleware

import (
	"net/http"
	"slices"
	"strings"
)

// 予約APIが受け付けるメソッドとヘッダー
var (
	corsAllowMethods = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}, ", ")
	corsAllowHeaders = strings.Join([]string{"Content-Type", UserIDHeader}, ", ")
)

// NewCORSMiddleware は許可したオリジンからのリクエストにCORSヘッダーを付与するミドルウェアを返す。
// 予約の作成・取消はX-User-IDヘッダー付きで送られるため、オリジンはワイルドカードではなく
// 一致したものをそのまま返す。許可外のオリジンにはCORSヘッダーを付与しない。
// OPTIONSプリフライトリクエストには204で応答する。
func NewCORSMiddleware(allowedOrigins []string) func(next http.Handler) http.Handler {
	allowed := slices.Clone(allowedOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			if origin == "" && len(allowed) == 1 {
				// Originを送らないクライアント（curl等）には単一の許可オリジンを示す
				origin = allowed[0]
			}
			if slices.Contains(allowed, origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", corsAllowMethods)
				w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
