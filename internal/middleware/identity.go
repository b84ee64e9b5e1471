// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// UserIDHeader は前段の認証ゲートウェイが設定するユーザーIDヘッダー。
const UserIDHeader = "X-User-ID"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
var userIDContextKey = contextKey("user_id")

// NewIdentityMiddleware はX-User-IDヘッダーのユーザーIDをリクエストコンテキストに注入する。
// 認証は前段で済んでいる前提で、ヘッダーがない・数値でない場合は何も注入しない。
func NewIdentityMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v := strings.TrimSpace(r.Header.Get(UserIDHeader)); v != "" {
				if id, err := strconv.ParseInt(v, 10, 64); err == nil && id > 0 {
					r = r.WithContext(ContextWithUserID(r.Context(), id))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDContextKey).(int64)
	return id, ok && id > 0
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
func ContextWithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// ClientKey はレート制限のキーを返す。
// ユーザーIDがあれば "user:<id>"、なければ接続元IPの "ip:<addr>" になる。
func ClientKey(r *http.Request) string {
	if id, ok := UserIDFromContext(r.Context()); ok {
		return "user:" + strconv.FormatInt(id, 10)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
