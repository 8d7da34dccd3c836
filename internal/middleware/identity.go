// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/hitoshi/stillokay/internal/model"
)

// DefaultUserIDHeader は上流の認証プロキシがユーザーIDを渡すヘッダー名のデフォルト値。
const DefaultUserIDHeader = "X-User-ID"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var userIDContextKey = contextKey("user_id")

// NewIdentityMiddleware は認証済みユーザーIDをリクエストヘッダーから読み取り、
// リクエストコンテキストに注入するミドルウェアを返す。
// 認証自体は上流のプロキシが行う。ヘッダーがないリクエストには401を返す。
func NewIdentityMiddleware(header string) func(next http.Handler) http.Handler {
	if header == "" {
		header = DefaultUserIDHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(r.Header.Get(header))
			if userID == "" {
				WriteRequestErrorResponse(w, r, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithUserID(r.Context(), userID)))
		})
	}
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// IdentityMiddlewareを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}
