// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/dishfeed/internal/model"
)

const (
	// ViewerHeader は閲覧者IDを渡すリクエストヘッダー。
	ViewerHeader = "X-Viewer-ID"
	// viewerQueryParam はヘッダーを付けられないWebSocket接続用のクエリパラメータ。
	viewerQueryParam = "viewer_id"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var viewerIDContextKey = contextKey("viewer_id")

var validate = validator.New()

// NewViewerMiddleware は閲覧者IDをリクエストから読み取り、コンテキストに注入するミドルウェアを返す。
// 認証自体は前段のゲートウェイが行い、ここでは値の形式だけを検証する。
// 閲覧者IDが無い、または不正な場合は401 VIEWER_REQUIREDを返す。
func NewViewerMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			viewerID := r.Header.Get(ViewerHeader)
			if viewerID == "" {
				viewerID = r.URL.Query().Get(viewerQueryParam)
			}
			if err := validate.Var(viewerID, "required,max=128,printascii"); err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewViewerRequiredError())
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithViewerID(r.Context(), viewerID)))
		})
	}
}

// ViewerIDFromContext はリクエストコンテキストから閲覧者IDを取得する。
// ViewerMiddlewareを通過したリクエストでのみ有効。
func ViewerIDFromContext(ctx context.Context) (string, error) {
	viewerID, ok := ctx.Value(viewerIDContextKey).(string)
	if !ok || viewerID == "" {
		return "", fmt.Errorf("viewer ID not found in context")
	}
	return viewerID, nil
}

// ContextWithViewerID はコンテキストに閲覧者IDを注入する。
func ContextWithViewerID(ctx context.Context, viewerID string) context.Context {
	return context.WithValue(ctx, viewerIDContextKey, viewerID)
}
