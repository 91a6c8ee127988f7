// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, feed, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// ErrUnauthenticated はストアへの認証・セッションが失効していることを表す。
// 一時的な読み込み失敗とは異なり、パイプライン内で吸収せず呼び出し元へ伝播する。
var ErrUnauthenticated = errors.New("ストアの認証に失敗しました")

// 定義済みエラーコード
const (
	ErrCodeInvalidCursor        = "INVALID_CURSOR"
	ErrCodeInvalidLimit         = "INVALID_LIMIT"
	ErrCodeRestaurantNotFound   = "RESTAURANT_NOT_FOUND"
	ErrCodeFeedLoadTimeout      = "FEED_LOAD_TIMEOUT"
	ErrCodeStoreUnauthenticated = "STORE_UNAUTHENTICATED"
	ErrCodeViewerRequired       = "VIEWER_REQUIRED"
)

// NewInvalidCursorError は無効なカーソルエラーを生成する。
func NewInvalidCursorError(cursor string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCursor,
		Message:  fmt.Sprintf("無効なカーソルです: %s", cursor),
		Category: "validation",
		Action:   "前回のレスポンスに含まれる next_cursor をそのまま指定してください。",
	}
}

// NewInvalidLimitError は無効な取得件数エラーを生成する。
func NewInvalidLimitError(limit string, max int) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidLimit,
		Message:  fmt.Sprintf("無効な取得件数です: %s", limit),
		Category: "validation",
		Action:   fmt.Sprintf("limit には1から%dまでの整数を指定してください。", max),
	}
}

// NewRestaurantNotFoundError は店舗未検出エラーを生成する。
func NewRestaurantNotFoundError(restaurantID string) *APIError {
	return &APIError{
		Code:     ErrCodeRestaurantNotFound,
		Message:  fmt.Sprintf("指定された店舗が見つかりません: %s", restaurantID),
		Category: "feed",
		Action:   "店舗IDを確認してください。",
	}
}

// NewFeedLoadTimeoutError は初回読み込みのタイムアウトエラーを生成する。
func NewFeedLoadTimeoutError() *APIError {
	return &APIError{
		Code:     ErrCodeFeedLoadTimeout,
		Message:  "フィードの読み込みがタイムアウトしました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewStoreUnauthenticatedError はストア認証失敗エラーを生成する。
func NewStoreUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeStoreUnauthenticated,
		Message:  "データストアへの認証に失敗しました。",
		Category: "system",
		Action:   "時間をおいて再度お試しください。解決しない場合は管理者に連絡してください。",
	}
}

// NewViewerRequiredError は閲覧者IDが指定されていない場合のエラーを生成する。
func NewViewerRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeViewerRequired,
		Message:  "閲覧者IDが指定されていません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}
