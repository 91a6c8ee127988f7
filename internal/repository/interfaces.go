// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/dishfeed/internal/model"
)

// ReviewRepository はレビュードキュメントの読み出しインターフェース。
// ドキュメントは未正規化のまま返し、正規化は呼び出し側で1回だけ行う。
type ReviewRepository interface {
	// List はis_deleted = falseのレビューをcreated_at DESC, id DESCで取得する。
	// q.Afterが指定された場合はその位置より後ろから取得する。
	List(ctx context.Context, q model.ReviewQuery) ([]model.RawReview, error)

	// ListByIDs は指定IDのレビューを論理削除済みも含めて取得する。
	// q.AuthorID、q.RestaurantIDが指定された場合はその条件に一致するものだけを返す。
	ListByIDs(ctx context.Context, q model.ReviewQuery, ids []string) ([]model.RawReview, error)

	// ListByVisitIDs は指定した来店に属する論理削除されていないレビューを取得する。
	// q.AuthorID、q.RestaurantIDが指定された場合はその条件に一致するものだけを返す。
	ListByVisitIDs(ctx context.Context, q model.ReviewQuery, visitIDs []string) ([]model.RawReview, error)

	// ListByRestaurant は店舗に紐づく論理削除されていない全レビューを取得する。
	ListByRestaurant(ctx context.Context, restaurantID string) ([]model.RawReview, error)

	// ListRestaurantsChangedSince はsince以降にレビューが更新された店舗IDを返す。
	ListRestaurantsChangedSince(ctx context.Context, since time.Time) ([]string, error)
}

// RestaurantRepository は店舗ドキュメントの永続化インターフェース。
type RestaurantRepository interface {
	// FindByID は指定IDの店舗を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Restaurant, error)

	// UpdateQualityScore は店舗の品質スコアを更新する。scoreがnilの場合はNULLを書き込む。
	UpdateQualityScore(ctx context.Context, id string, score *int, scoredAt time.Time) error
}

// MenuItemRepository はメニュー項目ドキュメントの読み出しインターフェース。
type MenuItemRepository interface {
	// FindByID は指定IDのメニュー項目を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.MenuItem, error)
}

// ProfileRepository はユーザープロフィールの読み出しインターフェース。
type ProfileRepository interface {
	// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.UserProfile, error)
}

// FollowRepository はフォロー関係の読み出しインターフェース。
// フォロー関係の管理は外部コンポーネントが行い、ここではIDの集合を参照するだけ。
type FollowRepository interface {
	// ListFolloweeIDs は指定ユーザーがフォローしているユーザーIDを返す。
	ListFolloweeIDs(ctx context.Context, userID string) ([]string, error)
}

// ReviewChangeSource はレビューの変更をライブ購読するインターフェース。
type ReviewChangeSource interface {
	// Subscribe はqに一致するレビューの変更購読を開始する。
	// 最初のイベントは購読条件に一致する全件のスナップショットとなる。
	Subscribe(ctx context.Context, q model.ReviewQuery) (ReviewSubscription, error)
}

// ReviewSubscription はライブ購読のハンドル。
type ReviewSubscription interface {
	// Events は変更イベントを受け取るチャネルを返す。購読終了時にcloseされる。
	Events() <-chan RawChange
	// Close は購読を終了する。
	Close() error
}

// RawChange はストアから届いた未正規化の変更イベント。
// Snapshotがtrueの場合、Upsertedは購読条件に一致する全件を含む。
// 増分イベントではInsertedが新しく作成された行、Upsertedが既存の行の更新を表す。
type RawChange struct {
	Snapshot bool
	Inserted []model.RawReview
	Upserted []model.RawReview
	Deleted  []string
}

// Empty は変更を1件も含まない増分イベントかを返す。
func (c RawChange) Empty() bool {
	return !c.Snapshot && len(c.Inserted) == 0 && len(c.Upserted) == 0 && len(c.Deleted) == 0
}
