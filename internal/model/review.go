// Package model はドメインモデルを定義する。
package model

import "time"

// Visibility はレビューの公開範囲を表す。
type Visibility string

const (
	// VisibilityPublic はフィードに表示される公開レビュー。
	VisibilityPublic Visibility = "public"
	// VisibilityPrivate は投稿者本人のみが閲覧できる非公開レビュー。
	VisibilityPrivate Visibility = "private"
)

// ReviewRecord は1人のユーザーによる1品の料理への評価を表す。
// ストアから取得した生ドキュメントは review.Normalize によって一度だけこの型へ正規化される。
type ReviewRecord struct {
	ID             string
	UserID         string
	RestaurantID   string // 空文字は未設定
	RestaurantName string // 旧形式ドキュメントに非正規化された店名
	MenuItemID     string // 空文字は未設定
	VisitID        string // 空文字は単独レビュー
	DishName       string
	Category       string // 旧形式ドキュメントに非正規化されたメニューカテゴリ
	Rating         float64
	Caption        string
	CreatedAt      time.Time
	Tags           []string
	Attributes     map[string]string
	Images         []ReviewImage
	IsDeleted      bool
	Visibility     Visibility
}

// ReviewImage はレビューに添付された写真を表す。
type ReviewImage struct {
	URL        string
	VisitLevel bool // 来店全体の写真として明示的にタグ付けされている
}

// Displayable はフィードに表示してよいレコードかを返す。
// 論理削除済みまたは非公開のレコードはフィードに出さない。
func (r *ReviewRecord) Displayable() bool {
	return !r.IsDeleted && r.Visibility != VisibilityPrivate
}

// RawReview はストアに保存されたままの未正規化ドキュメントを表す。
// CreatedAtはストア側の並び順キーで、ページングカーソルに使う。
// IsDeletedとVisibilityはストアの列の値で、ドキュメントの値より優先される。
type RawReview struct {
	ID         string
	CreatedAt  time.Time
	IsDeleted  bool
	Visibility string
	Doc        []byte
}

// VisitGroup は同一visitIdを共有するレビューの集合を表す。
// visitIdを持たないレコードは単独グループとなり、IDにはレコードIDが入る。
type VisitGroup struct {
	ID      string
	IsVisit bool
	Records []ReviewRecord
}

// Cursor はフィードのページング位置を表す。
// created_at DESC, id DESC の順序で直前に返したレコードを指す。
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// ReviewQuery はレビュー一覧取得の条件を表す。
type ReviewQuery struct {
	AuthorID     string
	RestaurantID string
	Limit        int
	After        *Cursor
}

// ChangeBatch はライブ購読から届く1回分の変更通知を表す。
// Snapshotがtrueの場合、Addedは購読条件に一致する全レコードを含む。
type ChangeBatch struct {
	Snapshot bool
	Added    []ReviewRecord
	Modified []ReviewRecord
	Removed  []string
}

// Empty は変更を1件も含まないかを返す。
func (b ChangeBatch) Empty() bool {
	return len(b.Added) == 0 && len(b.Modified) == 0 && len(b.Removed) == 0
}
