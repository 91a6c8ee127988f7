package model

import "time"

// FeedPost はフィードに表示する投稿を表す。
// 元のReviewRecordから導出され、永続化されない。
type FeedPost struct {
	ID              string
	Author          AuthorSnapshot
	Restaurant      *RestaurantSnapshot
	PrimaryDish     DishSummary
	AverageRating   *float64 // 有限の評価が1件も無い場合はnil
	MediaItems      []MediaItem
	CarouselItems   []CarouselItem // 複数料理の来店のみ
	Caption         string
	CreatedAt       time.Time
	Tags            []string
	SourceIDs       []string
	FollowingAuthor bool
}

// AuthorSnapshot は投稿者情報の非正規化スナップショット。
type AuthorSnapshot struct {
	ID          string
	DisplayName string
	AvatarURL   string
	Verified    bool
}

// RestaurantSnapshot は店舗情報の非正規化スナップショット。
type RestaurantSnapshot struct {
	ID           string
	Name         string
	Verified     bool
	QualityScore *int
}

// DishSummary は投稿の代表料理を表す。
type DishSummary struct {
	ReviewID string
	Name     string
	ImageURL string
	Rating   *float64
}

// MediaKind はメディアの種別を表す。
type MediaKind string

const (
	// MediaKindVisit は来店全体の写真。
	MediaKindVisit MediaKind = "visit"
	// MediaKindDish は料理ごとの写真。
	MediaKindDish MediaKind = "dish"
)

// MediaItem は投稿に表示する写真1枚を表す。
type MediaItem struct {
	URL      string
	Kind     MediaKind
	ReviewID string
	DishName string
}

// CarouselItem は来店投稿のカルーセルに並ぶ料理1品を表す。
type CarouselItem struct {
	ReviewID string
	DishName string
	ImageURL string
	Rating   *float64
}

// HasRecord は指定レコードがこの投稿の元データに含まれるかを返す。
func (p *FeedPost) HasRecord(recordID string) bool {
	for _, id := range p.SourceIDs {
		if id == recordID {
			return true
		}
	}
	return false
}
