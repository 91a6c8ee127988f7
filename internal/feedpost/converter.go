// Package feedpost はレビューのグループをフィード表示用の投稿に変換する。
package feedpost

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/hitoshi/dishfeed/internal/model"
	"github.com/hitoshi/dishfeed/internal/security"
	"github.com/hitoshi/dishfeed/internal/visit"
)

// Converter はVisitGroupをFeedPostに変換する。
// 投稿者・店舗はキャッシュ経由で解決し、失敗時は代替表示を使う。エラーは返さない。
type Converter struct {
	profiles    ProfileFinder
	restaurants RestaurantFinder
	scores      ScoreResolver
	sanitizer   security.CaptionSanitizer
	timeout     time.Duration
	logger      *slog.Logger
}

// NewConverter はConverterの新しいインスタンスを生成する。
// scoresはnilでもよい。その場合、保存済みスコアの無い店舗はスコア無しになる。
func NewConverter(
	profiles ProfileFinder,
	restaurants RestaurantFinder,
	scores ScoreResolver,
	sanitizer security.CaptionSanitizer,
	timeout time.Duration,
	logger *slog.Logger,
) *Converter {
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}
	return &Converter{
		profiles:    profiles,
		restaurants: restaurants,
		scores:      scores,
		sanitizer:   sanitizer,
		timeout:     timeout,
		logger:      logger,
	}
}

// ToFeedPost はグループ1件を投稿に変換する。
// 同じグループを何度変換しても、参照先が変わらない限り同じ結果になる。
func (c *Converter) ToFeedPost(ctx context.Context, group model.VisitGroup) model.FeedPost {
	post := model.FeedPost{ID: group.ID}
	records := group.Records
	if len(records) == 0 {
		return post
	}

	ranked := rankByRating(records)
	primary := ranked[0]

	post.Author = c.resolveAuthor(ctx, primary.UserID)
	restaurantID, restaurantName := restaurantOf(records)
	post.Restaurant = c.resolveRestaurant(ctx, restaurantID, restaurantName)

	media := buildMedia(records)
	post.PrimaryDish = model.DishSummary{
		ReviewID: primary.ID,
		Name:     primary.DishName,
		ImageURL: primaryImage(primary, media),
		Rating:   ratingPtr(primary.Rating),
	}
	post.AverageRating = averageRating(records)
	post.MediaItems = media

	if len(records) > 1 {
		post.CarouselItems = make([]model.CarouselItem, 0, len(ranked))
		for _, rec := range ranked {
			post.CarouselItems = append(post.CarouselItems, model.CarouselItem{
				ReviewID: rec.ID,
				DishName: rec.DishName,
				ImageURL: firstImage(rec),
				Rating:   ratingPtr(rec.Rating),
			})
		}
	}

	post.Caption = c.caption(ranked)
	post.Tags = extractTags(records)

	post.SourceIDs = make([]string, len(records))
	for i, rec := range records {
		post.SourceIDs[i] = rec.ID
		if rec.CreatedAt.After(post.CreatedAt) {
			post.CreatedAt = rec.CreatedAt
		}
	}
	return post
}

// ConvertAll はレコードをグループ化して投稿に変換し、新しい順に並べる。
// 作成日時が同じ投稿はIDの降順に並べる。
func (c *Converter) ConvertAll(ctx context.Context, records []model.ReviewRecord) []model.FeedPost {
	groups := visit.Group(records).Groups()
	posts := make([]model.FeedPost, 0, len(groups))
	for _, g := range groups {
		posts = append(posts, c.ToFeedPost(ctx, g))
	}
	SortPosts(posts)
	return posts
}

// SortPosts は投稿を作成日時の降順、同時刻の場合はIDの降順に並べる。
func SortPosts(posts []model.FeedPost) {
	sort.SliceStable(posts, func(i, j int) bool {
		if !posts[i].CreatedAt.Equal(posts[j].CreatedAt) {
			return posts[i].CreatedAt.After(posts[j].CreatedAt)
		}
		return posts[i].ID > posts[j].ID
	})
}

// Decorate は閲覧者がフォローしている投稿者の投稿に印を付ける。
func Decorate(posts []model.FeedPost, following map[string]struct{}) {
	for i := range posts {
		_, ok := following[posts[i].Author.ID]
		posts[i].FollowingAuthor = ok
	}
}

// rankByRating は評価の降順に安定ソートしたコピーを返す。評価の無いレコードは末尾に回る。
func rankByRating(records []model.ReviewRecord) []model.ReviewRecord {
	ranked := make([]model.ReviewRecord, len(records))
	copy(ranked, records)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i].Rating, ranked[j].Rating
		if !isFinite(a) {
			return false
		}
		if !isFinite(b) {
			return true
		}
		return a > b
	})
	return ranked
}

func restaurantOf(records []model.ReviewRecord) (string, string) {
	var id, name string
	for _, rec := range records {
		if id == "" && rec.RestaurantID != "" {
			id = rec.RestaurantID
		}
		if name == "" && rec.RestaurantName != "" {
			name = rec.RestaurantName
		}
	}
	return id, name
}

// averageRating は有限の評価の単純平均を返す。有限の評価が無い場合はnil。
func averageRating(records []model.ReviewRecord) *float64 {
	sum, n := 0.0, 0
	for _, rec := range records {
		if isFinite(rec.Rating) {
			sum += rec.Rating
			n++
		}
	}
	if n == 0 {
		return nil
	}
	avg := sum / float64(n)
	return &avg
}

// primaryImage は代表料理の画像を返す。代表料理の写真が無い場合は投稿の先頭の写真を使う。
func primaryImage(primary model.ReviewRecord, media []model.MediaItem) string {
	if url := firstImage(primary); url != "" {
		return url
	}
	if len(media) > 0 {
		return media[0].URL
	}
	return ""
}

func firstImage(rec model.ReviewRecord) string {
	for _, img := range rec.Images {
		if !img.VisitLevel && img.URL != "" {
			return img.URL
		}
	}
	for _, img := range rec.Images {
		if img.URL != "" {
			return img.URL
		}
	}
	return ""
}

// caption は評価の高い料理から順に、最初の空でないキャプションを返す。
func (c *Converter) caption(ranked []model.ReviewRecord) string {
	for _, rec := range ranked {
		if text := c.sanitizer.Sanitize(rec.Caption); text != "" {
			return text
		}
	}
	return ""
}

func ratingPtr(r float64) *float64 {
	if !isFinite(r) {
		return nil
	}
	return &r
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
