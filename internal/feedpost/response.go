package feedpost

import (
	"time"

	"github.com/hitoshi/dishfeed/internal/model"
)

// Response は投稿のAPIレスポンス。HTTPとライブ配信の両方で使う。
type Response struct {
	ID              string              `json:"id"`
	Author          authorResponse      `json:"author"`
	Restaurant      *restaurantResponse `json:"restaurant"`
	PrimaryDish     dishResponse        `json:"primary_dish"`
	AverageRating   *float64            `json:"average_rating"`
	Media           []mediaResponse     `json:"media"`
	Carousel        []carouselResponse  `json:"carousel,omitempty"`
	Caption         string              `json:"caption"`
	CreatedAt       time.Time           `json:"created_at"`
	Tags            []string            `json:"tags"`
	ReviewIDs       []string            `json:"review_ids"`
	FollowingAuthor bool                `json:"following_author"`
}

type authorResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	Verified    bool   `json:"verified"`
}

type restaurantResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Verified     bool   `json:"verified"`
	QualityScore *int   `json:"quality_score"`
}

type dishResponse struct {
	ReviewID string   `json:"review_id"`
	Name     string   `json:"name"`
	ImageURL string   `json:"image_url"`
	Rating   *float64 `json:"rating"`
}

type mediaResponse struct {
	URL      string `json:"url"`
	Kind     string `json:"kind"`
	ReviewID string `json:"review_id"`
	DishName string `json:"dish_name,omitempty"`
}

type carouselResponse struct {
	ReviewID string   `json:"review_id"`
	DishName string   `json:"dish_name"`
	ImageURL string   `json:"image_url"`
	Rating   *float64 `json:"rating"`
}

// ToResponse はFeedPostをAPIレスポンスに変換する。
func ToResponse(p model.FeedPost) Response {
	resp := Response{
		ID: p.ID,
		Author: authorResponse{
			ID:          p.Author.ID,
			DisplayName: p.Author.DisplayName,
			AvatarURL:   p.Author.AvatarURL,
			Verified:    p.Author.Verified,
		},
		PrimaryDish: dishResponse{
			ReviewID: p.PrimaryDish.ReviewID,
			Name:     p.PrimaryDish.Name,
			ImageURL: p.PrimaryDish.ImageURL,
			Rating:   p.PrimaryDish.Rating,
		},
		AverageRating:   p.AverageRating,
		Media:           make([]mediaResponse, 0, len(p.MediaItems)),
		Caption:         p.Caption,
		CreatedAt:       p.CreatedAt,
		Tags:            p.Tags,
		ReviewIDs:       p.SourceIDs,
		FollowingAuthor: p.FollowingAuthor,
	}
	if resp.Tags == nil {
		resp.Tags = []string{}
	}
	if p.Restaurant != nil {
		resp.Restaurant = &restaurantResponse{
			ID:           p.Restaurant.ID,
			Name:         p.Restaurant.Name,
			Verified:     p.Restaurant.Verified,
			QualityScore: p.Restaurant.QualityScore,
		}
	}
	for _, m := range p.MediaItems {
		resp.Media = append(resp.Media, mediaResponse{
			URL:      m.URL,
			Kind:     string(m.Kind),
			ReviewID: m.ReviewID,
			DishName: m.DishName,
		})
	}
	for _, c := range p.CarouselItems {
		resp.Carousel = append(resp.Carousel, carouselResponse{
			ReviewID: c.ReviewID,
			DishName: c.DishName,
			ImageURL: c.ImageURL,
			Rating:   c.Rating,
		})
	}
	return resp
}

// ToResponses は投稿の一覧をAPIレスポンスに変換する。空の場合も空配列を返す。
func ToResponses(posts []model.FeedPost) []Response {
	out := make([]Response, 0, len(posts))
	for _, p := range posts {
		out = append(out, ToResponse(p))
	}
	return out
}
