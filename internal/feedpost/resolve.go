package feedpost

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/dishfeed/internal/model"
)

// DefaultResolveTimeout は投稿者・店舗の参照1回あたりの既定の上限時間。
const DefaultResolveTimeout = 3 * time.Second

// ProfileFinder はプロフィールの参照インターフェース。キャッシュ経由の実装を渡す。
type ProfileFinder interface {
	FindByID(ctx context.Context, id string) (*model.UserProfile, error)
}

// RestaurantFinder は店舗の参照インターフェース。キャッシュ経由の実装を渡す。
type RestaurantFinder interface {
	FindByID(ctx context.Context, id string) (*model.Restaurant, error)
}

// ScoreResolver は保存済みスコアが無い店舗の品質スコアを求めるインターフェース。
type ScoreResolver interface {
	QualityScore(ctx context.Context, restaurantID string) (int, bool)
}

// resolveWithin はtimeoutを上限にfnを実行する。
// fnがコンテキストを無視して戻らない場合でも、呼び出し元はtimeoutで解放される。
func resolveWithin[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// placeholderAuthor は投稿者を解決できない場合の代替表示を返す。
func placeholderAuthor(userID string) model.AuthorSnapshot {
	return model.AuthorSnapshot{ID: userID, DisplayName: "user-" + shortID(userID)}
}

// placeholderRestaurant は店舗を解決できない場合の代替表示を返す。
// 旧形式ドキュメントの店名があればそれを使う。
func placeholderRestaurant(restaurantID, denormalizedName string) *model.RestaurantSnapshot {
	name := denormalizedName
	if name == "" {
		name = "Restaurant " + shortID(restaurantID)
	}
	return &model.RestaurantSnapshot{ID: restaurantID, Name: name}
}

func (c *Converter) resolveAuthor(ctx context.Context, userID string) model.AuthorSnapshot {
	profile, err := resolveWithin(ctx, c.timeout, func(ctx context.Context) (*model.UserProfile, error) {
		return c.profiles.FindByID(ctx, userID)
	})
	if err != nil {
		c.logger.Warn("投稿者の取得に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return placeholderAuthor(userID)
	}
	if profile == nil {
		return placeholderAuthor(userID)
	}

	author := model.AuthorSnapshot{
		ID:          userID,
		DisplayName: profile.DisplayName,
		AvatarURL:   profile.AvatarURL,
		Verified:    profile.Verified,
	}
	if author.DisplayName == "" {
		author.DisplayName = placeholderAuthor(userID).DisplayName
	}
	return author
}

func (c *Converter) resolveRestaurant(ctx context.Context, restaurantID, denormalizedName string) *model.RestaurantSnapshot {
	if restaurantID == "" {
		if denormalizedName == "" {
			return nil
		}
		return &model.RestaurantSnapshot{Name: denormalizedName}
	}

	restaurant, err := resolveWithin(ctx, c.timeout, func(ctx context.Context) (*model.Restaurant, error) {
		return c.restaurants.FindByID(ctx, restaurantID)
	})
	if err != nil {
		c.logger.Warn("店舗の取得に失敗しました",
			slog.String("restaurant_id", restaurantID),
			slog.String("error", err.Error()),
		)
		return placeholderRestaurant(restaurantID, denormalizedName)
	}
	if restaurant == nil {
		return placeholderRestaurant(restaurantID, denormalizedName)
	}

	snap := &model.RestaurantSnapshot{
		ID:           restaurantID,
		Name:         restaurant.Name,
		Verified:     restaurant.Verified,
		QualityScore: restaurant.PrecomputedQualityScore,
	}
	if snap.Name == "" {
		snap.Name = placeholderRestaurant(restaurantID, denormalizedName).Name
	}
	if snap.QualityScore == nil && c.scores != nil {
		score, err := resolveWithin(ctx, c.timeout, func(ctx context.Context) (*int, error) {
			if v, ok := c.scores.QualityScore(ctx, restaurantID); ok {
				return &v, nil
			}
			return nil, nil
		})
		if err == nil {
			snap.QualityScore = score
		}
	}
	return snap
}
