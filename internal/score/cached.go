package score

import (
	"context"
	"log/slog"

	"github.com/hitoshi/dishfeed/internal/cache"
)

// CachedResolver は保存済みスコアの無い店舗について、算出したスコアをTTLの間だけ使い回す。
type CachedResolver struct {
	svc    *Service
	cache  *cache.TTLCache[Result]
	logger *slog.Logger
}

// NewCachedResolver はCachedResolverの新しいインスタンスを生成する。
func NewCachedResolver(svc *Service, c *cache.TTLCache[Result], logger *slog.Logger) *CachedResolver {
	return &CachedResolver{svc: svc, cache: c, logger: logger}
}

// QualityScore は店舗の品質スコアを返す。算出に失敗した場合はスコア無しとして扱う。
func (r *CachedResolver) QualityScore(ctx context.Context, restaurantID string) (int, bool) {
	res, err := r.cache.GetOrLoad(ctx, restaurantID, r.svc.Evaluate)
	if err != nil {
		r.logger.Warn("品質スコアの算出に失敗しました",
			slog.String("restaurant_id", restaurantID),
			slog.String("error", err.Error()),
		)
		return 0, false
	}
	return res.Score, res.HasScore
}

// Invalidate は店舗のキャッシュ済みスコアを破棄する。
func (r *CachedResolver) Invalidate(restaurantID string) {
	r.cache.Delete(restaurantID)
}
