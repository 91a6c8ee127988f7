package app

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/hitoshi/dishfeed/internal/cache"
	"github.com/hitoshi/dishfeed/internal/config"
	"github.com/hitoshi/dishfeed/internal/feed"
	"github.com/hitoshi/dishfeed/internal/feedpost"
	"github.com/hitoshi/dishfeed/internal/metrics"
	"github.com/hitoshi/dishfeed/internal/model"
	"github.com/hitoshi/dishfeed/internal/repository"
	"github.com/hitoshi/dishfeed/internal/review"
	"github.com/hitoshi/dishfeed/internal/score"
	"github.com/hitoshi/dishfeed/internal/security"
	"github.com/hitoshi/dishfeed/internal/worker/cleanup"
)

// core はserveとworkerの両方で使う依存関係一式。
type core struct {
	reviews     *repository.PostgresReviewRepo
	restaurants *repository.PostgresRestaurantRepo
	follows     *repository.PostgresFollowRepo

	fetcher *review.Fetcher

	restaurantCache *cache.TTLCache[*model.Restaurant]
	menuItemCache   *cache.TTLCache[*model.MenuItem]
	profileCache    *cache.ProfileCache[*model.UserProfile]
	scoreCache      *cache.TTLCache[score.Result]

	restaurantLookup *cache.Lookup[*model.Restaurant]

	scoreService  *score.Service
	scoreResolver *score.CachedResolver
	converter     *feedpost.Converter
	pipeline      *feed.Pipeline
}

// buildCore はリポジトリ・キャッシュ・スコア計算・投稿変換をワイヤリングする。
// DBへの接続は行わない。
func buildCore(db *sql.DB, cfg *config.Config, collector metrics.MetricsCollector, logger *slog.Logger) (*core, error) {
	policy, ok := cache.ParseEvictionPolicy(cfg.ProfileCachePolicy)
	if !ok {
		return nil, fmt.Errorf("unknown profile cache policy: %q", cfg.ProfileCachePolicy)
	}

	c := &core{
		reviews:     repository.NewPostgresReviewRepo(db),
		restaurants: repository.NewPostgresRestaurantRepo(db),
		follows:     repository.NewPostgresFollowRepo(db),
	}
	menuItemRepo := repository.NewPostgresMenuItemRepo(db)
	profileRepo := repository.NewPostgresProfileRepo(db)

	// 1. ストア読み出し（サーキットブレーカー付き）
	c.fetcher = review.NewFetcher(c.reviews, review.BreakerSettings{
		FailureThreshold: uint32(cfg.BreakerFailureThreshold),
		OpenTimeout:      cfg.BreakerOpenTimeout,
	}, collector, logger)

	// 2. 参照キャッシュ
	c.restaurantCache = cache.NewTTLCache[*model.Restaurant]("restaurant", cfg.RestaurantCacheTTL, collector)
	c.menuItemCache = cache.NewTTLCache[*model.MenuItem]("menu_item", cfg.RestaurantCacheTTL, collector)
	c.profileCache = cache.NewProfileCache[*model.UserProfile]("profile", cfg.ProfileCacheSize, cfg.ProfileCacheTTL, collector, cache.WithPolicy(policy))
	c.scoreCache = cache.NewTTLCache[score.Result]("score", cfg.RestaurantCacheTTL, collector)

	c.restaurantLookup = cache.NewLookup[*model.Restaurant](c.restaurantCache, c.restaurants.FindByID)
	menuItems := cache.NewLookup[*model.MenuItem](c.menuItemCache, menuItemRepo.FindByID)
	profiles := cache.NewLookup[*model.UserProfile](c.profileCache, profileRepo.FindByID)

	// 3. 品質スコア
	c.scoreService = score.NewService(c.fetcher, c.restaurantLookup, menuItems, c.restaurants, collector, logger)
	c.scoreResolver = score.NewCachedResolver(c.scoreService, c.scoreCache, logger)

	// 4. 投稿変換とパイプライン
	c.converter = feedpost.NewConverter(profiles, c.restaurantLookup, c.scoreResolver, security.NewCaptionSanitizer(), cfg.ResolveTimeout, logger)
	c.pipeline = feed.NewPipeline(c.fetcher, c.converter)

	return c, nil
}

// sweepers はクリーンアップジョブの対象キャッシュを返す。
func (c *core) sweepers() []cleanup.Sweeper {
	return []cleanup.Sweeper{c.restaurantCache, c.menuItemCache, c.profileCache, c.scoreCache}
}

// homeQuery はホームフィードの取得条件を返す。
func homeQuery(cfg *config.Config) model.ReviewQuery {
	return model.ReviewQuery{Limit: cfg.FeedPageSize}
}

// openPageStore は先頭ページの保存先を開く。
// FEED_CACHE_DIRが空の場合はメモリ上に保持する。
func openPageStore(dir string) (cache.PageStore, func() error, error) {
	if dir == "" {
		return cache.NewMemoryPageStore(), func() error { return nil }, nil
	}
	store, err := cache.OpenBadgerPageStore(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open page store: %w", err)
	}
	return store, store.Close, nil
}
