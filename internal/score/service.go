package score

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/dishfeed/internal/model"
)

// RecordSource はスコア計算用のレビュー取得インターフェース。
type RecordSource interface {
	FetchForScoring(ctx context.Context, restaurantID string) ([]model.ReviewRecord, error)
}

// RestaurantFinder は店舗の参照インターフェース。
type RestaurantFinder interface {
	FindByID(ctx context.Context, id string) (*model.Restaurant, error)
}

// MenuItemFinder はメニュー項目の参照インターフェース。
type MenuItemFinder interface {
	FindByID(ctx context.Context, id string) (*model.MenuItem, error)
}

// ScoreWriter は算出したスコアを店舗ドキュメントに書き込むインターフェース。
type ScoreWriter interface {
	UpdateQualityScore(ctx context.Context, id string, score *int, scoredAt time.Time) error
}

// ScoreRecorder はスコア計算のメトリクス記録インターフェース。
type ScoreRecorder interface {
	RecordScoreComputed(hasScore bool)
}

// Result は店舗1件分のスコア計算結果。
type Result struct {
	RestaurantID string
	Score        int
	HasScore     bool
	ReviewCount  int
}

// Value はスコアをポインタで返す。スコアが無い場合はnil。
func (r Result) Value() *int {
	if !r.HasScore {
		return nil
	}
	v := r.Score
	return &v
}

// Service は店舗単位で品質スコアを算出・保存する。
type Service struct {
	records     RecordSource
	restaurants RestaurantFinder
	menuItems   MenuItemFinder
	writer      ScoreWriter
	calc        *Calculator
	metrics     ScoreRecorder
	logger      *slog.Logger
	now         func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
// restaurantsとmenuItemsにはキャッシュ経由の参照を渡す。
func NewService(
	records RecordSource,
	restaurants RestaurantFinder,
	menuItems MenuItemFinder,
	writer ScoreWriter,
	metrics ScoreRecorder,
	logger *slog.Logger,
) *Service {
	return &Service{
		records:     records,
		restaurants: restaurants,
		menuItems:   menuItems,
		writer:      writer,
		calc:        NewCalculator(nil),
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
	}
}

// ScoreRestaurant は店舗の品質スコアを算出する。
// 有効なレビューが無い場合はfalseを返す。
func (s *Service) ScoreRestaurant(ctx context.Context, restaurantID string) (int, bool, error) {
	r, err := s.Evaluate(ctx, restaurantID)
	if err != nil {
		return 0, false, err
	}
	return r.Score, r.HasScore, nil
}

// Evaluate は店舗の表示可能な全レビューからスコアを算出し、件数と合わせて返す。
// 店舗が存在しない場合はRESTAURANT_NOT_FOUNDのAPIErrorを返す。
func (s *Service) Evaluate(ctx context.Context, restaurantID string) (Result, error) {
	restaurant, err := s.restaurants.FindByID(ctx, restaurantID)
	if err != nil {
		return Result{}, fmt.Errorf("店舗の取得に失敗しました: %w", err)
	}
	if restaurant == nil {
		return Result{}, model.NewRestaurantNotFoundError(restaurantID)
	}

	records, err := s.records.FetchForScoring(ctx, restaurantID)
	if err != nil {
		return Result{}, fmt.Errorf("スコア計算用レビューの取得に失敗しました: %w", err)
	}

	inputs := make([]Input, 0, len(records))
	for _, rec := range records {
		inputs = append(inputs, Input{
			Rating:   rec.Rating,
			Category: s.categoryOf(ctx, rec),
		})
	}

	value, ok := s.calc.Calculate(inputs)
	s.metrics.RecordScoreComputed(ok)

	return Result{
		RestaurantID: restaurantID,
		Score:        value,
		HasScore:     ok,
		ReviewCount:  len(records),
	}, nil
}

// Persist は計算結果を店舗ドキュメントに書き込む。スコアが無い場合はNULLを書き込む。
func (s *Service) Persist(ctx context.Context, r Result) error {
	if err := s.writer.UpdateQualityScore(ctx, r.RestaurantID, r.Value(), s.now()); err != nil {
		return fmt.Errorf("品質スコアの保存に失敗しました: %w", err)
	}
	return nil
}

// categoryOf はメニュー項目のカテゴリを解決する。
// 解決できない場合はレコードに残っている旧カテゴリ、それも無ければcustomを使う。
func (s *Service) categoryOf(ctx context.Context, rec model.ReviewRecord) string {
	if rec.MenuItemID != "" {
		item, err := s.menuItems.FindByID(ctx, rec.MenuItemID)
		if err != nil {
			s.logger.Warn("メニュー項目の取得に失敗しました",
				slog.String("menu_item_id", rec.MenuItemID),
				slog.String("error", err.Error()),
			)
		} else if item != nil && item.Category != "" {
			return item.Category
		}
	}
	if rec.Category != "" {
		return rec.Category
	}
	return CategoryCustom
}
