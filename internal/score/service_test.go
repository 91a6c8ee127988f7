package score

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/dishfeed/internal/cache"
	"github.com/hitoshi/dishfeed/internal/model"
)

// mockRecordSource はテスト用のRecordSource実装。
type mockRecordSource struct {
	fetchFn func(ctx context.Context, restaurantID string) ([]model.ReviewRecord, error)
}

func (m *mockRecordSource) FetchForScoring(ctx context.Context, restaurantID string) ([]model.ReviewRecord, error) {
	return m.fetchFn(ctx, restaurantID)
}

// mockRestaurantFinder はテスト用のRestaurantFinder実装。
type mockRestaurantFinder struct {
	findByIDFn func(ctx context.Context, id string) (*model.Restaurant, error)
}

func (m *mockRestaurantFinder) FindByID(ctx context.Context, id string) (*model.Restaurant, error) {
	return m.findByIDFn(ctx, id)
}

// mockMenuItemFinder はテスト用のMenuItemFinder実装。
type mockMenuItemFinder struct {
	items map[string]*model.MenuItem
	err   error
	calls int
}

func (m *mockMenuItemFinder) FindByID(ctx context.Context, id string) (*model.MenuItem, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.items[id], nil
}

// mockScoreWriter はテスト用のScoreWriter実装。
type mockScoreWriter struct {
	id       string
	score    *int
	scoredAt time.Time
	err      error
}

func (m *mockScoreWriter) UpdateQualityScore(ctx context.Context, id string, score *int, scoredAt time.Time) error {
	m.id, m.score, m.scoredAt = id, score, scoredAt
	return m.err
}

// countingRecorder はRecordScoreComputedの呼び出しを数える。
type countingRecorder struct {
	scored, null int
}

func (c *countingRecorder) RecordScoreComputed(hasScore bool) {
	if hasScore {
		c.scored++
	} else {
		c.null++
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func existingRestaurant() *mockRestaurantFinder {
	return &mockRestaurantFinder{findByIDFn: func(ctx context.Context, id string) (*model.Restaurant, error) {
		return &model.Restaurant{ID: id, Name: "Sushi Ko"}, nil
	}}
}

// TestService_Evaluate_ResolvesMenuCategories はメニュー項目のカテゴリを使ってスコアを算出することを検証する。
func TestService_Evaluate_ResolvesMenuCategories(t *testing.T) {
	records := &mockRecordSource{fetchFn: func(ctx context.Context, restaurantID string) ([]model.ReviewRecord, error) {
		if restaurantID != "rest-1" {
			t.Errorf("restaurantID = %q, want rest-1", restaurantID)
		}
		return []model.ReviewRecord{
			{ID: "a", MenuItemID: "m-main", Rating: 9},
			{ID: "b", MenuItemID: "m-main", Rating: 8},
			{ID: "c", MenuItemID: "m-sweet", Rating: 10},
		}, nil
	}}
	menu := &mockMenuItemFinder{items: map[string]*model.MenuItem{
		"m-main":  {ID: "m-main", Category: "Entrée"},
		"m-sweet": {ID: "m-sweet", Category: "Desserts"},
	}}
	recorder := &countingRecorder{}

	svc := NewService(records, existingRestaurant(), menu, &mockScoreWriter{}, recorder, testLogger())
	got, err := svc.Evaluate(context.Background(), "rest-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.HasScore || got.Score != 82 {
		t.Errorf("score = (%d, %v), want (82, true)", got.Score, got.HasScore)
	}
	if got.ReviewCount != 3 {
		t.Errorf("ReviewCount = %d, want 3", got.ReviewCount)
	}
	if recorder.scored != 1 {
		t.Errorf("scored = %d, want 1", recorder.scored)
	}
}

// TestService_Evaluate_CategoryFallback はメニュー項目が解決できない場合に旧カテゴリを使うことを検証する。
func TestService_Evaluate_CategoryFallback(t *testing.T) {
	records := &mockRecordSource{fetchFn: func(ctx context.Context, restaurantID string) ([]model.ReviewRecord, error) {
		return []model.ReviewRecord{
			{ID: "a", MenuItemID: "m-gone", Category: "drink", Rating: 6},
			{ID: "b", Rating: 6},
		}, nil
	}}
	menu := &mockMenuItemFinder{err: errors.New("timeout")}

	svc := NewService(records, existingRestaurant(), menu, &mockScoreWriter{}, &countingRecorder{}, testLogger())

	if got := svc.categoryOf(context.Background(), model.ReviewRecord{MenuItemID: "m-gone", Category: "drink"}); got != "drink" {
		t.Errorf("categoryOf = %q, want drink", got)
	}
	if got := svc.categoryOf(context.Background(), model.ReviewRecord{}); got != CategoryCustom {
		t.Errorf("categoryOf = %q, want custom", got)
	}

	menu.calls = 0
	score, ok, err := svc.ScoreRestaurant(context.Background(), "rest-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || score != 60 {
		t.Errorf("ScoreRestaurant = (%d, %v), want (60, true)", score, ok)
	}
	if menu.calls != 1 {
		t.Errorf("menu lookups = %d, want 1", menu.calls)
	}
}

// TestService_Evaluate_NoReviews はレビューが無い店舗のスコアが無いことを検証する。
func TestService_Evaluate_NoReviews(t *testing.T) {
	records := &mockRecordSource{fetchFn: func(ctx context.Context, restaurantID string) ([]model.ReviewRecord, error) {
		return nil, nil
	}}
	recorder := &countingRecorder{}
	svc := NewService(records, existingRestaurant(), &mockMenuItemFinder{}, &mockScoreWriter{}, recorder, testLogger())

	got, err := svc.Evaluate(context.Background(), "rest-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.HasScore {
		t.Errorf("HasScore = true, want false")
	}
	if got.Value() != nil {
		t.Errorf("Value = %v, want nil", *got.Value())
	}
	if recorder.null != 1 {
		t.Errorf("null = %d, want 1", recorder.null)
	}
}

// TestService_Evaluate_RestaurantNotFound は存在しない店舗でAPIErrorが返ることを検証する。
func TestService_Evaluate_RestaurantNotFound(t *testing.T) {
	restaurants := &mockRestaurantFinder{findByIDFn: func(ctx context.Context, id string) (*model.Restaurant, error) {
		return nil, nil
	}}
	records := &mockRecordSource{fetchFn: func(ctx context.Context, restaurantID string) ([]model.ReviewRecord, error) {
		t.Error("reviews should not be fetched for a missing restaurant")
		return nil, nil
	}}
	svc := NewService(records, restaurants, &mockMenuItemFinder{}, &mockScoreWriter{}, &countingRecorder{}, testLogger())

	_, err := svc.Evaluate(context.Background(), "missing")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *model.APIError, got %v", err)
	}
	if apiErr.Code != model.ErrCodeRestaurantNotFound {
		t.Errorf("Code = %q, want %q", apiErr.Code, model.ErrCodeRestaurantNotFound)
	}
}

// TestService_Evaluate_FetchError はレビュー取得の失敗がラップされて返ることを検証する。
func TestService_Evaluate_FetchError(t *testing.T) {
	records := &mockRecordSource{fetchFn: func(ctx context.Context, restaurantID string) ([]model.ReviewRecord, error) {
		return nil, model.ErrUnauthenticated
	}}
	svc := NewService(records, existingRestaurant(), &mockMenuItemFinder{}, &mockScoreWriter{}, &countingRecorder{}, testLogger())

	if _, err := svc.Evaluate(context.Background(), "rest-1"); !errors.Is(err, model.ErrUnauthenticated) {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
}

// TestService_Persist はスコアの有無に応じて値またはNULLが書き込まれることを検証する。
func TestService_Persist(t *testing.T) {
	writer := &mockScoreWriter{}
	svc := NewService(nil, nil, nil, writer, &countingRecorder{}, testLogger())
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	if err := svc.Persist(context.Background(), Result{RestaurantID: "rest-1", Score: 77, HasScore: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if writer.id != "rest-1" || writer.score == nil || *writer.score != 77 {
		t.Errorf("written = (%q, %v), want (rest-1, 77)", writer.id, writer.score)
	}
	if !writer.scoredAt.Equal(fixed) {
		t.Errorf("scoredAt = %v, want %v", writer.scoredAt, fixed)
	}

	if err := svc.Persist(context.Background(), Result{RestaurantID: "rest-2"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if writer.score != nil {
		t.Errorf("score = %v, want nil", *writer.score)
	}

	writer.err = errors.New("db down")
	if err := svc.Persist(context.Background(), Result{RestaurantID: "rest-3"}); err == nil {
		t.Error("expected error")
	}
}

// nopCacheMetrics はキャッシュのメトリクスを捨てる。
type nopCacheMetrics struct{}

func (nopCacheMetrics) RecordCacheLookup(string, bool) {}
func (nopCacheMetrics) RecordCacheEviction(string)     {}

// TestCachedResolver_ReusesResult は算出したスコアがキャッシュされ、Invalidateで再計算されることを検証する。
func TestCachedResolver_ReusesResult(t *testing.T) {
	fetches := 0
	records := &mockRecordSource{fetchFn: func(ctx context.Context, restaurantID string) ([]model.ReviewRecord, error) {
		fetches++
		return []model.ReviewRecord{{ID: "a", Category: "main", Rating: 7}}, nil
	}}
	svc := NewService(records, existingRestaurant(), &mockMenuItemFinder{}, &mockScoreWriter{}, &countingRecorder{}, testLogger())
	resolver := NewCachedResolver(svc, cache.NewTTLCache[Result]("scores", time.Minute, nopCacheMetrics{}), testLogger())

	for i := 0; i < 2; i++ {
		if v, ok := resolver.QualityScore(context.Background(), "rest-1"); !ok || v != 70 {
			t.Errorf("QualityScore = (%d, %v), want (70, true)", v, ok)
		}
	}
	if fetches != 1 {
		t.Errorf("fetches = %d, want 1", fetches)
	}

	resolver.Invalidate("rest-1")
	resolver.QualityScore(context.Background(), "rest-1")
	if fetches != 2 {
		t.Errorf("fetches after Invalidate = %d, want 2", fetches)
	}
}

// TestCachedResolver_ErrorMeansNoScore は算出の失敗がスコア無しになることを検証する。
func TestCachedResolver_ErrorMeansNoScore(t *testing.T) {
	restaurants := &mockRestaurantFinder{findByIDFn: func(ctx context.Context, id string) (*model.Restaurant, error) {
		return nil, errors.New("db down")
	}}
	svc := NewService(nil, restaurants, &mockMenuItemFinder{}, &mockScoreWriter{}, &countingRecorder{}, testLogger())
	resolver := NewCachedResolver(svc, cache.NewTTLCache[Result]("scores", time.Minute, nopCacheMetrics{}), testLogger())

	if v, ok := resolver.QualityScore(context.Background(), "rest-1"); ok {
		t.Errorf("QualityScore = (%d, true), want no score", v)
	}
}
