package rescore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/dishfeed/internal/model"
	"github.com/hitoshi/dishfeed/internal/score"
)

// mockChangeLister はChangeListerのモック実装。
type mockChangeLister struct {
	mu     sync.Mutex
	sinces []time.Time
	listFn func(ctx context.Context, since time.Time) ([]string, error)
}

func (m *mockChangeLister) ListRestaurantsChangedSince(ctx context.Context, since time.Time) ([]string, error) {
	m.mu.Lock()
	m.sinces = append(m.sinces, since)
	m.mu.Unlock()
	if m.listFn != nil {
		return m.listFn(ctx, since)
	}
	return nil, nil
}

// mockScorer はScorerのモック実装。
type mockScorer struct {
	mu         sync.Mutex
	persisted  []string
	evaluateFn func(ctx context.Context, restaurantID string) (score.Result, error)
	persistFn  func(ctx context.Context, r score.Result) error
}

func (m *mockScorer) Evaluate(ctx context.Context, restaurantID string) (score.Result, error) {
	if m.evaluateFn != nil {
		return m.evaluateFn(ctx, restaurantID)
	}
	return score.Result{RestaurantID: restaurantID, Score: 80, HasScore: true}, nil
}

func (m *mockScorer) Persist(ctx context.Context, r score.Result) error {
	if m.persistFn != nil {
		if err := m.persistFn(ctx, r); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persisted = append(m.persisted, r.RestaurantID)
	return nil
}

func (m *mockScorer) persistedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]string(nil), m.persisted...)
	sort.Strings(out)
	return out
}

// recordingInvalidator は破棄された店舗IDを記録する。
type recordingInvalidator struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingInvalidator) Invalidate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestScheduler(changes ChangeLister, scorer Scorer, invalidators ...Invalidator) *Scheduler {
	s := NewScheduler(changes, scorer, testLogger(), 2, time.Hour, invalidators...)
	s.now = func() time.Time { return baseTime }
	return s
}

// TestScheduler_RunOnce_RescoresChangedRestaurants は変更された店舗のスコアを保存しキャッシュを破棄することを検証する。
func TestScheduler_RunOnce_RescoresChangedRestaurants(t *testing.T) {
	changes := &mockChangeLister{
		listFn: func(ctx context.Context, since time.Time) ([]string, error) {
			return []string{"r1", "r2", "r3"}, nil
		},
	}
	scorer := &mockScorer{}
	inv := &recordingInvalidator{}
	s := newTestScheduler(changes, scorer, inv)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := scorer.persistedIDs()
	if len(got) != 3 || got[0] != "r1" || got[2] != "r3" {
		t.Errorf("persisted = %v, want [r1 r2 r3]", got)
	}
	if len(inv.ids) != 3 {
		t.Errorf("invalidated = %v, want 3 ids", inv.ids)
	}
	if !changes.sinces[0].Equal(baseTime.Add(-time.Hour)) {
		t.Errorf("first since = %v, want lookback %v", changes.sinces[0], baseTime.Add(-time.Hour))
	}
}

// TestScheduler_RunOnce_AdvancesSince は2回目のサイクルが前回の開始時刻以降を対象にすることを検証する。
func TestScheduler_RunOnce_AdvancesSince(t *testing.T) {
	changes := &mockChangeLister{}
	s := newTestScheduler(changes, &mockScorer{})

	s.RunOnce(context.Background())
	s.now = func() time.Time { return baseTime.Add(15 * time.Minute) }
	s.RunOnce(context.Background())

	if len(changes.sinces) != 2 {
		t.Fatalf("list called %d times, want 2", len(changes.sinces))
	}
	if !changes.sinces[1].Equal(baseTime) {
		t.Errorf("second since = %v, want %v", changes.sinces[1], baseTime)
	}
}

// TestScheduler_RunOnce_RetriesFailures は失敗した店舗が次のサイクルで再試行されることを検証する。
func TestScheduler_RunOnce_RetriesFailures(t *testing.T) {
	calls := 0
	changes := &mockChangeLister{
		listFn: func(ctx context.Context, since time.Time) ([]string, error) {
			calls++
			if calls == 1 {
				return []string{"r1", "r2"}, nil
			}
			return nil, nil
		},
	}
	failing := true
	scorer := &mockScorer{
		persistFn: func(ctx context.Context, r score.Result) error {
			if r.RestaurantID == "r2" && failing {
				return errors.New("write failed")
			}
			return nil
		},
	}
	inv := &recordingInvalidator{}
	s := newTestScheduler(changes, scorer, inv)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", s.Pending())
	}
	for _, id := range inv.ids {
		if id == "r2" {
			t.Error("failed restaurant should not be invalidated")
		}
	}

	failing = false
	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", s.Pending())
	}
	if got := scorer.persistedIDs(); len(got) != 2 || got[1] != "r2" {
		t.Errorf("persisted = %v, want [r1 r2]", got)
	}
}

// TestScheduler_RunOnce_SkipsMissingRestaurant は削除済みの店舗を失敗扱いしないことを検証する。
func TestScheduler_RunOnce_SkipsMissingRestaurant(t *testing.T) {
	changes := &mockChangeLister{
		listFn: func(ctx context.Context, since time.Time) ([]string, error) { return []string{"gone"}, nil },
	}
	scorer := &mockScorer{
		evaluateFn: func(ctx context.Context, restaurantID string) (score.Result, error) {
			return score.Result{}, model.NewRestaurantNotFoundError(restaurantID)
		},
	}
	s := newTestScheduler(changes, scorer)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", s.Pending())
	}
	if got := scorer.persistedIDs(); len(got) != 0 {
		t.Errorf("persisted = %v, want none", got)
	}
}

// TestScheduler_RunOnce_ListError は一覧取得の失敗で基準時刻が進まないことを検証する。
func TestScheduler_RunOnce_ListError(t *testing.T) {
	changes := &mockChangeLister{
		listFn: func(ctx context.Context, since time.Time) ([]string, error) {
			return nil, errors.New("db down")
		},
	}
	s := newTestScheduler(changes, &mockScorer{})

	if err := s.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	s.RunOnce(context.Background())
	if !changes.sinces[1].Equal(changes.sinces[0]) {
		t.Errorf("since advanced after failure: %v -> %v", changes.sinces[0], changes.sinces[1])
	}
}

// TestScheduler_Start_StopsOnCancel はコンテキストのキャンセルでStartが終了することを検証する。
func TestScheduler_Start_StopsOnCancel(t *testing.T) {
	s := newTestScheduler(&mockChangeLister{}, &mockScorer{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Start(ctx, time.Hour)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
