// Package rescore は店舗の品質スコアを定期的に再計算するバックグラウンドジョブを提供する。
package rescore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/dishfeed/internal/model"
	"github.com/hitoshi/dishfeed/internal/score"
)

// ChangeLister はレビューが更新された店舗の一覧取得インターフェース。
type ChangeLister interface {
	ListRestaurantsChangedSince(ctx context.Context, since time.Time) ([]string, error)
}

// Scorer は品質スコアの算出と保存を行うインターフェース。
type Scorer interface {
	Evaluate(ctx context.Context, restaurantID string) (score.Result, error)
	Persist(ctx context.Context, r score.Result) error
}

// Invalidator は店舗単位のキャッシュ破棄インターフェース。
type Invalidator interface {
	Invalidate(restaurantID string)
}

// Scheduler は前回のサイクル以降にレビューが変わった店舗のスコアを再計算する。
// ティッカーでサイクルを起動し、semaphoreパターンで最大並列数を制御する。
// 失敗した店舗は次のサイクルで再試行する。
type Scheduler struct {
	changes        ChangeLister
	scorer         Scorer
	invalidators   []Invalidator
	logger         *slog.Logger
	maxConcurrency int
	lookback       time.Duration
	now            func() time.Time

	mu      sync.Mutex
	since   time.Time
	pending map[string]struct{}
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値4を使用する。
// 初回のサイクルはlookback分さかのぼって変更を拾う。
func NewScheduler(
	changes ChangeLister,
	scorer Scorer,
	logger *slog.Logger,
	maxConcurrency int,
	lookback time.Duration,
	invalidators ...Invalidator,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	return &Scheduler{
		changes:        changes,
		scorer:         scorer,
		invalidators:   invalidators,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		lookback:       lookback,
		now:            time.Now,
		pending:        make(map[string]struct{}),
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("スコア再計算スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("スコア再計算サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("スコア再計算スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("スコア再計算サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は対象店舗を1回取得し、並列でスコアを再計算する。
// 一覧の取得に失敗した場合は前回の基準時刻を維持したままエラーを返す。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := s.now()

	// 1. 前回以降に変更された店舗と、前回失敗した店舗をまとめる
	since := s.cursor(start)
	changed, err := s.changes.ListRestaurantsChangedSince(ctx, since)
	if err != nil {
		return fmt.Errorf("再計算対象店舗の取得に失敗しました: %w", err)
	}
	targets := s.targets(changed)

	if len(targets) == 0 {
		s.advance(start, nil)
		s.logger.Debug("再計算対象の店舗はありません")
		return nil
	}

	s.logger.Info("スコア再計算サイクルを開始します",
		slog.Int("restaurant_count", len(targets)),
	)

	// 2. semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup
	var failedMu sync.Mutex
	var failed []string

	for _, id := range targets {
		wg.Add(1)
		sem <- struct{}{}

		go func(restaurantID string) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := s.rescore(ctx, restaurantID); err != nil {
				s.logger.Error("品質スコアの再計算に失敗しました",
					slog.String("restaurant_id", restaurantID),
					slog.String("error", err.Error()),
				)
				failedMu.Lock()
				failed = append(failed, restaurantID)
				failedMu.Unlock()
			}
		}(id)
	}

	wg.Wait()

	// 3. 基準時刻を進め、失敗分を次回に持ち越す
	s.advance(start, failed)

	s.logger.Info("スコア再計算サイクルが完了しました",
		slog.Int("restaurant_count", len(targets)),
		slog.Int("failed_count", len(failed)),
		slog.Float64("duration_ms", float64(s.now().Sub(start).Milliseconds())),
	)
	return nil
}

// Pending は次のサイクルで再試行する店舗数を返す。
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// rescore は店舗1件のスコアを算出して保存し、関連キャッシュを破棄する。
// 店舗が削除済みの場合は何もしない。
func (s *Scheduler) rescore(ctx context.Context, restaurantID string) error {
	result, err := s.scorer.Evaluate(ctx, restaurantID)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeRestaurantNotFound {
			s.logger.Debug("削除済みの店舗をスキップしました", slog.String("restaurant_id", restaurantID))
			return nil
		}
		return err
	}
	if err := s.scorer.Persist(ctx, result); err != nil {
		return err
	}
	for _, inv := range s.invalidators {
		inv.Invalidate(restaurantID)
	}
	return nil
}

func (s *Scheduler) cursor(now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.since.IsZero() {
		return now.Add(-s.lookback)
	}
	return s.since
}

func (s *Scheduler) targets(changed []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(changed)+len(s.pending))
	out := make([]string, 0, len(changed)+len(s.pending))
	for _, id := range changed {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for id := range s.pending {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func (s *Scheduler) advance(start time.Time, failed []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.since = start
	s.pending = make(map[string]struct{}, len(failed))
	for _, id := range failed {
		s.pending[id] = struct{}{}
	}
}
