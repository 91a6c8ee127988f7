package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/dishfeed/internal/model"
)

// PageSnapshot は先頭ページのキャッシュ内容。
// Recordsは投稿の元になった正規化済みレコードで、差分適用時の再変換に使う。
type PageSnapshot struct {
	Posts      []model.FeedPost
	Records    []model.ReviewRecord
	NextCursor *model.Cursor
	HasMore    bool
	SavedAt    time.Time
}

// PageStore は先頭ページを1件だけ保持するスロット。
type PageStore interface {
	// Load は保存済みのスナップショットを返す。未保存の場合はfalseを返す。
	Load(ctx context.Context) (PageSnapshot, bool, error)
	// Save はスナップショットで上書きする。
	Save(ctx context.Context, snap PageSnapshot) error
}

// PageLoader はサーバーから先頭ページを読み込む関数。
type PageLoader func(ctx context.Context) (PageSnapshot, error)

// RevalidationRecorder は再検証結果のメトリクス記録インターフェース。
type RevalidationRecorder interface {
	Recorder
	RecordRevalidation(outcome string)
}

// ErrPageUnavailable はサーバーから先頭ページを読み込めなかったことを表す。
var ErrPageUnavailable = errors.New("先頭ページを取得できませんでした")

const pageCacheName = "first_page"

// PageReconciler は先頭ページのstale-while-revalidateキャッシュ。
// スロットに投稿があればそれを即座に返し、Revalidateでサーバーの最新内容に置き換える。
// スロットが空ならサーバーから同期的に読み込んでスロットを埋める。
type PageReconciler struct {
	store   PageStore
	load    PageLoader
	metrics RevalidationRecorder
	logger  *slog.Logger
	now     func() time.Time
	timeout time.Duration

	wg sync.WaitGroup
}

// NewPageReconciler はPageReconcilerの新しいインスタンスを生成する。
// timeoutはバックグラウンド再検証1回あたりの上限時間。
func NewPageReconciler(store PageStore, load PageLoader, timeout time.Duration, metrics RevalidationRecorder, logger *slog.Logger) *PageReconciler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PageReconciler{
		store:   store,
		load:    load,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		timeout: timeout,
	}
}

// FirstPage は先頭ページを返す。2番目の戻り値がtrueの場合はキャッシュ由来で、
// 呼び出し側は表示に反映した後でRevalidateを呼ぶ。
func (r *PageReconciler) FirstPage(ctx context.Context) (PageSnapshot, bool, error) {
	snap, ok, err := r.store.Load(ctx)
	if err != nil {
		r.logger.Warn("先頭ページキャッシュの読み込みに失敗しました", slog.String("error", err.Error()))
		ok = false
	}
	if ok && len(snap.Posts) > 0 {
		r.metrics.RecordCacheLookup(pageCacheName, true)
		return snap, true, nil
	}
	r.metrics.RecordCacheLookup(pageCacheName, false)

	fresh, err := r.fetch(ctx)
	if err != nil {
		return PageSnapshot{}, false, err
	}
	return fresh, false, nil
}

// Revalidate はバックグラウンドでサーバーから先頭ページを読み直し、スロットを置き換えた後でapplyを呼ぶ。
// applyは表示中の状態に反映できた場合にtrueを返す。読み込みに失敗した場合はスロットもそのまま残す。
func (r *PageReconciler) Revalidate(ctx context.Context, apply func(PageSnapshot) bool) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		fresh, err := r.fetch(ctx)
		if err != nil {
			r.metrics.RecordRevalidation("failed")
			r.logger.Warn("先頭ページの再検証に失敗しました", slog.String("error", err.Error()))
			return
		}

		if apply(fresh) {
			r.metrics.RecordRevalidation("applied")
			return
		}
		r.metrics.RecordRevalidation("superseded")
		r.logger.Debug("表示中のフィードが更新済みのため再検証結果を破棄しました")
	}()
}

// Wait は実行中のバックグラウンド再検証が終わるまで待つ。
func (r *PageReconciler) Wait() {
	r.wg.Wait()
}

// Store はスロットを返す。
func (r *PageReconciler) Store() PageStore {
	return r.store
}

func (r *PageReconciler) fetch(ctx context.Context) (PageSnapshot, error) {
	snap, err := r.load(ctx)
	if err != nil {
		return PageSnapshot{}, err
	}
	snap.SavedAt = r.now()
	if err := r.store.Save(ctx, snap); err != nil {
		r.logger.Warn("先頭ページキャッシュの保存に失敗しました", slog.String("error", err.Error()))
	}
	return snap, nil
}

// MemoryPageStore はプロセス内メモリに保持するPageStore。
type MemoryPageStore struct {
	mu   sync.RWMutex
	snap *PageSnapshot
}

// NewMemoryPageStore はMemoryPageStoreの新しいインスタンスを生成する。
func NewMemoryPageStore() *MemoryPageStore {
	return &MemoryPageStore{}
}

// Load は保存済みのスナップショットを返す。
func (s *MemoryPageStore) Load(ctx context.Context) (PageSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap == nil {
		return PageSnapshot{}, false, nil
	}
	return *s.snap, true, nil
}

// Save はスナップショットで上書きする。
func (s *MemoryPageStore) Save(ctx context.Context, snap PageSnapshot) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("先頭ページの保存を中断しました: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = &snap
	return nil
}
