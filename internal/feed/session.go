// Package feed は表示中のフィードの状態と、その読み込み・更新の流れを管理する。
package feed

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/dishfeed/internal/cache"
	"github.com/hitoshi/dishfeed/internal/model"
	"github.com/hitoshi/dishfeed/internal/visit"
)

// DefaultLoadTimeout は初回読み込みの既定の上限時間。
const DefaultLoadTimeout = 10 * time.Second

// Update はフィードの変更通知。ライブ配信に使う。
type Update struct {
	Snapshot bool             // trueの場合Postsは全件
	Posts    []model.FeedPost // 追加・更新された投稿
	Removed  []string         // 削除された投稿ID
	Version  uint64
}

// Empty は通知する変更が無いかを返す。
func (u Update) Empty() bool {
	return !u.Snapshot && len(u.Posts) == 0 && len(u.Removed) == 0
}

// Draft は差分適用中のフィードの内容。Session.Applyの中でだけ編集できる。
type Draft struct {
	Posts   []model.FeedPost
	Records map[string][]model.ReviewRecord // 投稿IDごとの元レコード
}

// Session は1つのフィード（同じ検索条件の投稿列）の読み込みと更新を直列化する。
// 書き込みは1つずつ行い、読み出しはいつでも一貫した内容を返す。
type Session struct {
	pipeline    *Pipeline
	reconciler  *cache.PageReconciler
	query       model.ReviewQuery
	buf         *Buffer
	loadTimeout time.Duration
	logger      *slog.Logger

	writeMu sync.Mutex
	loaded  bool

	subsMu  sync.RWMutex
	subs    map[int]func(Update)
	nextSub int
}

// NewSession はSessionの新しいインスタンスを生成する。
// reconcilerがnilの場合、先頭ページは毎回ストアから読み込む。
func NewSession(
	pipeline *Pipeline,
	reconciler *cache.PageReconciler,
	query model.ReviewQuery,
	loadTimeout time.Duration,
	logger *slog.Logger,
) *Session {
	if loadTimeout <= 0 {
		loadTimeout = DefaultLoadTimeout
	}
	return &Session{
		pipeline:    pipeline,
		reconciler:  reconciler,
		query:       query,
		buf:         NewBuffer(),
		loadTimeout: loadTimeout,
		logger:      logger,
		subs:        make(map[int]func(Update)),
	}
}

// View は現在の内容を返す。
func (s *Session) View() View {
	return s.buf.View()
}

// Query はこのフィードの検索条件を返す。
func (s *Session) Query() model.ReviewQuery {
	return s.query
}

// Loaded は先頭ページを一度でも読み込んだかを返す。
func (s *Session) Loaded() bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.loaded
}

// Current は読み込み済みなら現在の内容を、未読み込みなら初回読み込みの結果を返す。
func (s *Session) Current(ctx context.Context) (View, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.loaded {
		return s.buf.View(), nil
	}
	return s.loadInitialLocked(ctx)
}

// Subscribe は変更通知を受け取る関数を登録し、登録解除の関数を返す。
// fnは書き込みロックを保持したまま呼ばれるため、ブロックしてはならない。
func (s *Session) Subscribe(fn func(Update)) func() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Session) notify(u Update) {
	if u.Empty() {
		return
	}
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	for _, fn := range s.subs {
		fn(u)
	}
}

// LoadInitial は先頭ページを読み込んでバッファを置き換える。
// 先頭ページキャッシュに内容があればそれを即座に反映し、バックグラウンドで最新の内容に置き換える。
// loadTimeoutを超えた場合はFEED_LOAD_TIMEOUT、ストアの認証エラーはSTORE_UNAUTHENTICATEDのAPIErrorを返す。
// 一時的な読み出し失敗はエラーにせず、StateDegradedのViewを返す。
func (s *Session) LoadInitial(ctx context.Context) (View, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.loadInitialLocked(ctx)
}

type firstPageResult struct {
	snap   cache.PageSnapshot
	cached bool
	err    error
}

func (s *Session) loadInitialLocked(ctx context.Context) (View, error) {
	loadCtx, cancel := context.WithTimeout(ctx, s.loadTimeout)
	defer cancel()

	// 1. 先頭ページを読み込む（ストアが応答しなくても上限時間で打ち切る）
	ch := make(chan firstPageResult, 1)
	go func() {
		snap, cached, err := s.firstPage(loadCtx)
		ch <- firstPageResult{snap: snap, cached: cached, err: err}
	}()

	var r firstPageResult
	select {
	case r = <-ch:
	case <-loadCtx.Done():
		return s.loadFailed(ctx, loadCtx.Err())
	}
	// 2. 失敗の種類に応じて状態を決める
	if r.err != nil {
		if loadCtx.Err() != nil {
			return s.loadFailed(ctx, loadCtx.Err())
		}
		if IsUnavailable(r.err) {
			if !s.loaded {
				s.buf.replace(contents{failed: true})
			}
			s.logger.Warn("先頭ページを取得できませんでした")
			return s.buf.View(), nil
		}
		return s.loadFailed(ctx, r.err)
	}

	// 3. バッファに反映する
	version := s.buf.replace(contentsFromSnapshot(r.snap))
	s.loaded = true
	s.notify(Update{Snapshot: true, Posts: r.snap.Posts, Version: version})

	// 4. キャッシュ由来なら、今のバージョンを基準に再検証する
	if r.cached && s.reconciler != nil {
		s.reconciler.Revalidate(ctx, func(fresh cache.PageSnapshot) bool {
			return s.applyRevalidation(version, fresh)
		})
	}
	return s.buf.View(), nil
}

func (s *Session) loadFailed(ctx context.Context, err error) (View, error) {
	switch {
	case errors.Is(err, model.ErrUnauthenticated):
		s.logger.Error("ストアの認証に失敗したためフィードを読み込めません", slog.String("error", err.Error()))
		return View{State: StateDegraded}, model.NewStoreUnauthenticatedError()
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		s.logger.Error("フィードの初回読み込みがタイムアウトしました", slog.Duration("timeout", s.loadTimeout))
		return View{State: StateDegraded}, model.NewFeedLoadTimeoutError()
	}
	return View{State: StateDegraded}, err
}

func (s *Session) firstPage(ctx context.Context) (cache.PageSnapshot, bool, error) {
	if s.reconciler != nil {
		return s.reconciler.FirstPage(ctx)
	}
	snap, err := s.pipeline.FirstPageLoader(s.query)(ctx)
	return snap, false, err
}

// applyRevalidation は再検証の結果を、基準バージョンから書き込みが無い場合に限り反映する。
func (s *Session) applyRevalidation(version uint64, fresh cache.PageSnapshot) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !s.buf.replaceIfVersion(version, contentsFromSnapshot(fresh)) {
		s.logger.Debug("再検証中にフィードが更新されたため結果を破棄しました", slog.Uint64("base_version", version))
		return false
	}
	s.notify(Update{Snapshot: true, Posts: fresh.Posts, Version: s.buf.Version()})
	return true
}

// LoadMore は次のページを読み込んで末尾に追加する。
// 既に表示中の来店に属するレコードは、その投稿にまとめ直して投稿IDの重複を防ぐ。
func (s *Session) LoadMore(ctx context.Context) (View, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !s.loaded {
		return s.loadInitialLocked(ctx)
	}

	c := s.buf.snapshot()
	if !c.hasMore || c.nextCursor == nil {
		return s.buf.View(), nil
	}

	q := s.query
	q.After = c.nextCursor
	rp, err := s.pipeline.fetcher.FetchPage(ctx, q)
	if err != nil {
		return s.loadFailed(ctx, err)
	}
	if rp.Failed {
		c.failed = true
		s.buf.replace(c)
		return s.buf.View(), nil
	}

	d := &Draft{Posts: c.posts, Records: c.records}
	changed := s.merge(ctx, d, rp.Records)

	c.posts, c.records = d.Posts, d.Records
	c.nextCursor, c.hasMore, c.failed = rp.NextCursor, rp.HasMore, false
	version := s.buf.replace(c)
	s.notify(Update{Posts: changed, Version: version})
	return s.buf.View(), nil
}

// merge は古い側のページのレコードを追加する。
// 表示中の投稿と同じグループのレコードはその投稿に加えて再変換し、残りは新しい投稿として末尾に並べる。
func (s *Session) merge(ctx context.Context, d *Draft, records []model.ReviewRecord) []model.FeedPost {
	index := make(map[string]int, len(d.Posts))
	for i, p := range d.Posts {
		index[p.ID] = i
	}

	var changed, appended []model.FeedPost
	for _, g := range visit.Group(records).Groups() {
		existing := d.Records[g.ID]
		fresh := withoutKnown(g.Records, existing)
		if len(fresh) == 0 {
			continue
		}
		g.Records = append(append([]model.ReviewRecord(nil), existing...), fresh...)
		post := s.pipeline.converter.ToFeedPost(ctx, g)
		d.Records[g.ID] = g.Records

		if i, ok := index[g.ID]; ok {
			d.Posts[i] = post
		} else {
			appended = append(appended, post)
		}
		changed = append(changed, post)
	}

	sort.SliceStable(appended, func(i, j int) bool {
		if !appended[i].CreatedAt.Equal(appended[j].CreatedAt) {
			return appended[i].CreatedAt.After(appended[j].CreatedAt)
		}
		return appended[i].ID > appended[j].ID
	})
	d.Posts = append(d.Posts, appended...)
	return changed
}

func withoutKnown(records, known []model.ReviewRecord) []model.ReviewRecord {
	if len(known) == 0 {
		return records
	}
	seen := make(map[string]struct{}, len(known))
	for _, r := range known {
		seen[r.ID] = struct{}{}
	}
	out := make([]model.ReviewRecord, 0, len(records))
	for _, r := range records {
		if _, ok := seen[r.ID]; !ok {
			out = append(out, r)
		}
	}
	return out
}

// ReplaceFromSnapshot はライブ購読のスナップショットで全件を変換し直してバッファを置き換える。
// 次ページのカーソルはスナップショットの最も古いレコードの位置にする。
func (s *Session) ReplaceFromSnapshot(ctx context.Context, records []model.ReviewRecord) View {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	c := contentsFromRecords(records, s.pipeline.converter.ConvertAll(ctx, records))
	if len(records) > 0 {
		c.nextCursor = oldestCursor(records)
		c.hasMore = true
	}
	version := s.buf.replace(c)
	s.loaded = true
	s.notify(Update{Snapshot: true, Posts: c.posts, Version: version})
	return s.buf.View()
}

// Apply はfnで内容を編集してバッファに書き戻す。fnが返したUpdateを購読者に通知する。
// 編集中は他の書き込みを待たせる。
func (s *Session) Apply(fn func(d *Draft) Update) Update {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	c := s.buf.snapshot()
	d := &Draft{Posts: c.posts, Records: c.records}
	u := fn(d)
	if u.Empty() {
		return u
	}

	c.posts, c.records = d.Posts, d.Records
	u.Version = s.buf.replace(c)
	s.notify(u)
	return u
}

func contentsFromSnapshot(snap cache.PageSnapshot) contents {
	c := contentsFromRecords(snap.Records, snap.Posts)
	c.nextCursor = snap.NextCursor
	c.hasMore = snap.HasMore
	return c
}

func contentsFromRecords(records []model.ReviewRecord, posts []model.FeedPost) contents {
	c := contents{posts: posts, records: make(map[string][]model.ReviewRecord, len(posts))}
	for _, rec := range records {
		id := visit.GroupID(rec)
		c.records[id] = append(c.records[id], rec)
	}
	return c
}

func oldestCursor(records []model.ReviewRecord) *model.Cursor {
	oldest := records[0]
	for _, rec := range records[1:] {
		if rec.CreatedAt.Before(oldest.CreatedAt) ||
			(rec.CreatedAt.Equal(oldest.CreatedAt) && rec.ID < oldest.ID) {
			oldest = rec
		}
	}
	return &model.Cursor{CreatedAt: oldest.CreatedAt, ID: oldest.ID}
}
