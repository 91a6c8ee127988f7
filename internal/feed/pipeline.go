package feed

import (
	"context"
	"errors"

	"github.com/hitoshi/dishfeed/internal/cache"
	"github.com/hitoshi/dishfeed/internal/model"
	"github.com/hitoshi/dishfeed/internal/review"
)

// PageFetcher はレビューのページ取得インターフェース。
type PageFetcher interface {
	FetchPage(ctx context.Context, q model.ReviewQuery) (review.Page, error)
	CompleteVisits(ctx context.Context, q model.ReviewQuery, page review.Page) (review.Page, error)
}

// PostConverter はレビューを投稿に変換するインターフェース。
type PostConverter interface {
	ToFeedPost(ctx context.Context, group model.VisitGroup) model.FeedPost
	ConvertAll(ctx context.Context, records []model.ReviewRecord) []model.FeedPost
}

// Page はパイプライン1回分の結果。
type Page struct {
	Posts      []model.FeedPost
	Records    []model.ReviewRecord
	NextCursor *model.Cursor
	HasMore    bool
	Failed     bool
}

// State はページの読み込み状態を返す。
func (p Page) State() State {
	switch {
	case p.Failed:
		return StateDegraded
	case len(p.Posts) == 0:
		return StateEmpty
	}
	return StateOK
}

// Pipeline は取得→グループ化→変換→整列を1回分実行する。
type Pipeline struct {
	fetcher   PageFetcher
	converter PostConverter
}

// NewPipeline はPipelineの新しいインスタンスを生成する。
func NewPipeline(fetcher PageFetcher, converter PostConverter) *Pipeline {
	return &Pipeline{fetcher: fetcher, converter: converter}
}

// Load はqに一致するレビューを1ページ取得し、投稿に変換して返す。
// ページ境界をまたぐ来店は最も新しいメンバーを含むページにまとめ、投稿IDがページ間で重複しないようにする。
// 戻り値のerrorはストアの認証エラーの場合のみ非nilとなる。
func (p *Pipeline) Load(ctx context.Context, q model.ReviewQuery) (Page, error) {
	rp, err := p.fetcher.FetchPage(ctx, q)
	if err == nil && !rp.Failed {
		rp, err = p.fetcher.CompleteVisits(ctx, q, rp)
	}
	if err != nil {
		return Page{Failed: true}, err
	}
	if rp.Failed {
		return Page{Failed: true}, nil
	}
	return Page{
		Posts:      p.converter.ConvertAll(ctx, rp.Records),
		Records:    rp.Records,
		NextCursor: rp.NextCursor,
		HasMore:    rp.HasMore,
	}, nil
}

// FirstPageLoader は先頭ページキャッシュ用の読み込み関数を返す。
// ストアの読み出しに失敗した場合はcache.ErrPageUnavailableを返し、スロットを空で上書きしない。
func (p *Pipeline) FirstPageLoader(q model.ReviewQuery) cache.PageLoader {
	q.After = nil
	return func(ctx context.Context) (cache.PageSnapshot, error) {
		page, err := p.Load(ctx, q)
		if err != nil {
			return cache.PageSnapshot{}, err
		}
		if page.Failed {
			return cache.PageSnapshot{}, cache.ErrPageUnavailable
		}
		return cache.PageSnapshot{
			Posts:      page.Posts,
			Records:    page.Records,
			NextCursor: page.NextCursor,
			HasMore:    page.HasMore,
		}, nil
	}
}

// IsUnavailable はerrが一時的な読み出し失敗を表すかを返す。
func IsUnavailable(err error) bool {
	return errors.Is(err, cache.ErrPageUnavailable)
}
