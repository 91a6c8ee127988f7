package review

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/hitoshi/dishfeed/internal/model"
	"github.com/hitoshi/dishfeed/internal/repository"
)

const (
	// DefaultPageSize はlimit未指定時のページサイズ。
	DefaultPageSize = 20
	// overFetchFactor はクライアント側の除外で目減りする分を見込んだ取得倍率。
	overFetchFactor = 3
)

// FetchRecorder はレビュー取得のメトリクス記録インターフェース。
type FetchRecorder interface {
	RecordFetch(outcome string)
	RecordRecordsDropped(reason string, count int)
	RecordFetchLatency(duration time.Duration)
}

// BreakerSettings はストア読み出しを保護するサーキットブレーカーの設定。
type BreakerSettings struct {
	FailureThreshold uint32        // 連続失敗でオープンする回数
	OpenTimeout      time.Duration // オープンからハーフオープンへ移るまでの時間
}

// Page はFetchPageの結果を表す。
// Failedがtrueの場合、Recordsは空でストアの読み出しに失敗したことを示す。
type Page struct {
	Records    []model.ReviewRecord
	NextCursor *model.Cursor
	HasMore    bool
	Failed     bool
}

// Fetcher はストアからレビューを取得し、破損・非表示レコードを除外する。
// 通信・権限・クォータ系のエラーは空の結果として吸収し、Errorsチャネルと
// ログに通知する。認証エラーだけは呼び出し元へ返す。
type Fetcher struct {
	reviews repository.ReviewRepository
	breaker *gobreaker.CircuitBreaker[[]model.RawReview]
	errs    chan error
	metrics FetchRecorder
	logger  *slog.Logger
	now     func() time.Time
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
func NewFetcher(
	reviews repository.ReviewRepository,
	settings BreakerSettings,
	metrics FetchRecorder,
	logger *slog.Logger,
) *Fetcher {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}

	f := &Fetcher{
		reviews: reviews,
		errs:    make(chan error, 16),
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}

	f.breaker = gobreaker.NewCircuitBreaker[[]model.RawReview](gobreaker.Settings{
		Name:        "review-store",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.FailureThreshold
		},
		// 呼び出し側のキャンセルと認証エラーはストアの障害として数えない
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, model.ErrUnauthenticated)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("サーキットブレーカーの状態が変化しました",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	return f
}

// Errors は吸収した読み出しエラーを受け取るチャネルを返す。
// 受信側がいない場合、エラーは破棄される。
func (f *Fetcher) Errors() <-chan error {
	return f.errs
}

// FetchPage はq.Limit件までの表示可能なレビューを取得する。
// 内部ではq.Limitの3倍を取得し、破損レコード、論理削除・非公開レコードの順に除外してから切り詰める。
// NextCursorは返した最後のレコード（切り詰めがない場合は走査した最後の行）を指す。
// 戻り値のerrorはmodel.ErrUnauthenticatedの場合のみ非nilとなる。
func (f *Fetcher) FetchPage(ctx context.Context, q model.ReviewQuery) (Page, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	storeQuery := q
	storeQuery.Limit = limit * overFetchFactor

	start := f.now()
	rows, err := f.breaker.Execute(func() ([]model.RawReview, error) {
		return f.reviews.List(ctx, storeQuery)
	})
	f.metrics.RecordFetchLatency(f.now().Sub(start))

	if err != nil {
		return f.fail(err)
	}
	f.metrics.RecordFetch("success")

	records, positions, malformed, hidden := f.filter(rows)
	f.metrics.RecordRecordsDropped("malformed", malformed)
	f.metrics.RecordRecordsDropped("hidden", hidden)

	page := Page{HasMore: len(rows) == storeQuery.Limit}

	if len(records) > limit {
		records = records[:limit]
		positions = positions[:limit]
		page.HasMore = true
		last := positions[limit-1]
		page.NextCursor = &last
	} else if len(rows) > 0 {
		last := rows[len(rows)-1]
		page.NextCursor = &model.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	page.Records = records

	f.logger.Debug("レビューを取得しました",
		slog.Int("requested", limit),
		slog.Int("scanned", len(rows)),
		slog.Int("returned", len(records)),
		slog.Int("malformed", malformed),
		slog.Int("hidden", hidden),
	)

	return page, nil
}

// CompleteVisits はページに含まれる来店の残りのメンバーを補い、1つの来店が1ページにまとまるようにする。
// 来店の投稿は最も新しいメンバーを含むページに属する。q.Afterより前（前のページ）に
// メンバーがある来店はこのページから除き、後ろのページにしかないメンバーは補う。
// NextCursorとHasMoreは変更しない。
// メンバーの取得に失敗した場合はページをそのまま返す。戻り値のerrorはmodel.ErrUnauthenticatedの場合のみ非nilとなる。
func (f *Fetcher) CompleteVisits(ctx context.Context, q model.ReviewQuery, page Page) (Page, error) {
	if page.Failed {
		return page, nil
	}

	inPage := make(map[string]struct{}, len(page.Records))
	visits := make(map[string]struct{})
	var visitIDs []string
	for _, rec := range page.Records {
		inPage[rec.ID] = struct{}{}
		if rec.VisitID == "" {
			continue
		}
		if _, ok := visits[rec.VisitID]; !ok {
			visits[rec.VisitID] = struct{}{}
			visitIDs = append(visitIDs, rec.VisitID)
		}
	}
	if len(visitIDs) == 0 {
		return page, nil
	}

	rows, err := f.breaker.Execute(func() ([]model.RawReview, error) {
		return f.reviews.ListByVisitIDs(ctx, q, visitIDs)
	})
	if err != nil {
		if errors.Is(err, model.ErrUnauthenticated) {
			return f.fail(err)
		}
		f.logger.Warn("来店メンバーの取得に失敗しました",
			slog.Int("visit_count", len(visitIDs)),
			slog.String("error", err.Error()),
		)
		return page, nil
	}

	members, positions, _, _ := f.filter(rows)
	earlier := make(map[string]bool)
	var extra []model.ReviewRecord
	for i, rec := range members {
		if _, ok := visits[rec.VisitID]; !ok {
			continue
		}
		if q.After != nil && onEarlierPage(positions[i], *q.After) {
			earlier[rec.VisitID] = true
			continue
		}
		if _, ok := inPage[rec.ID]; !ok {
			extra = append(extra, rec)
		}
	}

	records := make([]model.ReviewRecord, 0, len(page.Records)+len(extra))
	for _, rec := range page.Records {
		if !earlier[rec.VisitID] {
			records = append(records, rec)
		}
	}
	for _, rec := range extra {
		if !earlier[rec.VisitID] {
			records = append(records, rec)
		}
	}
	page.Records = records
	return page, nil
}

// onEarlierPage はposがafterの位置またはそれより前にあり、前のページで読まれたかを返す。
func onEarlierPage(pos, after model.Cursor) bool {
	if pos.CreatedAt.Equal(after.CreatedAt) {
		return pos.ID >= after.ID
	}
	return pos.CreatedAt.After(after.CreatedAt)
}

// FetchAll はカーソルなしで先頭からq.Limit件までの表示可能なレビューを取得する。
func (f *Fetcher) FetchAll(ctx context.Context, q model.ReviewQuery) ([]model.ReviewRecord, error) {
	q.After = nil
	page, err := f.FetchPage(ctx, q)
	return page.Records, err
}

// FetchForScoring は店舗に紐づく表示可能な全レビューを取得する。
// 品質スコアの計算用で、件数の切り詰めは行わない。
func (f *Fetcher) FetchForScoring(ctx context.Context, restaurantID string) ([]model.ReviewRecord, error) {
	rows, err := f.breaker.Execute(func() ([]model.RawReview, error) {
		return f.reviews.ListByRestaurant(ctx, restaurantID)
	})
	if err != nil {
		return nil, err
	}
	records, _, malformed, hidden := f.filter(rows)
	f.metrics.RecordRecordsDropped("malformed", malformed)
	f.metrics.RecordRecordsDropped("hidden", hidden)
	return records, nil
}

// filter は行を正規化し、破損レコードを除外してから論理削除・非公開レコードを除外する。
func (f *Fetcher) filter(rows []model.RawReview) ([]model.ReviewRecord, []model.Cursor, int, int) {
	now := f.now()
	records := make([]model.ReviewRecord, 0, len(rows))
	positions := make([]model.Cursor, 0, len(rows))
	malformed, hidden := 0, 0

	for _, row := range rows {
		rec, err := Normalize(row, now)
		if err != nil {
			malformed++
			f.logger.Debug("破損したレビューを除外しました", slog.String("review_id", row.ID))
			continue
		}
		if !rec.Displayable() {
			hidden++
			continue
		}
		records = append(records, rec)
		positions = append(positions, model.Cursor{CreatedAt: row.CreatedAt, ID: row.ID})
	}
	return records, positions, malformed, hidden
}

func (f *Fetcher) fail(err error) (Page, error) {
	if errors.Is(err, model.ErrUnauthenticated) {
		f.metrics.RecordFetch("unauthenticated")
		f.logger.Error("ストアの認証に失敗しました", slog.String("error", err.Error()))
		return Page{Failed: true}, err
	}

	outcome := "failure"
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		outcome = "rejected"
	}
	f.metrics.RecordFetch(outcome)
	f.logger.Error("レビューの取得に失敗しました",
		slog.String("outcome", outcome),
		slog.String("error", err.Error()),
	)

	select {
	case f.errs <- err:
	default:
	}
	return Page{Failed: true}, nil
}
