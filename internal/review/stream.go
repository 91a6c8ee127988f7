package review

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/dishfeed/internal/model"
	"github.com/hitoshi/dishfeed/internal/repository"
)

const (
	// knownWindowFactor は追跡するレコードIDの上限をページサイズの何倍にするか。
	knownWindowFactor = 10
	// minKnownWindow は追跡するレコードIDの下限。
	minKnownWindow = 200
)

// Stream はストアの変更購読を正規化済みのChangeBatchの列に変換する購読ハンドル。
// 表示中のレコードIDを追跡し、追加・更新・削除を分類する。
// 追加として扱うのは新しく作成されたレコードだけで、追跡範囲外のレコードの更新は無視する。
// 論理削除や非公開化された更新は削除として扱う。
type Stream struct {
	sub    repository.ReviewSubscription
	out    chan model.ChangeBatch
	done   chan struct{}
	once   sync.Once
	known  map[string]time.Time
	window int
	logger *slog.Logger
	now    func() time.Time
}

// Subscribe はqに一致するレビューのライブ購読を開始する。
// 最初のイベントはSnapshotがtrueのChangeBatchになる。
func Subscribe(ctx context.Context, source repository.ReviewChangeSource, q model.ReviewQuery, logger *slog.Logger) (*Stream, error) {
	sub, err := source.Subscribe(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("レビューの購読に失敗しました: %w", err)
	}

	s := &Stream{
		sub:    sub,
		out:    make(chan model.ChangeBatch, 16),
		done:   make(chan struct{}),
		known:  make(map[string]time.Time),
		window: knownWindow(q),
		logger: logger,
		now:    time.Now,
	}
	go s.run(ctx)
	return s, nil
}

// knownWindow は追跡するレコードIDの上限を返す。
func knownWindow(q model.ReviewQuery) int {
	if n := q.Limit * knownWindowFactor; n > minKnownWindow {
		return n
	}
	return minKnownWindow
}

// Events は変更バッチを受け取るチャネルを返す。購読終了時にcloseされる。
func (s *Stream) Events() <-chan model.ChangeBatch {
	return s.out
}

// Close は購読を終了する。複数回呼び出しても安全。
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.sub.Close()
	})
	return err
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.out)

	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case change, ok := <-s.sub.Events():
			if !ok {
				return
			}

			var batch model.ChangeBatch
			switch {
			case first:
				batch = s.snapshot(change.Upserted)
				first = false
			case change.Snapshot:
				batch = s.resync(change.Upserted)
			default:
				batch = s.delta(change)
			}

			s.prune()
			if !batch.Snapshot && batch.Empty() {
				continue
			}

			select {
			case s.out <- batch:
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// snapshot は最初のイベントを表示可能なレコードの全件として扱う。
func (s *Stream) snapshot(rows []model.RawReview) model.ChangeBatch {
	batch := model.ChangeBatch{Snapshot: true}
	now := s.now()
	for _, row := range rows {
		rec, err := Normalize(row, now)
		if err != nil || !rec.Displayable() {
			continue
		}
		s.known[rec.ID] = row.CreatedAt
		batch.Added = append(batch.Added, rec)
	}
	return batch
}

// resync は再接続後のスナップショットを表示中の状態と比較して差分に変換する。
// スナップショットの範囲（最も古い行以降）に無い既知IDだけを削除とみなす。
func (s *Stream) resync(rows []model.RawReview) model.ChangeBatch {
	var batch model.ChangeBatch
	now := s.now()
	seen := make(map[string]struct{}, len(rows))

	var oldest time.Time
	for i, row := range rows {
		if i == 0 || row.CreatedAt.Before(oldest) {
			oldest = row.CreatedAt
		}
		seen[row.ID] = struct{}{}

		rec, err := Normalize(row, now)
		if err != nil || !rec.Displayable() {
			if _, ok := s.known[row.ID]; ok {
				delete(s.known, row.ID)
				batch.Removed = append(batch.Removed, row.ID)
			}
			continue
		}
		if _, ok := s.known[rec.ID]; ok {
			batch.Modified = append(batch.Modified, rec)
		} else {
			batch.Added = append(batch.Added, rec)
		}
		s.known[rec.ID] = row.CreatedAt
	}

	for id, createdAt := range s.known {
		if _, ok := seen[id]; ok {
			continue
		}
		if len(rows) == 0 || !createdAt.Before(oldest) {
			delete(s.known, id)
			batch.Removed = append(batch.Removed, id)
		}
	}
	return batch
}

// delta は増分イベントを追加・更新・削除に分類する。
func (s *Stream) delta(change repository.RawChange) model.ChangeBatch {
	var batch model.ChangeBatch
	now := s.now()

	for _, row := range change.Inserted {
		s.classify(&batch, row, true, now)
	}
	for _, row := range change.Upserted {
		s.classify(&batch, row, false, now)
	}

	for _, id := range change.Deleted {
		if _, ok := s.known[id]; ok {
			delete(s.known, id)
			batch.Removed = append(batch.Removed, id)
		}
	}
	return batch
}

// classify は1行をbatchに振り分ける。createdは行が新しく作成されたことを示す。
func (s *Stream) classify(batch *model.ChangeBatch, row model.RawReview, created bool, now time.Time) {
	_, known := s.known[row.ID]
	rec, err := Normalize(row, now)
	if err != nil || !rec.Displayable() {
		if known {
			delete(s.known, row.ID)
			batch.Removed = append(batch.Removed, row.ID)
		}
		if err != nil {
			s.logger.Debug("破損したレビューの変更を無視しました", slog.String("review_id", row.ID))
		}
		return
	}

	switch {
	case known:
		batch.Modified = append(batch.Modified, rec)
	case created:
		batch.Added = append(batch.Added, rec)
	default:
		s.logger.Debug("追跡範囲外のレビューの更新を無視しました", slog.String("review_id", row.ID))
		return
	}
	s.known[rec.ID] = row.CreatedAt
}

// prune は追跡するレコードIDが上限を超えた場合に古いものから捨てる。
func (s *Stream) prune() {
	if len(s.known) <= s.window {
		return
	}

	type entry struct {
		id string
		at time.Time
	}
	entries := make([]entry, 0, len(s.known))
	for id, at := range s.known {
		entries = append(entries, entry{id: id, at: at})
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].at.Equal(entries[j].at) {
			return entries[i].at.After(entries[j].at)
		}
		return entries[i].id > entries[j].id
	})
	for _, e := range entries[s.window:] {
		delete(s.known, e.id)
	}
	s.logger.Debug("追跡中のレビューIDを間引きました",
		slog.Int("pruned", len(entries)-s.window),
		slog.Int("window", s.window),
	)
}
