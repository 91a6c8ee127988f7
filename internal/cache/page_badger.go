package cache

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/hitoshi/dishfeed/internal/model"
)

const firstPageKey = "feed:first_page"

// storedRecord は評価が無いレコード（NaN）をJSONで表せるようにする保存用の形。
type storedRecord struct {
	model.ReviewRecord
	Rating *float64
}

type storedPage struct {
	PageSnapshot
	Records []storedRecord
}

func toStored(snap PageSnapshot) storedPage {
	out := storedPage{PageSnapshot: snap, Records: make([]storedRecord, len(snap.Records))}
	out.PageSnapshot.Records = nil
	for i, rec := range snap.Records {
		sr := storedRecord{ReviewRecord: rec}
		if !math.IsNaN(rec.Rating) && !math.IsInf(rec.Rating, 0) {
			r := rec.Rating
			sr.Rating = &r
		}
		out.Records[i] = sr
	}
	return out
}

func fromStored(sp storedPage) PageSnapshot {
	snap := sp.PageSnapshot
	snap.Records = make([]model.ReviewRecord, len(sp.Records))
	for i, sr := range sp.Records {
		rec := sr.ReviewRecord
		rec.Rating = math.NaN()
		if sr.Rating != nil {
			rec.Rating = *sr.Rating
		}
		snap.Records[i] = rec
	}
	return snap
}

// BadgerPageStore はBadgerDBに保存するPageStore。プロセスを再起動してもスロットの内容が残る。
type BadgerPageStore struct {
	db    *badger.DB
	owned bool
}

// OpenBadgerPageStore はdirにBadgerDBを開いてBadgerPageStoreを生成する。
// dirが空の場合はインメモリモードで開く。
func OpenBadgerPageStore(dir string) (*BadgerPageStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("先頭ページストアのオープンに失敗しました: %w", err)
	}
	return &BadgerPageStore{db: db, owned: true}, nil
}

// NewBadgerPageStore は開いているBadgerDBを使うBadgerPageStoreを生成する。
// dbのCloseは呼び出し側の責任となる。
func NewBadgerPageStore(db *badger.DB) *BadgerPageStore {
	return &BadgerPageStore{db: db}
}

// Load は保存済みのスナップショットを返す。
func (s *BadgerPageStore) Load(ctx context.Context) (PageSnapshot, bool, error) {
	var stored storedPage
	found := true

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(firstPageKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			found = false
			return nil
		}
		if err != nil {
			return fmt.Errorf("get first page: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		})
	})
	if err != nil {
		return PageSnapshot{}, false, err
	}
	if !found {
		return PageSnapshot{}, false, nil
	}
	return fromStored(stored), true, nil
}

// Save はスナップショットで上書きする。
func (s *BadgerPageStore) Save(ctx context.Context, snap PageSnapshot) error {
	data, err := json.Marshal(toStored(snap))
	if err != nil {
		return fmt.Errorf("marshal first page: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(firstPageKey), data)
	})
}

// Close はOpenBadgerPageStoreで開いたBadgerDBを閉じる。
func (s *BadgerPageStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
