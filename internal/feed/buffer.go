package feed

import (
	"sync"

	"github.com/hitoshi/dishfeed/internal/model"
)

// State はフィードの読み込み状態を表す。
// データが無いことと、バックエンドの障害で読めなかったことを区別する。
type State string

const (
	// StateOK は投稿が1件以上ある状態。
	StateOK State = "ok"
	// StateEmpty は読み込みに成功したが投稿が無い状態。
	StateEmpty State = "empty"
	// StateDegraded はストアの読み出しに失敗し、空または古い内容を表示している状態。
	StateDegraded State = "degraded"
)

// View はバッファのある時点の内容。
type View struct {
	Posts      []model.FeedPost
	NextCursor *model.Cursor
	HasMore    bool
	State      State
	Version    uint64
}

// contents はバッファに書き込む内容一式。
type contents struct {
	posts      []model.FeedPost
	records    map[string][]model.ReviewRecord // 投稿IDごとの元レコード
	nextCursor *model.Cursor
	hasMore    bool
	failed     bool
}

// Buffer は表示中のフィードを保持する。
// 書き込みのたびに単調増加するバージョンを進め、古い読み込み結果による上書きを検出できるようにする。
type Buffer struct {
	mu      sync.RWMutex
	c       contents
	version uint64
}

// NewBuffer は空のBufferを生成する。
func NewBuffer() *Buffer {
	return &Buffer{c: contents{records: make(map[string][]model.ReviewRecord)}}
}

// View は現在の内容のコピーを返す。
func (b *Buffer) View() View {
	b.mu.RLock()
	defer b.mu.RUnlock()

	posts := make([]model.FeedPost, len(b.c.posts))
	copy(posts, b.c.posts)

	state := StateOK
	switch {
	case b.c.failed:
		state = StateDegraded
	case len(posts) == 0:
		state = StateEmpty
	}

	return View{
		Posts:      posts,
		NextCursor: b.c.nextCursor,
		HasMore:    b.c.hasMore,
		State:      state,
		Version:    b.version,
	}
}

// Version は現在のバージョンを返す。
func (b *Buffer) Version() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

// replace は内容を置き換えて新しいバージョンを返す。
func (b *Buffer) replace(c contents) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.records == nil {
		c.records = make(map[string][]model.ReviewRecord)
	}
	b.c = c
	b.version++
	return b.version
}

// replaceIfVersion はバージョンがexpectedのままの場合に限り内容を置き換える。
func (b *Buffer) replaceIfVersion(expected uint64, c contents) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.version != expected {
		return false
	}
	if c.records == nil {
		c.records = make(map[string][]model.ReviewRecord)
	}
	b.c = c
	b.version++
	return true
}

// snapshot は書き込み側が編集するための内容のコピーを返す。
func (b *Buffer) snapshot() contents {
	b.mu.RLock()
	defer b.mu.RUnlock()

	c := b.c
	c.posts = make([]model.FeedPost, len(b.c.posts))
	copy(c.posts, b.c.posts)
	c.records = make(map[string][]model.ReviewRecord, len(b.c.records))
	for id, recs := range b.c.records {
		c.records[id] = recs
	}
	return c
}
