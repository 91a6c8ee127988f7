package feed

import (
	"testing"

	"github.com/hitoshi/dishfeed/internal/model"
)

// TestBuffer_ViewState は内容に応じて状態が決まることを検証する。
func TestBuffer_ViewState(t *testing.T) {
	b := NewBuffer()
	if got := b.View().State; got != StateEmpty {
		t.Errorf("State = %q, want empty", got)
	}

	b.replace(contents{posts: []model.FeedPost{{ID: "p1"}}})
	if got := b.View().State; got != StateOK {
		t.Errorf("State = %q, want ok", got)
	}

	b.replace(contents{posts: []model.FeedPost{{ID: "p1"}}, failed: true})
	if got := b.View().State; got != StateDegraded {
		t.Errorf("State = %q, want degraded", got)
	}
}

// TestBuffer_ReplaceIfVersion は基準バージョンが古い書き込みが拒否されることを検証する。
func TestBuffer_ReplaceIfVersion(t *testing.T) {
	b := NewBuffer()
	v := b.replace(contents{posts: []model.FeedPost{{ID: "cached"}}})

	b.replace(contents{posts: []model.FeedPost{{ID: "delta"}}})
	if b.replaceIfVersion(v, contents{posts: []model.FeedPost{{ID: "stale"}}}) {
		t.Fatal("replaceIfVersion succeeded with an outdated version")
	}
	if got := b.View().Posts[0].ID; got != "delta" {
		t.Errorf("post = %q, want delta", got)
	}

	if !b.replaceIfVersion(b.Version(), contents{posts: []model.FeedPost{{ID: "fresh"}}}) {
		t.Fatal("replaceIfVersion failed with the current version")
	}
	if got := b.View().Posts[0].ID; got != "fresh" {
		t.Errorf("post = %q, want fresh", got)
	}
}

// TestBuffer_SnapshotIsIsolated は編集用のコピーへの変更が読み出し側に漏れないことを検証する。
func TestBuffer_SnapshotIsIsolated(t *testing.T) {
	b := NewBuffer()
	b.replace(contents{
		posts:   []model.FeedPost{{ID: "p1"}},
		records: map[string][]model.ReviewRecord{"p1": {{ID: "p1"}}},
	})

	c := b.snapshot()
	c.posts[0].ID = "changed"
	delete(c.records, "p1")

	if got := b.View().Posts[0].ID; got != "p1" {
		t.Errorf("post = %q, want p1", got)
	}
	if _, ok := b.snapshot().records["p1"]; !ok {
		t.Error("records were modified through the snapshot")
	}
}
