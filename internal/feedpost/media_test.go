package feedpost

import (
	"testing"

	"github.com/hitoshi/dishfeed/internal/model"
)

func mediaURLs(media []model.MediaItem) []string {
	out := make([]string, len(media))
	for i, m := range media {
		out[i] = string(m.Kind) + ":" + m.URL
	}
	return out
}

// TestBuildMedia は写真の並び順と重複除去の規則を検証する。
func TestBuildMedia(t *testing.T) {
	tests := []struct {
		name    string
		records []model.ReviewRecord
		want    []string
	}{
		{
			name: "来店写真が先頭で料理写真がレコード順に続く",
			records: []model.ReviewRecord{
				{ID: "a", Images: []model.ReviewImage{{URL: "dish-a"}, {URL: "room", VisitLevel: true}}},
				{ID: "b", Images: []model.ReviewImage{{URL: "dish-b"}}},
			},
			want: []string{"visit:room", "dish:dish-a", "dish:dish-b"},
		},
		{
			name: "来店写真と同じURLの料理写真は1回だけ",
			records: []model.ReviewRecord{
				{ID: "a", Images: []model.ReviewImage{{URL: "shared", VisitLevel: true}}},
				{ID: "b", Images: []model.ReviewImage{{URL: "shared"}, {URL: "dish-b"}}},
			},
			want: []string{"visit:shared", "dish:dish-b"},
		},
		{
			name: "来店写真が無ければ最初の料理写真を昇格する",
			records: []model.ReviewRecord{
				{ID: "a", Images: []model.ReviewImage{{URL: "dish-a"}}},
				{ID: "b", Images: []model.ReviewImage{{URL: "dish-b"}}},
			},
			want: []string{"visit:dish-a", "dish:dish-b"},
		},
		{
			name: "料理写真はレビュー1件につき1枚",
			records: []model.ReviewRecord{
				{ID: "a", Images: []model.ReviewImage{{URL: "room", VisitLevel: true}, {URL: "a1"}, {URL: "a2"}}},
			},
			want: []string{"visit:room", "dish:a1"},
		},
		{
			name: "来店写真の重複は除去される",
			records: []model.ReviewRecord{
				{ID: "a", Images: []model.ReviewImage{{URL: "room", VisitLevel: true}}},
				{ID: "b", Images: []model.ReviewImage{{URL: "room", VisitLevel: true}, {URL: "terrace", VisitLevel: true}}},
			},
			want: []string{"visit:room", "visit:terrace"},
		},
		{
			name: "空のURLは除外される",
			records: []model.ReviewRecord{
				{ID: "a", Images: []model.ReviewImage{{URL: "", VisitLevel: true}, {URL: ""}}},
				{ID: "b"},
			},
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mediaURLs(buildMedia(tt.records))
			if len(got) != len(tt.want) {
				t.Fatalf("media = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("media = %v, want %v", got, tt.want)
					break
				}
			}
		})
	}
}

// TestBuildMedia_EachURLOnce は同じURLがメディア列に2回以上現れないことを検証する。
func TestBuildMedia_EachURLOnce(t *testing.T) {
	records := []model.ReviewRecord{
		{ID: "a", Images: []model.ReviewImage{{URL: "x", VisitLevel: true}, {URL: "y"}}},
		{ID: "b", Images: []model.ReviewImage{{URL: "y"}, {URL: "x"}}},
		{ID: "c", Images: []model.ReviewImage{{URL: "x"}, {URL: "y", VisitLevel: true}}},
	}
	seen := make(map[string]int)
	for _, m := range buildMedia(records) {
		seen[m.URL]++
	}
	for url, n := range seen {
		if n != 1 {
			t.Errorf("URL %q appears %d times", url, n)
		}
	}
}

// TestExtractTags は語彙に無い値が捨てられ、重複が除去されることを検証する。
func TestExtractTags(t *testing.T) {
	records := []model.ReviewRecord{
		{Attributes: map[string]string{"saltiness": "Too Salty", "freshness": "meh"}},
		{Attributes: map[string]string{"saltiness": "salty", "occasion": "family"}, Tags: []string{"kids", "spicy", "great-value"}},
	}
	got := extractTags(records)
	want := []string{"Too salty", "Family friendly", "Great value"}
	if len(got) != len(want) {
		t.Fatalf("Tags = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Tags = %v, want %v", got, want)
			break
		}
	}
}
