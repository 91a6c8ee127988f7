package delta

import (
	"context"

	"github.com/hitoshi/dishfeed/internal/feed"
	"github.com/hitoshi/dishfeed/internal/model"
	"github.com/hitoshi/dishfeed/internal/visit"
)

// Patch は変更バッチ1件分をdに適用し、購読者に通知する変更を返す。
//
// 手順:
//  1. 削除: 投稿IDまたは投稿を構成するレコードIDで一致するものを取り除く。レコードが残る来店は再変換する
//  2. 更新: 表示中のレコードを差し替えて、その投稿だけを再変換する。表示中に無いレコードは無視する
//  3. 追加: 表示中の来店に属するレコードはその投稿にまとめる。残りは変換して先頭に追加する
//
// 既存の投稿の並びは変えない。
func Patch(ctx context.Context, converter feed.PostConverter, d *feed.Draft, batch model.ChangeBatch) feed.Update {
	owner := make(map[string]string) // レコードID→投稿ID
	for postID, recs := range d.Records {
		for _, r := range recs {
			owner[r.ID] = postID
		}
	}
	touched := make(map[string]struct{})
	dropped := make(map[string]struct{})

	// 1. 削除
	for _, id := range batch.Removed {
		if postID, ok := owner[id]; ok {
			d.Records[postID] = withoutRecord(d.Records[postID], id)
			delete(owner, id)
			touched[postID] = struct{}{}
			continue
		}
		if _, ok := d.Records[id]; ok || hasPost(d.Posts, id) {
			for _, r := range d.Records[id] {
				delete(owner, r.ID)
			}
			delete(d.Records, id)
			dropped[id] = struct{}{}
		}
	}

	// 2. 更新
	var regrouped []model.ReviewRecord
	for _, rec := range batch.Modified {
		postID, ok := owner[rec.ID]
		if !ok {
			continue
		}
		if visit.GroupID(rec) != postID {
			// 別の来店に付け替えられた
			d.Records[postID] = withoutRecord(d.Records[postID], rec.ID)
			delete(owner, rec.ID)
			touched[postID] = struct{}{}
			regrouped = append(regrouped, rec)
			continue
		}
		d.Records[postID] = replaceRecord(d.Records[postID], rec)
		touched[postID] = struct{}{}
	}

	// 3. 追加
	var fresh []model.ReviewRecord
	freshIdx := make(map[string]int)
	for _, rec := range append(regrouped, batch.Added...) {
		if postID, ok := owner[rec.ID]; ok {
			d.Records[postID] = replaceRecord(d.Records[postID], rec)
			touched[postID] = struct{}{}
			continue
		}
		if i, ok := freshIdx[rec.ID]; ok {
			fresh[i] = rec
			continue
		}
		gid := visit.GroupID(rec)
		if _, ok := d.Records[gid]; ok {
			if _, gone := dropped[gid]; !gone {
				d.Records[gid] = replaceRecord(d.Records[gid], rec)
				owner[rec.ID] = gid
				touched[gid] = struct{}{}
				continue
			}
		}
		freshIdx[rec.ID] = len(fresh)
		fresh = append(fresh, rec)
	}

	var u feed.Update

	// 変更のあった投稿を位置を保ったまま再変換する
	posts := make([]model.FeedPost, 0, len(d.Posts))
	for _, p := range d.Posts {
		if _, ok := dropped[p.ID]; ok {
			u.Removed = append(u.Removed, p.ID)
			continue
		}
		if _, ok := touched[p.ID]; !ok {
			posts = append(posts, p)
			continue
		}
		recs := d.Records[p.ID]
		if len(recs) == 0 {
			delete(d.Records, p.ID)
			u.Removed = append(u.Removed, p.ID)
			continue
		}
		p = converter.ToFeedPost(ctx, groupOf(p.ID, recs))
		posts = append(posts, p)
		u.Posts = append(u.Posts, p)
	}

	// 新しい投稿はまとめて変換し、先頭に並べる
	if len(fresh) > 0 {
		added := converter.ConvertAll(ctx, fresh)
		for _, rec := range fresh {
			gid := visit.GroupID(rec)
			d.Records[gid] = append(d.Records[gid], rec)
		}
		posts = append(append(make([]model.FeedPost, 0, len(added)+len(posts)), added...), posts...)
		u.Posts = append(append(make([]model.FeedPost, 0, len(added)+len(u.Posts)), added...), u.Posts...)
	}

	d.Posts = posts
	return u
}

func groupOf(id string, recs []model.ReviewRecord) model.VisitGroup {
	return model.VisitGroup{ID: id, IsVisit: recs[0].VisitID != "", Records: recs}
}

func hasPost(posts []model.FeedPost, id string) bool {
	for _, p := range posts {
		if p.ID == id {
			return true
		}
	}
	return false
}

func withoutRecord(recs []model.ReviewRecord, id string) []model.ReviewRecord {
	out := make([]model.ReviewRecord, 0, len(recs))
	for _, r := range recs {
		if r.ID != id {
			out = append(out, r)
		}
	}
	return out
}

func replaceRecord(recs []model.ReviewRecord, rec model.ReviewRecord) []model.ReviewRecord {
	out := make([]model.ReviewRecord, len(recs))
	copy(out, recs)
	for i, r := range out {
		if r.ID == rec.ID {
			out[i] = rec
			return out
		}
	}
	return append(out, rec)
}
