package feedpost

import "github.com/hitoshi/dishfeed/internal/model"

// buildMedia は投稿に表示する写真の列を組み立てる。
//  1. 来店全体の写真（URLで重複除去）
//  2. 料理ごとの写真をレビュー1件につき1枚、レコード順に。1で使ったURLは除く
//  3. 来店全体の写真が無ければ最初の料理写真を来店枠に昇格し、料理の列から外す
//
// URLが空のものは除外する。
func buildMedia(records []model.ReviewRecord) []model.MediaItem {
	var visit, dishes []model.MediaItem
	claimed := make(map[string]struct{})

	for _, rec := range records {
		for _, img := range rec.Images {
			if !img.VisitLevel || img.URL == "" {
				continue
			}
			if _, ok := claimed[img.URL]; ok {
				continue
			}
			claimed[img.URL] = struct{}{}
			visit = append(visit, model.MediaItem{
				URL:      img.URL,
				Kind:     model.MediaKindVisit,
				ReviewID: rec.ID,
				DishName: rec.DishName,
			})
		}
	}

	for _, rec := range records {
		url := dishPhoto(rec, claimed)
		if url == "" {
			continue
		}
		claimed[url] = struct{}{}
		dishes = append(dishes, model.MediaItem{
			URL:      url,
			Kind:     model.MediaKindDish,
			ReviewID: rec.ID,
			DishName: rec.DishName,
		})
	}

	if len(visit) == 0 && len(dishes) > 0 {
		promoted := dishes[0]
		promoted.Kind = model.MediaKindVisit
		visit = append(visit, promoted)
		dishes = dishes[1:]
	}

	media := make([]model.MediaItem, 0, len(visit)+len(dishes))
	media = append(media, visit...)
	media = append(media, dishes...)
	return media
}

// dishPhoto はレビューの料理写真のうち、まだ使われていない最初のURLを返す。
func dishPhoto(rec model.ReviewRecord, claimed map[string]struct{}) string {
	for _, img := range rec.Images {
		if img.VisitLevel || img.URL == "" {
			continue
		}
		if _, ok := claimed[img.URL]; ok {
			continue
		}
		return img.URL
	}
	return ""
}
