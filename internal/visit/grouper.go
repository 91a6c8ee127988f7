// Package visit はレビューを来店単位にまとめる。
package visit

import "github.com/hitoshi/dishfeed/internal/model"

// Grouping はGroupの結果を表す。
// Visitsはvisit IDごとのレコード、Standaloneはvisit IDを持たないレコード。
// VisitOrderはvisit IDが最初に現れた順序を保持する。
type Grouping struct {
	Visits     map[string][]model.ReviewRecord
	VisitOrder []string
	Standalone []model.ReviewRecord
}

// Group はレコードをvisit IDの有無で分割する。
// すべてのレコードはちょうど1つのグループに属し、グループ内の順序は入力順を保つ。
func Group(records []model.ReviewRecord) Grouping {
	g := Grouping{Visits: make(map[string][]model.ReviewRecord)}

	for _, rec := range records {
		if rec.VisitID == "" {
			g.Standalone = append(g.Standalone, rec)
			continue
		}
		if _, ok := g.Visits[rec.VisitID]; !ok {
			g.VisitOrder = append(g.VisitOrder, rec.VisitID)
		}
		g.Visits[rec.VisitID] = append(g.Visits[rec.VisitID], rec)
	}

	return g
}

// Groups は来店グループと単独グループを1つの列にまとめて返す。
// 来店グループが先、単独グループが後に並ぶ。表示順は変換側で決める。
func (g Grouping) Groups() []model.VisitGroup {
	groups := make([]model.VisitGroup, 0, len(g.VisitOrder)+len(g.Standalone))
	for _, id := range g.VisitOrder {
		groups = append(groups, model.VisitGroup{ID: id, IsVisit: true, Records: g.Visits[id]})
	}
	for _, rec := range g.Standalone {
		groups = append(groups, Single(rec))
	}
	return groups
}

// Single はレコード1件からなるグループを返す。
// visit IDを持つレコードは来店グループとして扱い、グループIDにvisit IDを使う。
func Single(rec model.ReviewRecord) model.VisitGroup {
	if rec.VisitID != "" {
		return model.VisitGroup{ID: rec.VisitID, IsVisit: true, Records: []model.ReviewRecord{rec}}
	}
	return model.VisitGroup{ID: rec.ID, Records: []model.ReviewRecord{rec}}
}

// GroupID はレコードが属するグループのIDを返す。
func GroupID(rec model.ReviewRecord) string {
	if rec.VisitID != "" {
		return rec.VisitID
	}
	return rec.ID
}
