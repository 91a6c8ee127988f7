package feedpost

import (
	"strings"

	"github.com/hitoshi/dishfeed/internal/model"
)

// タグに変換する属性。表示順もこの順になる。
var tagAttributes = []string{"value", "freshness", "saltiness", "occasion"}

// tagVocabulary は属性ごとの値と表示ラベルの対応表。
// 表に無い値は表示しない。
var tagVocabulary = map[string]map[string]string{
	"value": {
		"great_value": "Great value",
		"good_value":  "Great value",
		"fair":        "Fair price",
		"fair_price":  "Fair price",
		"pricey":      "Pricey",
		"overpriced":  "Pricey",
	},
	"freshness": {
		"very_fresh":  "Super fresh",
		"super_fresh": "Super fresh",
		"fresh":       "Fresh",
		"not_fresh":   "Not so fresh",
		"stale":       "Not so fresh",
	},
	"saltiness": {
		"perfect":      "Perfectly seasoned",
		"balanced":     "Perfectly seasoned",
		"salty":        "Too salty",
		"too_salty":    "Too salty",
		"bland":        "Needs salt",
		"under_salted": "Needs salt",
	},
	"occasion": {
		"date":        "Date night",
		"date_night":  "Date night",
		"family":      "Family friendly",
		"kids":        "Family friendly",
		"solo":        "Solo dining",
		"business":    "Business meal",
		"group":       "Good for groups",
		"friends":     "Good for groups",
		"celebration": "Special occasion",
	},
}

var tagValueReplacer = strings.NewReplacer(" ", "_", "-", "_")

func normalizeTagValue(v string) string {
	return tagValueReplacer.Replace(strings.ToLower(strings.TrimSpace(v)))
}

// lookupTag は属性値を表示ラベルに変換する。attrが空の場合は全属性の表から探す。
func lookupTag(attr, value string) (string, bool) {
	v := normalizeTagValue(value)
	if v == "" {
		return "", false
	}
	if attr != "" {
		label, ok := tagVocabulary[attr][v]
		return label, ok
	}
	for _, a := range tagAttributes {
		if label, ok := tagVocabulary[a][v]; ok {
			return label, true
		}
	}
	return "", false
}

// extractTags はレコードの構造化属性と自由タグを表示ラベルに変換する。
// 対応表に無い値は黙って捨て、重複は最初の出現だけを残す。
func extractTags(records []model.ReviewRecord) []string {
	var tags []string
	seen := make(map[string]struct{})
	add := func(label string) {
		if _, ok := seen[label]; ok {
			return
		}
		seen[label] = struct{}{}
		tags = append(tags, label)
	}

	for _, rec := range records {
		for _, attr := range tagAttributes {
			if label, ok := lookupTag(attr, rec.Attributes[attr]); ok {
				add(label)
			}
		}
		for _, raw := range rec.Tags {
			if label, ok := lookupTag("", raw); ok {
				add(label)
			}
		}
	}
	return tags
}
