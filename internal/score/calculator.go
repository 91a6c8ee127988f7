// Package score は店舗の品質スコアを計算する。
package score

import (
	"math"
	"strings"
)

// Input はスコア計算に使うレビュー1件分の値。
type Input struct {
	Rating   float64 // 0〜10
	Category string  // メニューカテゴリ。未知の値はcustomとして扱う
}

// カテゴリの正規化名
const (
	CategoryEntree    = "entree"
	CategorySoup      = "soup"
	CategoryAppetizer = "appetizer"
	CategorySalad     = "salad"
	CategorySide      = "side"
	CategoryDessert   = "dessert"
	CategoryBeverage  = "beverage"
	CategoryCustom    = "custom"
)

// DefaultWeights はカテゴリごとの重み。メイン料理を最も重く扱う。
var DefaultWeights = map[string]float64{
	CategoryEntree:    1.0,
	CategorySoup:      0.7,
	CategoryAppetizer: 0.6,
	CategorySalad:     0.6,
	CategorySide:      0.5,
	CategoryDessert:   0.4,
	CategoryBeverage:  0.3,
	CategoryCustom:    0.8,
}

const (
	outlierSigma     = 2.0
	minRetainedCap   = 5
	minRetainedRatio = 0.5
	maxPenalty       = 0.2
	varianceDivisor  = 10.0
	ratingToPercent  = 10.0
	maxScore         = 100
)

// Calculator はカテゴリ重み付き・外れ値除去付きの品質スコア計算器。
type Calculator struct {
	weights map[string]float64
}

// NewCalculator は重みテーブルを指定してCalculatorを生成する。nilの場合はDefaultWeightsを使う。
func NewCalculator(weights map[string]float64) *Calculator {
	if weights == nil {
		weights = DefaultWeights
	}
	return &Calculator{weights: weights}
}

var defaultCalculator = NewCalculator(nil)

// Calculate はDefaultWeightsで品質スコアを計算する。
func Calculate(reviews []Input) (int, bool) {
	return defaultCalculator.Calculate(reviews)
}

// Calculate は0〜100の品質スコアを計算する。
// 有効な評価が1件も無い場合、または計算途中で非有限値が生じた場合はfalseを返す。
//
// 手順:
//  1. 有限の評価だけを集める
//  2. 全評価の平均と母分散を求める
//  3. 平均から2σを超えて外れた評価を除く。ただし残りがmin(5, 全体の50%)を下回る場合は除外しない
//  4. カテゴリ重みで加重平均する。重みの合計が0なら単純平均にする
//  5. 分散に応じて最大20%まで減点する
//  6. 0〜100に換算し、四捨五入して範囲に収める
func (c *Calculator) Calculate(reviews []Input) (int, bool) {
	valid := make([]Input, 0, len(reviews))
	for _, r := range reviews {
		if isFinite(r.Rating) {
			valid = append(valid, r)
		}
	}
	if len(valid) == 0 {
		return 0, false
	}

	mean, variance := meanVariance(valid)
	if !isFinite(mean) || !isFinite(variance) {
		return 0, false
	}

	retained := trimOutliers(valid, mean, math.Sqrt(variance))

	avg := c.weightedAverage(retained)
	if !isFinite(avg) {
		return 0, false
	}

	penalty := 1 - math.Min(maxPenalty, variance/varianceDivisor)
	scaled := math.Round(avg * penalty * ratingToPercent)
	if !isFinite(scaled) {
		return 0, false
	}

	switch {
	case scaled < 0:
		return 0, true
	case scaled > maxScore:
		return maxScore, true
	}
	return int(scaled), true
}

// Weight は正規化済みカテゴリの重みを返す。
func (c *Calculator) Weight(category string) float64 {
	if w, ok := c.weights[NormalizeCategory(category)]; ok {
		return w
	}
	return c.weights[CategoryCustom]
}

func meanVariance(reviews []Input) (float64, float64) {
	sum := 0.0
	for _, r := range reviews {
		sum += r.Rating
	}
	mean := sum / float64(len(reviews))

	sq := 0.0
	for _, r := range reviews {
		d := r.Rating - mean
		sq += d * d
	}
	return mean, sq / float64(len(reviews))
}

func trimOutliers(reviews []Input, mean, stddev float64) []Input {
	limit := outlierSigma * stddev
	kept := make([]Input, 0, len(reviews))
	for _, r := range reviews {
		if math.Abs(r.Rating-mean) <= limit {
			kept = append(kept, r)
		}
	}

	minRetained := math.Min(minRetainedCap, minRetainedRatio*float64(len(reviews)))
	if float64(len(kept)) < minRetained {
		return reviews
	}
	return kept
}

func (c *Calculator) weightedAverage(reviews []Input) float64 {
	var weighted, total, plain float64
	for _, r := range reviews {
		w := c.Weight(r.Category)
		weighted += r.Rating * w
		total += w
		plain += r.Rating
	}
	if total == 0 {
		return plain / float64(len(reviews))
	}
	return weighted / total
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

var categoryAliases = map[string]string{
	"entree":      CategoryEntree,
	"main":        CategoryEntree,
	"main course": CategoryEntree,
	"main dish":   CategoryEntree,
	"soup":        CategorySoup,
	"appetizer":   CategoryAppetizer,
	"starter":     CategoryAppetizer,
	"small plate": CategoryAppetizer,
	"salad":       CategorySalad,
	"side":        CategorySide,
	"side dish":   CategorySide,
	"dessert":     CategoryDessert,
	"sweet":       CategoryDessert,
	"beverage":    CategoryBeverage,
	"drink":       CategoryBeverage,
}

var accentReplacer = strings.NewReplacer("é", "e", "è", "e", "ê", "e", "É", "e")

// NormalizeCategory はメニューカテゴリの表記揺れ（大文字小文字、アクセント、複数形）を吸収する。
// 重みテーブルに無いカテゴリはcustomを返す。
func NormalizeCategory(category string) string {
	c := strings.ToLower(strings.TrimSpace(accentReplacer.Replace(category)))
	c = strings.Join(strings.Fields(strings.NewReplacer("_", " ", "-", " ").Replace(c)), " ")
	if v, ok := categoryAliases[c]; ok {
		return v
	}
	if strings.HasSuffix(c, "s") {
		if v, ok := categoryAliases[strings.TrimSuffix(c, "s")]; ok {
			return v
		}
	}
	return CategoryCustom
}
