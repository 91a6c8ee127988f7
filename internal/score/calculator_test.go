package score

import (
	"math"
	"testing"
)

// TestCalculate_WeightedWithConsistencyPenalty はカテゴリ重みと分散による減点が適用されることを検証する。
func TestCalculate_WeightedWithConsistencyPenalty(t *testing.T) {
	// 加重平均 (9+8+10*0.4)/2.4 = 8.75、分散 2/3 で減点率 1/15
	got, ok := Calculate([]Input{
		{Rating: 9, Category: "entree"},
		{Rating: 8, Category: "entree"},
		{Rating: 10, Category: "dessert"},
	})
	if !ok {
		t.Fatal("expected a score")
	}
	if got != 82 {
		t.Errorf("Calculate = %d, want 82", got)
	}
}

// TestCalculate_NoValidRatings は有効な評価が無い場合にスコアが無いことを検証する。
func TestCalculate_NoValidRatings(t *testing.T) {
	tests := []struct {
		name  string
		input []Input
	}{
		{"nil", nil},
		{"empty", []Input{}},
		{"all NaN", []Input{{Rating: math.NaN()}, {Rating: math.NaN()}}},
		{"all Inf", []Input{{Rating: math.Inf(1)}, {Rating: math.Inf(-1)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Calculate(tt.input)
			if ok {
				t.Errorf("Calculate = (%d, true), want (0, false)", got)
			}
			if got != 0 {
				t.Errorf("score = %d, want 0", got)
			}
		})
	}
}

// TestCalculate_IgnoresNonFiniteRatings は非有限の評価が無視されることを検証する。
func TestCalculate_IgnoresNonFiniteRatings(t *testing.T) {
	got, ok := Calculate([]Input{{Rating: 8}, {Rating: math.Inf(1)}, {Rating: math.NaN()}})
	if !ok || got != 80 {
		t.Errorf("Calculate = (%d, %v), want (80, true)", got, ok)
	}
}

// TestCalculate_NonFiniteIntermediate は計算途中でオーバーフローした場合にスコアが無いことを検証する。
func TestCalculate_NonFiniteIntermediate(t *testing.T) {
	if got, ok := Calculate([]Input{{Rating: math.MaxFloat64}, {Rating: math.MaxFloat64}}); ok {
		t.Errorf("Calculate = (%d, true), want (0, false)", got)
	}
}

// TestCalculate_TrimsOutliers は2σを超える外れ値が加重平均から除かれることを検証する。
func TestCalculate_TrimsOutliers(t *testing.T) {
	input := make([]Input, 0, 10)
	for i := 0; i < 9; i++ {
		input = append(input, Input{Rating: 8})
	}
	input = append(input, Input{Rating: 0})

	// 平均7.2、σ2.4のため0は除外される。分散5.76で減点は上限の20%
	got, ok := Calculate(input)
	if !ok || got != 64 {
		t.Errorf("Calculate = (%d, %v), want (64, true)", got, ok)
	}
}

// TestTrimOutliers_RetentionFloor は除外後の件数が下限を割る場合に全件を残すことを検証する。
func TestTrimOutliers_RetentionFloor(t *testing.T) {
	input := []Input{{Rating: 1}, {Rating: 2}, {Rating: 3}, {Rating: 4}}

	got := trimOutliers(input, 2.5, 0.1)
	if len(got) != len(input) {
		t.Errorf("len(trimOutliers) = %d, want %d", len(got), len(input))
	}

	got = trimOutliers(input, 2.5, 0.6)
	if len(got) != 2 {
		t.Errorf("len(trimOutliers) = %d, want 2", len(got))
	}
}

// TestCalculate_ZeroWeightFallsBackToMean は重みの合計が0の場合に単純平均を使うことを検証する。
func TestCalculate_ZeroWeightFallsBackToMean(t *testing.T) {
	calc := NewCalculator(map[string]float64{CategoryCustom: 0})

	// 平均7、分散1で減点10%
	got, ok := calc.Calculate([]Input{{Rating: 6}, {Rating: 8}})
	if !ok || got != 63 {
		t.Errorf("Calculate = (%d, %v), want (63, true)", got, ok)
	}
}

// TestCalculate_Clamped はスコアが0〜100に収まることを検証する。
func TestCalculate_Clamped(t *testing.T) {
	tests := []struct {
		name  string
		input []Input
		want  int
	}{
		{"above range", []Input{{Rating: 15}}, 100},
		{"below range", []Input{{Rating: -3}}, 0},
		{"perfect", []Input{{Rating: 10}, {Rating: 10}}, 100},
		{"zero", []Input{{Rating: 0}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Calculate(tt.input)
			if !ok || got != tt.want {
				t.Errorf("Calculate = (%d, %v), want (%d, true)", got, ok, tt.want)
			}
		})
	}
}

// TestCalculate_AlwaysInRange は0〜10の任意の評価でスコアが範囲内になることを検証する。
func TestCalculate_AlwaysInRange(t *testing.T) {
	categories := []string{"entree", "soup", "salad", "dessert", "drink", "", "omakase"}
	for n := 1; n <= 40; n++ {
		input := make([]Input, n)
		for i := range input {
			input[i] = Input{
				Rating:   float64((i*7+n*3)%101) / 10,
				Category: categories[(i+n)%len(categories)],
			}
		}
		got, ok := Calculate(input)
		if !ok {
			t.Fatalf("n=%d: expected a score", n)
		}
		if got < 0 || got > 100 {
			t.Errorf("n=%d: score = %d, out of range", n, got)
		}
	}
}

// TestCalculate_OrderIndependent は入力の順序がスコアに影響しないことを検証する。
func TestCalculate_OrderIndependent(t *testing.T) {
	a := []Input{{Rating: 3, Category: "side"}, {Rating: 9.5, Category: "main"}, {Rating: 7, Category: "soup"}}
	b := []Input{a[2], a[0], a[1]}

	ga, _ := Calculate(a)
	gb, _ := Calculate(b)
	if ga != gb {
		t.Errorf("Calculate differs by order: %d vs %d", ga, gb)
	}
}

// TestNormalizeCategory は表記揺れが正規化されることを検証する。
func TestNormalizeCategory(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"entree", CategoryEntree},
		{"Entrée", CategoryEntree},
		{"Mains", CategoryEntree},
		{"main_course", CategoryEntree},
		{" Starters ", CategoryAppetizer},
		{"APPETIZER", CategoryAppetizer},
		{"salads", CategorySalad},
		{"soup", CategorySoup},
		{"side-dish", CategorySide},
		{"Desserts", CategoryDessert},
		{"DRINKS", CategoryBeverage},
		{"beverage", CategoryBeverage},
		{"omakase", CategoryCustom},
		{"", CategoryCustom},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := NormalizeCategory(tt.in); got != tt.want {
				t.Errorf("NormalizeCategory(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// TestCalculator_Weight は未知のカテゴリにcustomの重みが使われることを検証する。
func TestCalculator_Weight(t *testing.T) {
	calc := NewCalculator(nil)
	if got := calc.Weight("Soups"); got != 0.7 {
		t.Errorf("Weight(Soups) = %v, want 0.7", got)
	}
	if got := calc.Weight("tasting flight"); got != 0.8 {
		t.Errorf("Weight(tasting flight) = %v, want 0.8", got)
	}
}
