package detector

import (
	"math/rand"
	"testing"
)

func normalRows(n, dims int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	rows := make([][]float64, n)
	for i := range rows {
		row := make([]float64, dims)
		for d := range row {
			row[d] = rng.NormFloat64()
		}
		rows[i] = row
	}
	return rows
}

func TestFitForestSeparatesOutliers(t *testing.T) {
	rows := normalRows(200, 3, 1)
	forest := FitForest(rows, 100, 0.05, 42)

	outlier := [][]float64{{50, 50, 50}}
	inlier := [][]float64{{0, 0, 0}}

	outlierScore := forest.Decision(outlier)[0]
	inlierScore := forest.Decision(inlier)[0]

	if outlierScore >= inlierScore {
		t.Fatalf("Decision(outlier) = %v, Decision(inlier) = %v; want outlier strictly more anomalous (lower)",
			outlierScore, inlierScore)
	}
}

func TestForestPredictLabelsMatchDecisionSign(t *testing.T) {
	rows := normalRows(100, 2, 7)
	forest := FitForest(rows, 50, 0.1, 7)

	sample := [][]float64{{0, 0}, {20, 20}}
	decisions := forest.Decision(sample)
	labels := forest.Predict(sample)

	for i, d := range decisions {
		wantAnomaly := d < 0
		gotAnomaly := labels[i] == LabelAnomaly
		if gotAnomaly != wantAnomaly {
			t.Errorf("row %d: Decision=%v Predict=%v, labels should agree with decision sign", i, d, labels[i])
		}
	}
}

func TestFitForestDeterministicWithSeed(t *testing.T) {
	rows := normalRows(50, 2, 3)
	a := FitForest(rows, 20, 0.05, 99)
	b := FitForest(rows, 20, 0.05, 99)

	sample := [][]float64{{1, 1}, {-1, -1}}
	da := a.Decision(sample)
	db := b.Decision(sample)
	for i := range da {
		if da[i] != db[i] {
			t.Errorf("row %d: decision not deterministic for same seed: %v vs %v", i, da[i], db[i])
		}
	}
}

func TestHeightLimitMonotonic(t *testing.T) {
	if heightLimit(1) != 1 {
		t.Errorf("heightLimit(1) = %d, want 1", heightLimit(1))
	}
	if got := heightLimit(256); got < heightLimit(16) {
		t.Errorf("heightLimit(256)=%d should be >= heightLimit(16)=%d", got, heightLimit(16))
	}
}
