package detector

import "gonum.org/v1/gonum/stat"

// scalerEpsilon floors the standard deviation so that a constant-valued
// feature column does not produce a divide-by-zero during Transform.
const scalerEpsilon = 1e-8

// StandardScaler holds a per-feature mean and standard deviation fit from
// training data, used to normalize rows before they reach the forest.
type StandardScaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// FitScaler computes the per-column mean/stddev of rows (each row holding
// the same number of features).
func FitScaler(rows [][]float64) *StandardScaler {
	if len(rows) == 0 {
		return &StandardScaler{}
	}
	nCols := len(rows[0])
	mean := make([]float64, nCols)
	std := make([]float64, nCols)
	col := make([]float64, len(rows))
	for c := 0; c < nCols; c++ {
		for r, row := range rows {
			col[r] = row[c]
		}
		m, s := stat.MeanStdDev(col, nil)
		mean[c] = m
		if s < scalerEpsilon {
			s = scalerEpsilon
		}
		std[c] = s
	}
	return &StandardScaler{Mean: mean, Std: std}
}

// Transform normalizes rows against the fitted mean/std, returning a new
// slice of rows; the input rows are not modified.
func (s *StandardScaler) Transform(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		scaled := make([]float64, len(row))
		for c, v := range row {
			mean, std := 0.0, 1.0
			if c < len(s.Mean) {
				mean = s.Mean[c]
			}
			if c < len(s.Std) && s.Std[c] > 0 {
				std = s.Std[c]
			}
			scaled[c] = (v - mean) / std
		}
		out[i] = scaled
	}
	return out
}
