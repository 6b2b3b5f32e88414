package detector

import "testing"

func TestFitScalerMeanStd(t *testing.T) {
	rows := [][]float64{{1, 10}, {2, 20}, {3, 30}}
	s := FitScaler(rows)

	if got, want := s.Mean[0], 2.0; got != want {
		t.Errorf("Mean[0] = %v, want %v", got, want)
	}
	if got, want := s.Mean[1], 20.0; got != want {
		t.Errorf("Mean[1] = %v, want %v", got, want)
	}
	if s.Std[0] <= 0 {
		t.Errorf("Std[0] = %v, want > 0", s.Std[0])
	}
}

func TestFitScalerConstantColumnFloorsStd(t *testing.T) {
	rows := [][]float64{{5, 1}, {5, 2}, {5, 3}}
	s := FitScaler(rows)
	if s.Std[0] != scalerEpsilon {
		t.Errorf("Std[0] for constant column = %v, want epsilon %v", s.Std[0], scalerEpsilon)
	}

	scaled := s.Transform([][]float64{{5, 2}})
	if scaled[0][0] != 0 {
		t.Errorf("Transform() of the training value on a constant column = %v, want 0", scaled[0][0])
	}
}

func TestFitScalerEmptyInput(t *testing.T) {
	s := FitScaler(nil)
	if len(s.Mean) != 0 || len(s.Std) != 0 {
		t.Errorf("FitScaler(nil) = %+v, want empty scaler", s)
	}
}

func TestTransformRoundTrip(t *testing.T) {
	rows := [][]float64{{0, 0}, {10, 100}}
	s := FitScaler(rows)
	scaled := s.Transform(rows)

	for _, row := range scaled {
		for _, v := range row {
			if v < -2 || v > 2 {
				t.Errorf("scaled value %v outside expected standardized range", v)
			}
		}
	}
}
