package detector

import (
	"errors"
	"sync"

	"github.com/atailh4n/sentryd/internal/capture"
)

// ModelNotReady is returned by Predict/DecisionScores when the detector has
// neither been fit nor had a bundle loaded into it.
var ModelNotReady = errors.New("detector: model not fit or loaded")

// Detector scores engineered feature rows against a fitted isolation forest
// and standard scaler. The zero value is not ready; call Fit or Load first.
// A Detector is safe for concurrent Predict/DecisionScores calls from the
// capture path while a background Fit/Load swaps the underlying bundle.
type Detector struct {
	mu sync.RWMutex

	forest       *Forest
	scaler       *StandardScaler
	featureNames []string
	meta         BundleMeta

	modelDir string
}

// NewDetector constructs an unfit detector rooted at modelDir for save/load
// path resolution.
func NewDetector(modelDir string) *Detector {
	return &Detector{modelDir: modelDir}
}

// DetectorParams configures a training run.
type DetectorParams struct {
	Contamination float64
	NEstimators   int
	RandomState   int64
}

// Fit trains a fresh scaler and forest over rows, replacing whatever bundle
// the detector previously held.
func (d *Detector) Fit(rows []capture.FeatureVector, params DetectorParams) {
	matrix := make([][]float64, len(rows))
	for i, r := range rows {
		matrix[i] = r.Row()
	}

	scaler := FitScaler(matrix)
	scaled := scaler.Transform(matrix)
	forest := FitForest(scaled, params.NEstimators, params.Contamination, params.RandomState)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.scaler = scaler
	d.forest = forest
	d.featureNames = append([]string(nil), capture.Features...)
	d.meta = BundleMeta{
		Contamination: params.Contamination,
		NEstimators:   params.NEstimators,
		RandomState:   params.RandomState,
	}
}

// ready reports whether the detector holds a usable model.
func (d *Detector) ready() bool {
	return d.forest != nil && d.scaler != nil && len(d.featureNames) > 0
}

// reindex maps rows (already in capture.Features column order) onto the
// trained feature_names order, filling any missing column with 0.0.
func (d *Detector) reindex(rows []capture.FeatureVector) [][]float64 {
	colIndex := make(map[string]int, len(capture.Features))
	for i, name := range capture.Features {
		colIndex[name] = i
	}

	out := make([][]float64, len(rows))
	for i, r := range rows {
		native := r.Row()
		row := make([]float64, len(d.featureNames))
		for j, name := range d.featureNames {
			if idx, ok := colIndex[name]; ok && idx < len(native) {
				row[j] = native[idx]
			}
		}
		out[i] = row
	}
	return out
}

// Predict labels each row Normal or Anomaly against the trained model.
func (d *Detector) Predict(rows []capture.FeatureVector) ([]Label, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.ready() {
		return nil, ModelNotReady
	}
	scaled := d.scaler.Transform(d.reindex(rows))
	return d.forest.Predict(scaled), nil
}

// DecisionScores returns the raw offset-adjusted decision value for each
// row; lower is more anomalous.
func (d *Detector) DecisionScores(rows []capture.FeatureVector) ([]float64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.ready() {
		return nil, ModelNotReady
	}
	scaled := d.scaler.Transform(d.reindex(rows))
	return d.forest.Decision(scaled), nil
}

// Save atomically persists the current bundle under modelDir/path.
func (d *Detector) Save(path string) (string, error) {
	d.mu.RLock()
	if !d.ready() {
		d.mu.RUnlock()
		return "", ModelNotReady
	}
	bundle := &ModelBundle{
		Forest:       d.forest,
		Scaler:       d.scaler,
		FeatureNames: append([]string(nil), d.featureNames...),
		Meta:         d.meta,
	}
	d.mu.RUnlock()
	return SaveBundle(bundle, d.modelDir, path)
}

// Load resolves path under modelDir and replaces the current bundle with
// the one decoded from disk. On failure, the detector's prior state (if
// any) is left untouched.
func (d *Detector) Load(path string) error {
	bundle, err := LoadBundle(d.modelDir, path)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forest = bundle.Forest
	d.scaler = bundle.Scaler
	d.featureNames = bundle.FeatureNames
	d.meta = bundle.Meta
	return nil
}

// BundleMetadata returns a lightweight, read-only summary of the currently
// loaded bundle.
func (d *Detector) BundleMetadata() BundleMeta {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.meta
}

// Swap atomically replaces this detector's model state with src's. Used by
// the online-retrain worker to install a freshly trained detector without
// interrupting concurrent Predict/DecisionScores calls on the old one.
func (d *Detector) Swap(src *Detector) {
	src.mu.RLock()
	forest, scaler, names, meta := src.forest, src.scaler, src.featureNames, src.meta
	src.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.forest = forest
	d.scaler = scaler
	d.featureNames = names
	d.meta = meta
}
