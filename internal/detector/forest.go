package detector

import (
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// subsampleCap mirrors sklearn's IsolationForest default max_samples="auto":
// each tree is grown from at most this many rows, sampled without
// replacement.
const subsampleCap = 256

// isolationNode is one node of an isolation tree. Leaves have Left == nil.
type isolationNode struct {
	Left, Right  *isolationNode
	SplitFeature int
	SplitValue   float64
	Size         int // number of training rows that reached this leaf
}

func (n *isolationNode) isLeaf() bool {
	return n.Left == nil && n.Right == nil
}

// Forest is an isolation-forest-style ensemble. Lower decision scores mean
// more anomalous, matching sklearn's convention.
type Forest struct {
	Trees        []*isolationNode `json:"-"`
	SampleSize   int              `json:"sample_size"`
	Offset       float64          `json:"offset"`
	NEstimators  int              `json:"n_estimators"`
	RandomState  int64            `json:"random_state"`
	Contamination float64         `json:"contamination"`
}

// heightLimit bounds tree depth to ceil(log2(sampleSize)), matching the
// standard isolation forest construction.
func heightLimit(sampleSize int) int {
	if sampleSize <= 1 {
		return 1
	}
	return int(math.Ceil(math.Log2(float64(sampleSize))))
}

// averagePathLengthC is the expected path length of an unsuccessful BST
// search over n points, used to normalize raw path lengths into a score.
func averagePathLengthC(n int) float64 {
	if n <= 1 {
		return 0
	}
	const eulerGamma = 0.5772156649015329
	h := math.Log(float64(n-1)) + eulerGamma
	return 2*h - (2 * float64(n-1) / float64(n))
}

// FitForest builds n_estimators isolation trees over rows (already scaled),
// then derives the contamination-quantile offset so that Decision is
// monotonic and roughly `contamination` of the training rows score below 0.
func FitForest(rows [][]float64, nEstimators int, contamination float64, seed int64) *Forest {
	if nEstimators < 1 {
		nEstimators = 1
	}
	sampleSize := len(rows)
	if sampleSize > subsampleCap {
		sampleSize = subsampleCap
	}

	rng := rand.New(rand.NewSource(seed))
	f := &Forest{
		SampleSize:    sampleSize,
		NEstimators:   nEstimators,
		RandomState:   seed,
		Contamination: contamination,
	}

	for i := 0; i < nEstimators; i++ {
		sample := sampleRows(rows, sampleSize, rng)
		f.Trees = append(f.Trees, buildTree(sample, 0, heightLimit(sampleSize), rng))
	}

	if len(rows) > 0 {
		scores := f.scoreSamplesRaw(rows)
		sorted := append([]float64(nil), scores...)
		sort.Float64s(sorted)
		f.Offset = stat.Quantile(contamination, stat.LinInterp, sorted, nil)
	}

	return f
}

func sampleRows(rows [][]float64, n int, rng *rand.Rand) [][]float64 {
	if n >= len(rows) {
		out := make([][]float64, len(rows))
		copy(out, rows)
		return out
	}
	idx := rng.Perm(len(rows))[:n]
	out := make([][]float64, n)
	for i, j := range idx {
		out[i] = rows[j]
	}
	return out
}

func buildTree(rows [][]float64, depth, limit int, rng *rand.Rand) *isolationNode {
	if len(rows) <= 1 || depth >= limit {
		return &isolationNode{Size: len(rows)}
	}

	nFeatures := len(rows[0])
	feature := rng.Intn(nFeatures)

	min, max := rows[0][feature], rows[0][feature]
	for _, r := range rows[1:] {
		v := r[feature]
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if min == max {
		return &isolationNode{Size: len(rows)}
	}

	splitValue := min + rng.Float64()*(max-min)

	var left, right [][]float64
	for _, r := range rows {
		if r[feature] < splitValue {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &isolationNode{Size: len(rows)}
	}

	return &isolationNode{
		SplitFeature: feature,
		SplitValue:   splitValue,
		Left:         buildTree(left, depth+1, limit, rng),
		Right:        buildTree(right, depth+1, limit, rng),
	}
}

func pathLength(row []float64, node *isolationNode, depth int) float64 {
	if node.isLeaf() {
		return float64(depth) + averagePathLengthC(node.Size)
	}
	if row[node.SplitFeature] < node.SplitValue {
		return pathLength(row, node.Left, depth+1)
	}
	return pathLength(row, node.Right, depth+1)
}

// scoreSamplesRaw computes sklearn-style score_samples: the negative of the
// isolation anomaly score, so that lower values are more anomalous.
func (f *Forest) scoreSamplesRaw(rows [][]float64) []float64 {
	c := averagePathLengthC(f.SampleSize)
	out := make([]float64, len(rows))
	for i, row := range rows {
		var total float64
		for _, tree := range f.Trees {
			total += pathLength(row, tree, 0)
		}
		avg := total / float64(len(f.Trees))
		anomalyScore := math.Exp2(-avg / c)
		out[i] = -anomalyScore
	}
	return out
}

// Decision returns the offset-adjusted decision function: lower = more
// anomalous, with the training contamination quantile at 0.
func (f *Forest) Decision(rows [][]float64) []float64 {
	raw := f.scoreSamplesRaw(rows)
	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = v - f.Offset
	}
	return out
}

// Predict labels each row Anomaly (decision < 0) or Normal.
func (f *Forest) Predict(rows [][]float64) []Label {
	decisions := f.Decision(rows)
	out := make([]Label, len(decisions))
	for i, d := range decisions {
		if d < 0 {
			out[i] = LabelAnomaly
		} else {
			out[i] = LabelNormal
		}
	}
	return out
}

// Label is the classification emitted by Predict.
type Label string

const (
	LabelNormal  Label = "Normal"
	LabelAnomaly Label = "Anomaly"
)
