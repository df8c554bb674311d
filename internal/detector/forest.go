package detector

import (
	"context"
	"math"
	"math/rand/v2"
	"runtime"

	"github.com/olegiv/accesslog-anomaly-go/internal/features"
	"golang.org/x/sync/errgroup"
)

// Isolation forest defaults.
const (
	DefaultTrees      = 100
	DefaultSampleSize = 256
	DefaultSeed       = 42
)

const eulerGamma = 0.5772156649

// Compile-time interface check
var _ Scorer = (*IsolationForest)(nil)

// IsolationForest scores vectors by how quickly random axis-aligned splits
// isolate them. Features are used at their raw scale.
type IsolationForest struct {
	trees      int
	sampleSize int
	maxDepth   int
	seed       uint64
	workers    int
}

// NewIsolationForest creates an isolation forest scorer.
func NewIsolationForest(opts Options) *IsolationForest {
	f := &IsolationForest{
		trees:      opts.Trees,
		sampleSize: opts.SampleSize,
		maxDepth:   opts.MaxDepth,
		seed:       opts.Seed,
		workers:    opts.Workers,
	}
	if f.trees <= 0 {
		f.trees = DefaultTrees
	}
	if f.sampleSize <= 0 {
		f.sampleSize = DefaultSampleSize
	}
	if f.workers <= 0 {
		f.workers = runtime.GOMAXPROCS(0)
	}
	return f
}

// Name implements Scorer.
func (f *IsolationForest) Name() string { return NameIsolationForest }

// FitScore implements Scorer. Scores are in (0, 1]; values near 1 are anomalous.
func (f *IsolationForest) FitScore(ctx context.Context, vectors []features.Vector, contamination float64) ([]Verdict, error) {
	if err := checkInput(vectors, contamination); err != nil {
		return nil, err
	}

	data := features.Matrix(vectors)
	forest, err := f.Fit(ctx, data)
	if err != nil {
		return nil, err
	}

	scores, err := forest.ScoreAll(ctx, data, f.workers)
	if err != nil {
		return nil, err
	}
	return SelectTopK(vectors, scores, contamination), nil
}

// Fit builds the trees over data. Each tree draws its own random stream from
// the seed and its index, so the result does not depend on scheduling.
func (f *IsolationForest) Fit(ctx context.Context, data [][]float64) (*Forest, error) {
	psi := min(f.sampleSize, len(data))
	depth := f.maxDepth
	if depth <= 0 {
		depth = int(math.Ceil(math.Log2(float64(psi))))
	}

	forest := &Forest{
		trees:      make([]*node, f.trees),
		sampleSize: psi,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.workers)
	for i := range forest.trees {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewPCG(f.seed, uint64(i)))
			sample := rng.Perm(len(data))[:psi]
			forest.trees[i] = buildTree(data, sample, 0, depth, rng)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return forest, nil
}

// Forest is a fitted isolation forest.
type Forest struct {
	trees      []*node
	sampleSize int
}

// Score returns the anomaly score of one row: 2^(-E[h(x)]/c(psi)).
func (f *Forest) Score(row []float64) float64 {
	norm := averagePathLength(f.sampleSize)
	if norm == 0 {
		// A single-record sample isolates nothing
		return 0.5
	}

	var total float64
	for _, t := range f.trees {
		total += t.pathLength(row, 0)
	}
	mean := total / float64(len(f.trees))
	return math.Pow(2, -mean/norm)
}

// ScoreAll scores every row, splitting the rows across workers.
func (f *Forest) ScoreAll(ctx context.Context, data [][]float64, workers int) ([]float64, error) {
	scores := make([]float64, len(data))
	if workers <= 0 {
		workers = 1
	}
	chunk := (len(data) + workers - 1) / workers

	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(data); start += chunk {
		end := min(start+chunk, len(data))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if i%1024 == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				scores[i] = f.Score(data[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scores, nil
}

// node is an internal split or a leaf holding size sample rows.
type node struct {
	feature     int
	split       float64
	left, right *node
	size        int
}

func (n *node) isLeaf() bool {
	return n.left == nil
}

func (n *node) pathLength(row []float64, depth int) float64 {
	if n.isLeaf() {
		return float64(depth) + averagePathLength(n.size)
	}
	if row[n.feature] < n.split {
		return n.left.pathLength(row, depth+1)
	}
	return n.right.pathLength(row, depth+1)
}

// buildTree partitions rows until they are isolated or the depth limit is hit.
// The split feature is chosen among features that still vary, and the split
// value is uniform in [min, max).
func buildTree(data [][]float64, rows []int, depth, limit int, rng *rand.Rand) *node {
	if depth >= limit || len(rows) <= 1 {
		return &node{size: len(rows)}
	}

	numFeatures := len(data[rows[0]])
	candidates := make([]int, 0, numFeatures)
	lows := make([]float64, numFeatures)
	highs := make([]float64, numFeatures)
	for j := 0; j < numFeatures; j++ {
		lo, hi := data[rows[0]][j], data[rows[0]][j]
		for _, r := range rows[1:] {
			lo = math.Min(lo, data[r][j])
			hi = math.Max(hi, data[r][j])
		}
		lows[j], highs[j] = lo, hi
		if hi > lo {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		// Duplicate rows cannot be separated
		return &node{size: len(rows)}
	}

	feature := candidates[rng.IntN(len(candidates))]
	split := lows[feature] + rng.Float64()*(highs[feature]-lows[feature])

	var left, right []int
	for _, r := range rows {
		if data[r][feature] < split {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}

	return &node{
		feature: feature,
		split:   split,
		left:    buildTree(data, left, depth+1, limit, rng),
		right:   buildTree(data, right, depth+1, limit, rng),
		size:    len(rows),
	}
}

// averagePathLength is c(n), the mean path length of an unsuccessful search
// in a binary search tree of n nodes.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}
