// Package detector scores feature vectors with unsupervised outlier detectors
// and labels the most anomalous fraction of them.
package detector

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"

	internalerrors "github.com/olegiv/accesslog-anomaly-go/internal/errors"
	"github.com/olegiv/accesslog-anomaly-go/internal/features"
)

// Scorer names accepted by New.
const (
	NameIsolationForest = "isolation_forest"
	NameZScore          = "zscore"
)

// DefaultContamination is the expected anomalous fraction when none is configured.
const DefaultContamination = 0.01

// Verdict is the scorer output for one feature vector.
type Verdict struct {
	Seq         int
	IsAnomalous bool
	// Score is higher for more anomalous vectors. Its scale depends on the scorer.
	Score float64
}

// Scorer fits a model over all vectors and labels them. Implementations return
// exactly one verdict per vector, in input order, and label round(c*N) vectors
// anomalous. The same input and seed always give the same verdicts.
type Scorer interface {
	Name() string
	FitScore(ctx context.Context, vectors []features.Vector, contamination float64) ([]Verdict, error)
}

// Options configures the scorers created by New. Zero fields take defaults.
type Options struct {
	Trees      int
	SampleSize int
	MaxDepth   int
	Seed       uint64
	Workers    int
}

// New creates the scorer registered under name.
func New(name string, opts Options) (Scorer, error) {
	switch name {
	case NameIsolationForest, "":
		return NewIsolationForest(opts), nil
	case NameZScore:
		return NewZScore(), nil
	default:
		return nil, fmt.Errorf("%w: unknown scorer %q (valid: %s, %s)",
			internalerrors.ErrInvalidParameter, name, NameIsolationForest, NameZScore)
	}
}

// ValidateContamination checks that c is in (0, 0.5].
func ValidateContamination(c float64) error {
	if math.IsNaN(c) || c <= 0 || c > 0.5 {
		return fmt.Errorf("%w: contamination %v must be in (0, 0.5]", internalerrors.ErrInvalidParameter, c)
	}
	return nil
}

// AnomalyCount returns round(c*n), the number of vectors labeled anomalous.
func AnomalyCount(n int, contamination float64) int {
	k := int(math.Round(contamination * float64(n)))
	return min(max(k, 0), n)
}

// SelectTopK builds verdicts from scores, labeling the AnomalyCount highest
// scores anomalous. Ties are broken by the lower sequence number.
func SelectTopK(vectors []features.Vector, scores []float64, contamination float64) []Verdict {
	verdicts := make([]Verdict, len(vectors))
	for i, v := range vectors {
		verdicts[i] = Verdict{Seq: v.Seq, Score: scores[i]}
	}

	k := AnomalyCount(len(vectors), contamination)
	if k == 0 {
		return verdicts
	}

	order := make([]int, len(vectors))
	for i := range order {
		order[i] = i
	}
	slices.SortFunc(order, func(a, b int) int {
		if c := cmp.Compare(scores[b], scores[a]); c != 0 {
			return c
		}
		return cmp.Compare(vectors[a].Seq, vectors[b].Seq)
	})

	for _, i := range order[:k] {
		verdicts[i].IsAnomalous = true
	}
	return verdicts
}

// checkInput applies the checks shared by every scorer.
func checkInput(vectors []features.Vector, contamination float64) error {
	if err := ValidateContamination(contamination); err != nil {
		return err
	}
	if len(vectors) == 0 {
		return fmt.Errorf("%w: no feature vectors to score", internalerrors.ErrInsufficientData)
	}
	return nil
}
