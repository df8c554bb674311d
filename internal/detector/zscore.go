package detector

import (
	"context"
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
	"github.com/olegiv/accesslog-anomaly-go/internal/features"
)

// Compile-time interface check
var _ Scorer = (*ZScore)(nil)

// ZScore scores a vector by its largest absolute z-score across features.
// It has no random component.
type ZScore struct{}

// NewZScore creates a z-score scorer.
func NewZScore() *ZScore {
	return &ZScore{}
}

// Name implements Scorer.
func (z *ZScore) Name() string { return NameZScore }

// FitScore implements Scorer.
func (z *ZScore) FitScore(ctx context.Context, vectors []features.Vector, contamination float64) ([]Verdict, error) {
	if err := checkInput(vectors, contamination); err != nil {
		return nil, err
	}

	data := features.Matrix(vectors)
	scores := make([]float64, len(data))

	for j := 0; j < features.NumFeatures; j++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		column := make(stats.Float64Data, len(data))
		for i, row := range data {
			column[i] = row[j]
		}

		mean, err := stats.Mean(column)
		if err != nil {
			return nil, fmt.Errorf("failed to compute mean of feature %d: %w", j, err)
		}
		sd, err := stats.StandardDeviationPopulation(column)
		if err != nil {
			return nil, fmt.Errorf("failed to compute deviation of feature %d: %w", j, err)
		}
		if sd == 0 {
			continue
		}

		for i, x := range column {
			scores[i] = math.Max(scores[i], math.Abs(x-mean)/sd)
		}
	}

	return SelectTopK(vectors, scores, contamination), nil
}
