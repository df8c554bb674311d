package detector

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	internalerrors "github.com/olegiv/accesslog-anomaly-go/internal/errors"
	"github.com/olegiv/accesslog-anomaly-go/internal/features"
)

// trafficWithOutliers returns n ordinary vectors followed by k vectors whose
// response size is three orders of magnitude larger.
func trafficWithOutliers(n, k int) []features.Vector {
	rng := rand.New(rand.NewPCG(7, 7))
	vectors := make([]features.Vector, 0, n+k)
	for i := 0; i < n; i++ {
		vectors = append(vectors, features.Vector{
			Seq:          i,
			HourOfDay:    rng.IntN(24),
			ResponseSize: 200 + rng.Int64N(1800),
			HasTimestamp: true,
		})
	}
	for i := 0; i < k; i++ {
		vectors = append(vectors, features.Vector{
			Seq:          n + i,
			HourOfDay:    rng.IntN(24),
			ResponseSize: 1_000_000 + rng.Int64N(1_000_000),
			HasTimestamp: true,
		})
	}
	return vectors
}

func scorers() []Scorer {
	return []Scorer{
		NewIsolationForest(Options{Seed: DefaultSeed}),
		NewZScore(),
	}
}

func TestScorersFlagInjectedOutliers(t *testing.T) {
	vectors := trafficWithOutliers(1000, 10)

	for _, s := range scorers() {
		t.Run(s.Name(), func(t *testing.T) {
			verdicts, err := s.FitScore(context.Background(), vectors, 0.01)
			if err != nil {
				t.Fatalf("FitScore() error: %v", err)
			}

			flagged, injected := 0, 0
			for _, v := range verdicts {
				if !v.IsAnomalous {
					continue
				}
				flagged++
				if v.Seq >= 1000 {
					injected++
				}
			}
			if flagged != 10 {
				t.Errorf("flagged %d records, want round(0.01*1010) = 10", flagged)
			}
			if injected < 8 {
				t.Errorf("only %d of %d flagged records are injected outliers", injected, flagged)
			}
		})
	}
}

func TestScorersKeepOrderAndLength(t *testing.T) {
	vectors := trafficWithOutliers(50, 2)
	// Non-contiguous sequence numbers as left behind by dropped lines
	for i := range vectors {
		vectors[i].Seq = i*3 + 1
	}

	for _, s := range scorers() {
		t.Run(s.Name(), func(t *testing.T) {
			verdicts, err := s.FitScore(context.Background(), vectors, 0.1)
			if err != nil {
				t.Fatalf("FitScore() error: %v", err)
			}
			if len(verdicts) != len(vectors) {
				t.Fatalf("got %d verdicts, want %d", len(verdicts), len(vectors))
			}
			for i := range vectors {
				if verdicts[i].Seq != vectors[i].Seq {
					t.Fatalf("verdicts[%d].Seq = %d, want %d", i, verdicts[i].Seq, vectors[i].Seq)
				}
			}
		})
	}
}

func TestContaminationCount(t *testing.T) {
	tests := []struct {
		n             int
		contamination float64
		want          int
	}{
		{1010, 0.01, 10},
		{100, 0.05, 5},
		{3, 0.1, 0},
		{10, 0.5, 5},
		{7, 0.25, 2},
		{1, 0.5, 1},
	}

	for _, tt := range tests {
		vectors := trafficWithOutliers(tt.n, 0)
		for _, s := range scorers() {
			verdicts, err := s.FitScore(context.Background(), vectors, tt.contamination)
			if err != nil {
				t.Fatalf("%s: FitScore(n=%d, c=%v) error: %v", s.Name(), tt.n, tt.contamination, err)
			}
			got := 0
			for _, v := range verdicts {
				if v.IsAnomalous {
					got++
				}
			}
			if got != tt.want {
				t.Errorf("%s: n=%d c=%v flagged %d, want %d", s.Name(), tt.n, tt.contamination, got, tt.want)
			}
		}
	}
}

func TestIsolationForestDeterministic(t *testing.T) {
	vectors := trafficWithOutliers(500, 5)

	run := func(workers int) []Verdict {
		f := NewIsolationForest(Options{Seed: 1234, Workers: workers})
		verdicts, err := f.FitScore(context.Background(), vectors, 0.02)
		if err != nil {
			t.Fatalf("FitScore() error: %v", err)
		}
		return verdicts
	}

	first := run(1)
	for _, workers := range []int{1, 4, 16} {
		again := run(workers)
		for i := range first {
			if first[i] != again[i] {
				t.Fatalf("workers=%d: verdict %d = %+v, first run %+v", workers, i, again[i], first[i])
			}
		}
	}
}

func TestIsolationForestScoreRange(t *testing.T) {
	vectors := trafficWithOutliers(200, 3)
	verdicts, err := NewIsolationForest(Options{Seed: 1}).FitScore(context.Background(), vectors, 0.01)
	if err != nil {
		t.Fatalf("FitScore() error: %v", err)
	}

	var maxNormal, minOutlier float64 = 0, 1
	for _, v := range verdicts {
		if v.Score <= 0 || v.Score > 1 || math.IsNaN(v.Score) {
			t.Fatalf("score %v out of (0, 1]", v.Score)
		}
		if v.Seq < 200 {
			maxNormal = math.Max(maxNormal, v.Score)
		} else {
			minOutlier = math.Min(minOutlier, v.Score)
		}
	}
	if minOutlier <= maxNormal {
		t.Errorf("outlier score %v should exceed every normal score (max %v)", minOutlier, maxNormal)
	}
}

func TestIsolationForestIdenticalVectors(t *testing.T) {
	vectors := make([]features.Vector, 20)
	for i := range vectors {
		vectors[i] = features.Vector{Seq: i, HourOfDay: 3, ResponseSize: 100}
	}

	verdicts, err := NewIsolationForest(Options{}).FitScore(context.Background(), vectors, 0.1)
	if err != nil {
		t.Fatalf("FitScore() error: %v", err)
	}
	// All scores tie, so the lowest sequence numbers win
	if !verdicts[0].IsAnomalous || !verdicts[1].IsAnomalous || verdicts[2].IsAnomalous {
		t.Errorf("tie-break flagged %+v", verdicts[:3])
	}
}

func TestScorerErrors(t *testing.T) {
	vectors := trafficWithOutliers(10, 0)

	tests := []struct {
		name          string
		vectors       []features.Vector
		contamination float64
		want          error
	}{
		{"empty input", nil, 0.01, internalerrors.ErrInsufficientData},
		{"zero contamination", vectors, 0, internalerrors.ErrInvalidParameter},
		{"negative contamination", vectors, -0.1, internalerrors.ErrInvalidParameter},
		{"contamination above half", vectors, 0.51, internalerrors.ErrInvalidParameter},
		{"NaN contamination", vectors, math.NaN(), internalerrors.ErrInvalidParameter},
		{"bad contamination wins over empty input", nil, 0.9, internalerrors.ErrInvalidParameter},
	}

	for _, s := range scorers() {
		for _, tt := range tests {
			t.Run(s.Name()+"/"+tt.name, func(t *testing.T) {
				_, err := s.FitScore(context.Background(), tt.vectors, tt.contamination)
				if !errors.Is(err, tt.want) {
					t.Errorf("FitScore() error = %v, want %v", err, tt.want)
				}
			})
		}
	}
}

func TestIsolationForestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewIsolationForest(Options{}).FitScore(ctx, trafficWithOutliers(100, 0), 0.01)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("FitScore() error = %v, want context.Canceled", err)
	}
}

func TestNew(t *testing.T) {
	for _, name := range []string{NameIsolationForest, NameZScore, ""} {
		s, err := New(name, Options{})
		if err != nil {
			t.Fatalf("New(%q) error: %v", name, err)
		}
		if name != "" && s.Name() != name {
			t.Errorf("New(%q).Name() = %q", name, s.Name())
		}
	}

	if _, err := New("lof", Options{}); !errors.Is(err, internalerrors.ErrInvalidParameter) {
		t.Errorf("New(lof) error = %v, want ErrInvalidParameter", err)
	}
}

func TestSelectTopK(t *testing.T) {
	vectors := []features.Vector{{Seq: 10}, {Seq: 11}, {Seq: 12}, {Seq: 13}}
	scores := []float64{0.2, 0.9, 0.9, 0.1}

	verdicts := SelectTopK(vectors, scores, 0.25)
	want := []bool{false, true, false, false}
	for i, v := range verdicts {
		if v.IsAnomalous != want[i] {
			t.Errorf("verdicts[%d].IsAnomalous = %v, want %v", i, v.IsAnomalous, want[i])
		}
		if v.Score != scores[i] || v.Seq != vectors[i].Seq {
			t.Errorf("verdicts[%d] = %+v", i, v)
		}
	}
}

func TestAveragePathLength(t *testing.T) {
	tests := []struct {
		n    int
		want float64
	}{
		{0, 0},
		{1, 0},
		{2, 1},
		{256, 2*(math.Log(255)+eulerGamma) - 2*255.0/256.0},
	}
	for _, tt := range tests {
		if got := averagePathLength(tt.n); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("averagePathLength(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}
