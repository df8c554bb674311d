// Package report partitions scored records into normal and anomalous series
// and renders them as text and as a chart.
package report

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/olegiv/accesslog-anomaly-go/internal/accesslog"
	"github.com/olegiv/accesslog-anomaly-go/internal/detector"
)

// Point is one record placed on the time axis.
type Point struct {
	Seq          int
	Time         time.Time
	ResponseSize int64
	Anomalous    bool
	Score        float64
}

// Report holds the partitioned view of one run. It never aliases the input slices.
type Report struct {
	// Series holds every record with a usable timestamp, ordered by time.
	// Records with equal timestamps keep their ingestion order.
	Series []Point
	// Anomalies is the anomalous subset of Series, in the same order.
	Anomalies []Point
	// AnomalousRecords lists the anomalous records in ingestion order.
	AnomalousRecords []accesslog.Record
	// Scores holds the score of each anomalous record, parallel to AnomalousRecords.
	Scores []float64
	// Total is the number of scored records.
	Total int
	// Untimed counts records left out of Series for lack of a timestamp.
	Untimed int
}

// Build joins records with their verdicts. Both slices must have the same
// length and matching sequence numbers at every position.
func Build(records []accesslog.Record, verdicts []detector.Verdict) (*Report, error) {
	if len(records) != len(verdicts) {
		return nil, fmt.Errorf("got %d verdicts for %d records", len(verdicts), len(records))
	}

	r := &Report{
		Series: make([]Point, 0, len(records)),
		Total:  len(records),
	}

	for i, rec := range records {
		v := verdicts[i]
		if v.Seq != rec.Seq {
			return nil, fmt.Errorf("verdict %d has sequence %d, record has %d", i, v.Seq, rec.Seq)
		}

		if v.IsAnomalous {
			r.AnomalousRecords = append(r.AnomalousRecords, rec)
			r.Scores = append(r.Scores, v.Score)
		}

		t, ok := rec.Time()
		if !ok {
			r.Untimed++
			continue
		}
		r.Series = append(r.Series, Point{
			Seq:          rec.Seq,
			Time:         t,
			ResponseSize: rec.ResponseSize,
			Anomalous:    v.IsAnomalous,
			Score:        v.Score,
		})
	}

	slices.SortStableFunc(r.Series, func(a, b Point) int {
		return a.Time.Compare(b.Time)
	})

	for _, p := range r.Series {
		if p.Anomalous {
			r.Anomalies = append(r.Anomalies, p)
		}
	}

	return r, nil
}

// AnomalyCount returns the number of anomalous records.
func (r *Report) AnomalyCount() int {
	return len(r.AnomalousRecords)
}

// Listing renders the anomalous records, one per line, in ingestion order.
func (r *Report) Listing() string {
	var sb strings.Builder
	_ = r.WriteListing(&sb)
	return sb.String()
}

// WriteListing writes Listing to w.
func (r *Report) WriteListing(w io.Writer) error {
	for _, rec := range r.AnomalousRecords {
		if _, err := fmt.Fprintln(w, rec.String()); err != nil {
			return err
		}
	}
	return nil
}

// TopAnomalies returns up to n anomalous records ordered by descending score.
func (r *Report) TopAnomalies(n int) []accesslog.Record {
	idx := make([]int, len(r.AnomalousRecords))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return cmp.Compare(r.Scores[b], r.Scores[a])
	})

	n = max(0, min(n, len(idx)))
	top := make([]accesslog.Record, n)
	for i := range top {
		top[i] = r.AnomalousRecords[idx[i]]
	}
	return top
}
