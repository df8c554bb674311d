package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/montanaflynn/stats"
)

// Summary condenses a report into a few figures for logs, notifications and
// run history.
type Summary struct {
	Records     int
	Anomalies   int
	Untimed     int
	MeanSize    float64
	MedianSize  float64
	P99Size     float64
	MaxSize     int64
	AnomalyMean float64
	First       time.Time
	Last        time.Time
}

// Summarize computes the response-size statistics of the report.
func (r *Report) Summarize() (Summary, error) {
	s := Summary{
		Records:   r.Total,
		Anomalies: r.AnomalyCount(),
		Untimed:   r.Untimed,
	}

	if len(r.Series) > 0 {
		s.First = r.Series[0].Time
		s.Last = r.Series[len(r.Series)-1].Time
	}

	sizes := make(stats.Float64Data, 0, len(r.Series))
	for _, p := range r.Series {
		sizes = append(sizes, float64(p.ResponseSize))
		s.MaxSize = max(s.MaxSize, p.ResponseSize)
	}
	if len(sizes) > 0 {
		var err error
		if s.MeanSize, err = sizes.Mean(); err != nil {
			return Summary{}, fmt.Errorf("failed to compute mean size: %w", err)
		}
		if s.MedianSize, err = sizes.Median(); err != nil {
			return Summary{}, fmt.Errorf("failed to compute median size: %w", err)
		}
		if s.P99Size, err = sizes.Percentile(99); err != nil {
			return Summary{}, fmt.Errorf("failed to compute p99 size: %w", err)
		}
	}

	anomalySizes := make(stats.Float64Data, 0, len(r.AnomalousRecords))
	for _, rec := range r.AnomalousRecords {
		anomalySizes = append(anomalySizes, float64(rec.ResponseSize))
	}
	if len(anomalySizes) > 0 {
		mean, err := anomalySizes.Mean()
		if err != nil {
			return Summary{}, fmt.Errorf("failed to compute anomaly mean size: %w", err)
		}
		s.AnomalyMean = mean
	}

	return s, nil
}

// AnomalyRate returns the flagged fraction of records.
func (s Summary) AnomalyRate() float64 {
	if s.Records == 0 {
		return 0
	}
	return float64(s.Anomalies) / float64(s.Records)
}

// String renders the summary as a short human-readable block.
func (s Summary) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Records: %s, anomalies: %s (%.2f%%)\n",
		humanize.Comma(int64(s.Records)), humanize.Comma(int64(s.Anomalies)), s.AnomalyRate()*100)
	if !s.First.IsZero() {
		fmt.Fprintf(&sb, "Period: %s - %s\n", s.First.Format(time.RFC3339), s.Last.Format(time.RFC3339))
	}
	fmt.Fprintf(&sb, "Response size: mean %s, median %s, p99 %s, max %s\n",
		humanize.Bytes(uint64(s.MeanSize)), humanize.Bytes(uint64(s.MedianSize)),
		humanize.Bytes(uint64(s.P99Size)), humanize.Bytes(uint64(max(s.MaxSize, 0))))
	if s.Anomalies > 0 {
		fmt.Fprintf(&sb, "Anomalous response size: mean %s\n", humanize.Bytes(uint64(s.AnomalyMean)))
	}
	if s.Untimed > 0 {
		fmt.Fprintf(&sb, "Records without timestamp: %s\n", humanize.Comma(int64(s.Untimed)))
	}
	return sb.String()
}
