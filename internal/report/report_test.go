package report

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/olegiv/accesslog-anomaly-go/internal/accesslog"
	"github.com/olegiv/accesslog-anomaly-go/internal/detector"
)

func sampleRun() ([]accesslog.Record, []detector.Verdict) {
	records := []accesslog.Record{
		{Seq: 0, ClientAddress: "10.0.0.1", RawTimestamp: "10/Oct/2023:13:55:36 +0000", RequestLine: "GET / HTTP/1.1", StatusCode: 200, ResponseSize: 512},
		{Seq: 2, ClientAddress: "10.0.0.2", RawTimestamp: "10/Oct/2023:12:00:00 +0000", RequestLine: "GET /big.iso HTTP/1.1", StatusCode: 200, ResponseSize: 4_000_000},
		{Seq: 3, ClientAddress: "10.0.0.3", RawTimestamp: "", RequestLine: "GET /x HTTP/1.1", StatusCode: 404, ResponseSize: 0},
		{Seq: 4, ClientAddress: "10.0.0.4", RawTimestamp: "10/Oct/2023:12:00:00 +0000", RequestLine: "GET /a HTTP/1.1", StatusCode: 200, ResponseSize: 300},
		{Seq: 5, ClientAddress: "10.0.0.5", RawTimestamp: "10/Oct/2023:15:00:00 +0200", RequestLine: "POST /upload HTTP/1.1", StatusCode: 500, ResponseSize: 9_000_000},
	}
	verdicts := []detector.Verdict{
		{Seq: 0, Score: 0.4},
		{Seq: 2, IsAnomalous: true, Score: 0.7},
		{Seq: 3, IsAnomalous: true, Score: 0.6},
		{Seq: 4, Score: 0.3},
		{Seq: 5, IsAnomalous: true, Score: 0.8},
	}
	return records, verdicts
}

func TestBuild(t *testing.T) {
	records, verdicts := sampleRun()

	r, err := Build(records, verdicts)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	if r.Total != 5 || r.Untimed != 1 {
		t.Errorf("Total = %d, Untimed = %d, want 5 and 1", r.Total, r.Untimed)
	}

	// 15:00+0200 is 13:00 UTC, so it sorts before 13:55 UTC
	wantSeries := []int{2, 4, 5, 0}
	if len(r.Series) != len(wantSeries) {
		t.Fatalf("Series has %d points, want %d", len(r.Series), len(wantSeries))
	}
	for i, seq := range wantSeries {
		if r.Series[i].Seq != seq {
			t.Errorf("Series[%d].Seq = %d, want %d", i, r.Series[i].Seq, seq)
		}
	}

	if len(r.Anomalies) != 2 || r.Anomalies[0].Seq != 2 || r.Anomalies[1].Seq != 5 {
		t.Errorf("Anomalies = %+v, want seq 2 then 5", r.Anomalies)
	}

	// Ingestion order, untimed record included
	var listed []int
	for _, rec := range r.AnomalousRecords {
		listed = append(listed, rec.Seq)
	}
	if len(listed) != 3 || listed[0] != 2 || listed[1] != 3 || listed[2] != 5 {
		t.Errorf("AnomalousRecords seqs = %v, want [2 3 5]", listed)
	}
	if r.AnomalyCount() != 3 {
		t.Errorf("AnomalyCount() = %d, want 3", r.AnomalyCount())
	}
}

func TestBuildDoesNotMutateInput(t *testing.T) {
	records, verdicts := sampleRun()
	before := append([]accesslog.Record(nil), records...)

	if _, err := Build(records, verdicts); err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	for i := range records {
		if records[i] != before[i] {
			t.Errorf("records[%d] changed: %+v", i, records[i])
		}
	}
}

func TestBuildRejectsMismatch(t *testing.T) {
	records, verdicts := sampleRun()

	if _, err := Build(records, verdicts[:4]); err == nil {
		t.Error("Build() with fewer verdicts should fail")
	}

	verdicts[1].Seq = 99
	if _, err := Build(records, verdicts); err == nil {
		t.Error("Build() with mismatched sequence numbers should fail")
	}
}

func TestListing(t *testing.T) {
	records, verdicts := sampleRun()
	r, err := Build(records, verdicts)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(r.Listing()), "\n")
	if len(lines) != 3 {
		t.Fatalf("Listing() has %d lines, want 3:\n%s", len(lines), r.Listing())
	}
	want := `10.0.0.2 [10/Oct/2023:12:00:00 +0000] "GET /big.iso HTTP/1.1" 200 4000000`
	if lines[0] != want {
		t.Errorf("lines[0] = %q, want %q", lines[0], want)
	}

	var buf bytes.Buffer
	if err := r.WriteListing(&buf); err != nil {
		t.Fatalf("WriteListing() error: %v", err)
	}
	if buf.String() != r.Listing() {
		t.Error("WriteListing() and Listing() differ")
	}
}

func TestTopAnomalies(t *testing.T) {
	records, verdicts := sampleRun()
	r, err := Build(records, verdicts)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	top := r.TopAnomalies(2)
	if len(top) != 2 || top[0].Seq != 5 || top[1].Seq != 2 {
		t.Errorf("TopAnomalies(2) = %+v", top)
	}
	if got := r.TopAnomalies(10); len(got) != 3 {
		t.Errorf("TopAnomalies(10) returned %d records, want 3", len(got))
	}
	for _, n := range []int{0, -1} {
		if got := r.TopAnomalies(n); len(got) != 0 {
			t.Errorf("TopAnomalies(%d) returned %d records, want 0", n, len(got))
		}
	}
}

func TestSummarize(t *testing.T) {
	records, verdicts := sampleRun()
	r, err := Build(records, verdicts)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	s, err := r.Summarize()
	if err != nil {
		t.Fatalf("Summarize() error: %v", err)
	}
	if s.Records != 5 || s.Anomalies != 3 || s.Untimed != 1 {
		t.Errorf("Summary counts = %+v", s)
	}
	if s.MaxSize != 9_000_000 {
		t.Errorf("MaxSize = %d", s.MaxSize)
	}
	if s.MedianSize != (512+4_000_000)/2.0 {
		t.Errorf("MedianSize = %v", s.MedianSize)
	}
	if s.First.After(s.Last) {
		t.Errorf("First %v after Last %v", s.First, s.Last)
	}

	text := s.String()
	for _, want := range []string{"Records: 5", "anomalies: 3", "60.00%", "9.0 MB", "Records without timestamp: 1"} {
		if !strings.Contains(text, want) {
			t.Errorf("String() missing %q:\n%s", want, text)
		}
	}
}

func TestSummarizeEmpty(t *testing.T) {
	s, err := (&Report{}).Summarize()
	if err != nil {
		t.Fatalf("Summarize() error: %v", err)
	}
	if s.AnomalyRate() != 0 {
		t.Errorf("AnomalyRate() = %v, want 0", s.AnomalyRate())
	}
}

func TestRenderChart(t *testing.T) {
	records, verdicts := sampleRun()
	r, err := Build(records, verdicts)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	path := filepath.Join(t.TempDir(), "out", "anomalies.png")
	if err := RenderChart(r, path, DefaultChartOptions()); err != nil {
		t.Fatalf("RenderChart() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("chart not written: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("\x89PNG")) {
		t.Error("chart is not a PNG")
	}
}

func TestRenderChartNothingToPlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anomalies.png")
	err := RenderChart(&Report{Untimed: 3}, path, ChartOptions{})
	if !errors.Is(err, ErrNothingToPlot) {
		t.Errorf("RenderChart() error = %v, want ErrNothingToPlot", err)
	}
}
