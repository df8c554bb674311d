package features

import (
	"testing"

	"github.com/olegiv/accesslog-anomaly-go/internal/accesslog"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name         string
		timestamp    string
		size         int64
		wantHour     int
		wantHasTime  bool
		wantDefaults int
	}{
		{"utc timestamp", "10/Oct/2023:13:55:36 +0000", 512, 13, true, 0},
		{"hour in own offset", "10/Oct/2023:23:10:00 -0500", 0, 23, true, 0},
		{"midnight", "10/Oct/2023:00:00:01 +0200", 10, 0, true, 0},
		{"absent timestamp", "", 42, 0, false, 1},
		{"unparsable timestamp", "2023-10-10T13:55:36Z", 42, 0, false, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewExtractor()
			v := e.Extract(accesslog.Record{Seq: 7, RawTimestamp: tt.timestamp, ResponseSize: tt.size})

			if v.Seq != 7 {
				t.Errorf("Seq = %d, want 7", v.Seq)
			}
			if v.HourOfDay != tt.wantHour {
				t.Errorf("HourOfDay = %d, want %d", v.HourOfDay, tt.wantHour)
			}
			if v.HasTimestamp != tt.wantHasTime {
				t.Errorf("HasTimestamp = %v, want %v", v.HasTimestamp, tt.wantHasTime)
			}
			if v.ResponseSize != tt.size {
				t.Errorf("ResponseSize = %d, want %d", v.ResponseSize, tt.size)
			}
			if got := e.Stats().TimestampsDefaulted; got != tt.wantDefaults {
				t.Errorf("TimestampsDefaulted = %d, want %d", got, tt.wantDefaults)
			}
		})
	}
}

func TestExtractAllKeepsOrder(t *testing.T) {
	records := []accesslog.Record{
		{Seq: 0, RawTimestamp: "10/Oct/2023:01:00:00 +0000", ResponseSize: 1},
		{Seq: 3, RawTimestamp: "bad", ResponseSize: 2},
		{Seq: 5, RawTimestamp: "10/Oct/2023:05:00:00 +0000", ResponseSize: 3},
	}

	e := NewExtractor()
	vectors := e.ExtractAll(records)

	if len(vectors) != len(records) {
		t.Fatalf("got %d vectors, want %d", len(vectors), len(records))
	}
	for i := range records {
		if vectors[i].Seq != records[i].Seq || vectors[i].ResponseSize != records[i].ResponseSize {
			t.Errorf("vectors[%d] = %+v does not correspond to record %+v", i, vectors[i], records[i])
		}
	}

	stats := e.Stats()
	if stats.Extracted != 3 || stats.TimestampsDefaulted != 1 {
		t.Errorf("Stats() = %+v, want 3 extracted and 1 defaulted", stats)
	}
}

func TestMatrix(t *testing.T) {
	m := Matrix([]Vector{{HourOfDay: 13, ResponseSize: 512}, {HourOfDay: 0, ResponseSize: 0}})

	if len(m) != 2 || len(m[0]) != NumFeatures {
		t.Fatalf("Matrix shape = %dx%d", len(m), len(m[0]))
	}
	if m[0][ColHourOfDay] != 13 || m[0][ColResponseSize] != 512 {
		t.Errorf("row 0 = %v, want [13 512]", m[0])
	}
}
