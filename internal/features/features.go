// Package features derives the numeric feature vectors scored by the detector.
package features

import (
	"github.com/olegiv/accesslog-anomaly-go/internal/accesslog"
)

// Feature column indexes in a Matrix row.
const (
	ColHourOfDay = iota
	ColResponseSize
	NumFeatures
)

// Vector is the feature representation of one record.
type Vector struct {
	// Seq is the sequence number of the originating record.
	Seq int
	// HourOfDay is 0-23 in the record's own UTC offset, and 0 when the
	// timestamp is absent or unparsable.
	HourOfDay int
	// ResponseSize is copied from the record.
	ResponseSize int64
	// HasTimestamp is false when HourOfDay was defaulted. It is not part of
	// the scored matrix.
	HasTimestamp bool
}

// Row returns the vector as a matrix row.
func (v Vector) Row() []float64 {
	return []float64{float64(v.HourOfDay), float64(v.ResponseSize)}
}

// Stats counts extractor outcomes.
type Stats struct {
	Extracted           int
	TimestampsDefaulted int
}

// Extractor turns records into vectors and counts defaulted timestamps.
// It is not safe for concurrent use.
type Extractor struct {
	stats Stats
}

// NewExtractor creates an extractor with zeroed counters.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract derives the vector of rec.
func (e *Extractor) Extract(rec accesslog.Record) Vector {
	v := Vector{
		Seq:          rec.Seq,
		ResponseSize: rec.ResponseSize,
	}

	if t, ok := rec.Time(); ok {
		v.HourOfDay = t.Hour()
		v.HasTimestamp = true
	} else {
		e.stats.TimestampsDefaulted++
	}

	e.stats.Extracted++
	return v
}

// ExtractAll derives one vector per record, in record order.
func (e *Extractor) ExtractAll(records []accesslog.Record) []Vector {
	vectors := make([]Vector, len(records))
	for i, rec := range records {
		vectors[i] = e.Extract(rec)
	}
	return vectors
}

// Stats returns the counters accumulated so far.
func (e *Extractor) Stats() Stats {
	return e.stats
}

// Matrix returns the vectors as a dense row-major feature matrix.
func Matrix(vectors []Vector) [][]float64 {
	m := make([][]float64, len(vectors))
	for i, v := range vectors {
		m[i] = v.Row()
	}
	return m
}
