// Package accesslog models web-server access-log records and parses them from
// raw text lines or search-store documents.
package accesslog

import (
	"fmt"
	"time"
)

// TimestampLayout is the access-log timestamp shape, e.g. 10/Oct/2023:13:55:36 +0000.
const TimestampLayout = "02/Jan/2006:15:04:05 -0700"

// Record is one observed HTTP access event. Records are created once by the
// parser and never modified afterwards.
type Record struct {
	// Seq is the zero-based position of the raw record in the source. It is
	// carried through features and verdicts so they can be joined back.
	Seq           int
	ClientAddress string
	// RawTimestamp is the timestamp text as found in the input.
	RawTimestamp string
	RequestLine  string
	StatusCode   int
	ResponseSize int64
}

// Time parses RawTimestamp. The boolean is false when the timestamp is absent
// or does not match TimestampLayout.
func (r Record) Time() (time.Time, bool) {
	return ParseTimestamp(r.RawTimestamp)
}

// String renders the record in access-log field order.
func (r Record) String() string {
	return fmt.Sprintf("%s [%s] %q %d %d", r.ClientAddress, r.RawTimestamp, r.RequestLine, r.StatusCode, r.ResponseSize)
}

// ParseTimestamp parses an access-log timestamp, keeping its UTC offset.
func ParseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Document is a search-store hit reduced to the five access-log fields.
// Non-string JSON values are kept in their JSON text form; a missing field
// is the empty string.
type Document struct {
	ID        string
	IP        string
	Timestamp string
	Request   string
	Status    string
	Size      string
}

// Raw is one unparsed input item: a text line in file mode or a document in
// search-store mode. Exactly one of Line and Doc is meaningful.
type Raw struct {
	Line string
	Doc  *Document
}
