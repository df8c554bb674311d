package accesslog

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	internalerrors "github.com/olegiv/accesslog-anomaly-go/internal/errors"
)

// SizePlaceholder is the response-size token written when no body was sent.
const SizePlaceholder = "-"

// linePattern matches the common/combined access-log prefix:
//
//	<client> - - [<timestamp>] "<request>" <status> <size>
//
// Anything after the size token (referrer, user agent) is ignored.
var linePattern = regexp.MustCompile(`^(\S+) - - \[([^\]]+)\] "([^"]+)" (\d{3}) (\d+|-)(?:\s|$)`)

// ParseLine parses one access-log line. It returns false when the line does
// not have the access-log shape; such lines are meant to be skipped, not reported.
func ParseLine(seq int, line string) (Record, bool) {
	line = strings.TrimRight(line, "\r\n")

	m := linePattern.FindStringSubmatch(line)
	if m == nil {
		return Record{}, false
	}

	status, err := strconv.Atoi(m[4])
	if err != nil {
		return Record{}, false
	}

	var size int64
	if m[5] != SizePlaceholder {
		size, err = strconv.ParseInt(m[5], 10, 64)
		if err != nil {
			// Digits that overflow int64 are not a usable size
			return Record{}, false
		}
	}

	return Record{
		Seq:           seq,
		ClientAddress: m[1],
		RawTimestamp:  m[2],
		RequestLine:   m[3],
		StatusCode:    status,
		ResponseSize:  size,
	}, true
}

// FromDocument builds a record from a search-store document. Missing string
// fields stay empty, a missing status becomes 0 and a missing size becomes 0.
// A status or size that is present but not an integer yields an error matching
// internalerrors.ErrFieldConversion.
func FromDocument(seq int, doc Document) (Record, error) {
	rec := Record{
		Seq:           seq,
		ClientAddress: doc.IP,
		RawTimestamp:  doc.Timestamp,
		RequestLine:   doc.Request,
	}

	if doc.Status != "" {
		status, err := parseInteger("status", doc.Status)
		if err != nil {
			return Record{}, err
		}
		rec.StatusCode = int(status)
	}

	if doc.Size != "" {
		size, err := parseInteger("size", doc.Size)
		if err != nil {
			return Record{}, err
		}
		if size < 0 {
			return Record{}, &internalerrors.FieldError{Field: "size", Value: doc.Size, Err: fmt.Errorf("negative size")}
		}
		rec.ResponseSize = size
	}

	return rec, nil
}

// Parse dispatches on the raw item kind. ok is false for text lines that do not
// match the access-log shape; err is set for documents with unconvertible fields.
func Parse(seq int, raw Raw) (rec Record, ok bool, err error) {
	if raw.Doc != nil {
		rec, err = FromDocument(seq, *raw.Doc)
		if err != nil {
			return Record{}, false, err
		}
		return rec, true, nil
	}
	rec, ok = ParseLine(seq, raw.Line)
	return rec, ok, nil
}

// parseInteger accepts integer text and integral JSON numbers such as "512.0" or "5.12e2".
func parseInteger(field, value string) (int64, error) {
	v := strings.TrimSpace(value)
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n, nil
	}

	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, &internalerrors.FieldError{Field: field, Value: value, Err: err}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > math.MaxInt64 {
		return 0, &internalerrors.FieldError{Field: field, Value: value, Err: fmt.Errorf("not an integer")}
	}
	return int64(f), nil
}
