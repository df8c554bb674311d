package errors

import (
	stderrors "errors"
	"fmt"
)

// Sentinel errors of the detection pipeline. Match them with errors.Is.
var (
	// ErrSourceUnavailable means the record source could not be opened or reached.
	ErrSourceUnavailable = stderrors.New("source unavailable")

	// ErrUnsupportedSourceType means the source type selector is not recognized.
	ErrUnsupportedSourceType = stderrors.New("unsupported source type")

	// ErrFieldConversion means a document field could not be converted to its
	// numeric type. It only ever affects a single record.
	ErrFieldConversion = stderrors.New("field conversion error")

	// ErrInsufficientData means no feature vectors reached the scorer.
	ErrInsufficientData = stderrors.New("insufficient data")

	// ErrInvalidParameter means a scorer parameter is out of range.
	ErrInvalidParameter = stderrors.New("invalid parameter")
)

// Pipeline stage names used in StageError.
const (
	StageConfig   = "config"
	StageSource   = "source"
	StageParse    = "parse"
	StageFeatures = "features"
	StageScore    = "score"
	StageReport   = "report"
)

// StageError attaches the failing pipeline stage to a fatal error.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// InStage wraps err with the stage it happened in. A nil err stays nil and an
// error that already carries a stage is returned unchanged.
func InStage(stage string, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if stderrors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf returns the stage recorded in err, or "" if there is none.
func StageOf(err error) string {
	var se *StageError
	if stderrors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// FieldError describes a single field that failed conversion.
type FieldError struct {
	Field string
	Value string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: cannot convert %q: %v", e.Field, e.Value, e.Err)
}

// Is reports FieldError as ErrFieldConversion.
func (e *FieldError) Is(target error) bool {
	return target == ErrFieldConversion
}

func (e *FieldError) Unwrap() error {
	return e.Err
}
