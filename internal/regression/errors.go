package regression

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientData is returned when a fit has fewer than two usable points.
	ErrInsufficientData = errors.New("insufficient data points")
	// ErrDegenerate is returned when the least-squares system has no unique solution.
	ErrDegenerate = errors.New("degenerate system")
	// ErrNonFinite is returned when an input value is NaN or infinite.
	ErrNonFinite = errors.New("non-finite value")
)

// ValidationError reports input rejected before any computation happened.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// FitError reports a family that could not be fitted, including its fallback.
type FitError struct {
	Kind Kind
	Err  error
}

func (e *FitError) Error() string {
	return fmt.Sprintf("fit %s: %v", e.Kind, e.Err)
}

func (e *FitError) Unwrap() error {
	return e.Err
}
