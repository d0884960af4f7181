package store

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every engine component. Callers match them with
// errors.Is; none of them is retried inside the engine.
var (
	// ErrValidation marks out-of-range scores, bad enums and missing references.
	ErrValidation = errors.New("validation error")

	// ErrConflict marks uniqueness violations and illegal repeated transitions.
	ErrConflict = errors.New("conflict")

	// ErrQuotaExceeded is returned when a memory bank write cannot fit.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrMissingRollbackPlan is returned when an improvement action would
	// start implementing without a rollback plan.
	ErrMissingRollbackPlan = errors.New("missing rollback plan")

	// ErrNotFound is returned for unknown ids, banks and keys.
	ErrNotFound = errors.New("not found")

	// ErrDimensionMismatch is returned when an embedding has the wrong length.
	ErrDimensionMismatch = errors.New("dimension mismatch")
)

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Conflictf wraps ErrConflict with a formatted message.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// QuotaExceededf wraps ErrQuotaExceeded with a formatted message.
func QuotaExceededf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrQuotaExceeded, fmt.Sprintf(format, args...))
}

// DimensionMismatch builds an ErrDimensionMismatch for the given lengths.
func DimensionMismatch(want, got int) error {
	return fmt.Errorf("%w: expected %d dimensions, got %d", ErrDimensionMismatch, want, got)
}

// CheckUnit validates that v lies in [0, 1].
func CheckUnit(field string, v float64) error {
	if v < 0 || v > 1 || v != v {
		return Validationf("%s must be within [0, 1], got %v", field, v)
	}
	return nil
}

// CheckRange validates that v lies in [lo, hi].
func CheckRange(field string, v, lo, hi float64) error {
	if v < lo || v > hi || v != v {
		return Validationf("%s must be within [%v, %v], got %v", field, lo, hi, v)
	}
	return nil
}
