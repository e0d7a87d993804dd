package booking

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("booking: not found")
	ErrInvalidInput = errors.New("booking: invalid input")
	// ErrConflict is returned when a conditional status change matched no row.
	ErrConflict = errors.New("booking: status conflict")
)

// invalid wraps ErrInvalidInput with the offending field.
func invalid(field, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidInput, field, fmt.Sprintf(format, args...))
}
