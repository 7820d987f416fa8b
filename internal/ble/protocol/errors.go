package protocol

import (
	"errors"
	"fmt"
)

// DecodeError kinds. Every codec failure is one of these; the codec never
// panics on malformed input.
var (
	// ErrTooShort means the buffer is smaller than the type-specific minimum.
	ErrTooShort = errors.New("buffer too short")
	// ErrInvalidDiscriminant means the leading type byte matches no known device.
	ErrInvalidDiscriminant = errors.New("unknown device type discriminant")
	// ErrInvalidArgument means an encode operand is outside its allowed domain.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrIgnored marks manufacturer data from a non-Aranet vendor. Callers
	// filtering advertisements skip these rather than reporting a failure.
	ErrIgnored = errors.New("not an Aranet advertisement")
)

// DecodeError carries the failure kind plus size context for short buffers.
type DecodeError struct {
	Kind     error
	What     string
	Expected int
	Actual   int
}

func (e *DecodeError) Error() string {
	if errors.Is(e.Kind, ErrTooShort) {
		return fmt.Sprintf("%s: %v: need %d bytes, got %d", e.What, e.Kind, e.Expected, e.Actual)
	}
	return fmt.Sprintf("%s: %v", e.What, e.Kind)
}

func (e *DecodeError) Unwrap() error { return e.Kind }

func tooShort(what string, expected, actual int) *DecodeError {
	return &DecodeError{Kind: ErrTooShort, What: what, Expected: expected, Actual: actual}
}
