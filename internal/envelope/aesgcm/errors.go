package aesgcm

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidEncryptionParameter is matched by every *ParameterError. These
	// are protocol or programming errors and must not be retried.
	ErrInvalidEncryptionParameter = errors.New("invalid encryption parameter")

	// ErrAuthenticationFailed is returned when the GCM tag does not verify. It
	// means the key or IV does not match, or the data was tampered with.
	ErrAuthenticationFailed = errors.New("authentication failed: key/IV mismatch or tampered data")
)

// ParameterError reports which decrypt input was malformed.
type ParameterError struct {
	Field  string
	Reason string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("%s %q: %s", ErrInvalidEncryptionParameter, e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrInvalidEncryptionParameter) true.
func (e *ParameterError) Is(target error) bool {
	return target == ErrInvalidEncryptionParameter
}
