// Package errs defines the error taxonomy shared by every roomcrypt
// component. Each kind is a sentinel; concrete errors wrap a kind with %w
// so callers match with errors.Is.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation covers malformed keys, signatures and payloads.
	ErrValidation = errors.New("validation error")
	// ErrConflict covers duplicate identities, already-used key ids and
	// stale etags/versions.
	ErrConflict = errors.New("conflict")
	// ErrNotFound covers unknown sessions, versions and keys.
	ErrNotFound = errors.New("not found")
	// ErrCryptoFailure covers MAC/AEAD mismatches and ratchet boundary
	// violations. Never retried with the same inputs.
	ErrCryptoFailure = errors.New("crypto failure")
	// ErrExhausted signals an empty one-time key pool; callers fall back
	// to the device fallback key.
	ErrExhausted = errors.New("exhausted")
	// ErrPersistence wraps opaque store failures. Retryable by the caller;
	// in-memory ratchet state stays unadvanced until a retry commits.
	ErrPersistence = errors.New("persistence error")
)

func Validation(format string, args ...any) error {
	return wrap(ErrValidation, format, args...)
}

func Conflict(format string, args ...any) error {
	return wrap(ErrConflict, format, args...)
}

func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

func CryptoFailure(format string, args ...any) error {
	return wrap(ErrCryptoFailure, format, args...)
}

func Exhausted(format string, args ...any) error {
	return wrap(ErrExhausted, format, args...)
}

// Persistence wraps a store error. The cause is kept in the message only;
// the kind is what callers branch on.
func Persistence(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
