package relay

import "github.com/pkg/errors"

// Error taxonomy of the exposed operations. Callers match with errors.Is.
var (
	// ErrValidation marks malformed input: payloads, ids, cursors, limits or TTLs.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a conversation or message that does not exist or was deleted.
	ErrNotFound = errors.New("not found")
	// ErrExpired marks a conversation whose TTL elapsed.
	ErrExpired = errors.New("conversation expired")
	// ErrForbidden marks an operation the device may not perform.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict marks an idempotency key reused with a different payload.
	ErrConflict = errors.New("idempotency key reused with a different payload")
	// ErrPayloadTooLarge marks a ciphertext, nonce or tag above the configured limits.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrUnavailable marks a store that stayed unavailable after bounded retries.
	ErrUnavailable = errors.New("store unavailable")
)

func validation(format string, args ...interface{}) error {
	return errors.Wrapf(ErrValidation, format, args...)
}
