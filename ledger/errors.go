/*
errors.go - Error types for the point ledger

ERROR CATEGORIES:
  1. Write conflicts - idempotency and optimistic version checks
  2. Validation - malformed transactions rejected before storage
  3. Store errors - wrapped with context by each implementation

USAGE:
  if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
      // Already recorded, safe to ignore on retry
  }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateIdempotencyKey is returned when a transaction with the same
	// idempotency key already exists. This is expected behavior for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrConcurrentModification is returned when a user's stream changed
	// between the read and the append.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInvalidTransaction is returned for transactions that break the
	// ledger's structural invariants.
	ErrInvalidTransaction = errors.New("invalid transaction")

	// ErrTransactionFailed is returned when a transaction cannot be persisted.
	ErrTransactionFailed = errors.New("transaction failed")
)

// VersionConflictError carries the versions seen by an optimistic check.
type VersionConflictError struct {
	UserID   UserID
	Expected int
	Actual   int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("ledger for %s changed: expected version %d, found %d",
		e.UserID, e.Expected, e.Actual)
}

func (e *VersionConflictError) Unwrap() error {
	return ErrConcurrentModification
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
