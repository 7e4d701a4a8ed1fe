/*
store.go - Persistence interface for point transactions

APPEND-ONLY CONTRACT:
  - Append(): Single transaction write
  - AppendBatch(): Atomic multi-transaction write with a version check
  - NO Update() or Delete() methods exist

VERSIONING:
  A user's stream version is the number of transactions in it. Callers
  that computed appends from a stream of length N pass N as the expected
  version; the store rejects the batch if anything was appended since.
  Pass AnyVersion to skip the check.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for testing
  - store/sqlstore: SQLite / PostgreSQL
  - store/redisstore: Remote mirror
  - store/replicated: Remote-first with local fallback
*/
package ledger

import "context"

// AnyVersion disables the optimistic version check in AppendBatch.
const AnyVersion = -1

// Store handles persistence of point transactions.
// IMPORTANT: Store is APPEND-ONLY. Corrections are compensating entries.
type Store interface {
	// Append persists a transaction. Returns ErrDuplicateIdempotencyKey if
	// the key already exists.
	Append(ctx context.Context, tx Transaction) error

	// AppendBatch persists txs for one user atomically, provided the user's
	// stream still has expectedVersion entries.
	AppendBatch(ctx context.Context, userID UserID, expectedVersion int, txs []Transaction) error

	// Load returns every transaction for the user. Order is storage order;
	// callers must not rely on it.
	Load(ctx context.Context, userID UserID) ([]Transaction, error)

	// Exists checks if an idempotency key was already used.
	Exists(ctx context.Context, idempotencyKey string) (bool, error)
}

// UserLister is implemented by stores that can enumerate the users that
// have a stream. The expiry scheduler sweeps these.
type UserLister interface {
	Users(ctx context.Context) ([]UserID, error)
}
