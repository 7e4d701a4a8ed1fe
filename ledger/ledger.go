/*
ledger.go - Append-only point log with per-user read-check-append

PURPOSE:
  The Ledger is the source of truth for every point movement. Policies
  that must look at the balance before writing (redemption, expiry,
  earning at the current tier) go through Update, which makes the
  read-compute-append sequence behave like a single writer per user.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update of stored rows, no Delete. EVER.
  2. IDEMPOTENT: Same idempotency key = same transaction (no duplicates)
  3. SERIAL PER USER: Update holds the user's lock and appends with the
     version it read; a concurrent writer elsewhere (another process)
     surfaces as ErrConcurrentModification and the update is retried.

CORRECTIONS:
  Mistakes are never edited. An expired transaction compensates an
  earned/bonus entry; both remain in the stream.

EXAMPLE FLOW:
  1. Order paid: earned +120
  2. Reward redeemed: redeemed 100
  3. A year later: expired 120 (originalTransactionId = 1)

  Stream: [+120, -100, -120] = -100, reported as 0 with a deficit.
*/
package ledger

import (
	"context"
	"fmt"
	"sync"
)

// DefaultMaxAttempts bounds optimistic retries in Update.
const DefaultMaxAttempts = 3

// UpdateFunc computes the transactions to append from the user's current
// stream. Returning no transactions appends nothing. Returning an error
// aborts without side effects.
type UpdateFunc func(current []Transaction) ([]Transaction, error)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store       Store
	MaxAttempts int

	mu    sync.Mutex
	locks map[UserID]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func New(store Store) *Ledger {
	return &Ledger{
		Store:       store,
		MaxAttempts: DefaultMaxAttempts,
		locks:       make(map[UserID]*userLock),
	}
}

// Transactions returns the user's stream. Read-only.
func (l *Ledger) Transactions(ctx context.Context, userID UserID) ([]Transaction, error) {
	return l.Store.Load(ctx, userID)
}

// Append adds a single transaction without looking at the balance.
func (l *Ledger) Append(ctx context.Context, tx Transaction) error {
	if err := tx.Validate(); err != nil {
		return err
	}
	unlock := l.lock(tx.UserID)
	defer unlock()

	if err := l.checkKeys(ctx, []Transaction{tx}); err != nil {
		return err
	}
	return l.Store.Append(ctx, tx)
}

// Update runs fn against the user's current stream and appends what it
// returns, retrying when the stream moved underneath. It returns the
// transactions that were appended.
func (l *Ledger) Update(ctx context.Context, userID UserID, fn UpdateFunc) ([]Transaction, error) {
	unlock := l.lock(userID)
	defer unlock()

	attempts := l.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current, err := l.Store.Load(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("load ledger for %s: %w", userID, err)
		}

		out, err := fn(current)
		if err != nil {
			return nil, err
		}
		if len(out) == 0 {
			return nil, nil
		}

		for _, tx := range out {
			if tx.UserID != userID {
				return nil, fmt.Errorf("%w: transaction %s belongs to %s, not %s",
					ErrInvalidTransaction, tx.ID, tx.UserID, userID)
			}
			if err := tx.Validate(); err != nil {
				return nil, err
			}
		}
		if err := l.checkKeys(ctx, out); err != nil {
			return nil, err
		}

		err = l.Store.AppendBatch(ctx, userID, len(current), out)
		if err == nil {
			return out, nil
		}
		if !IsRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (l *Ledger) checkKeys(ctx context.Context, txs []Transaction) error {
	seen := make(map[string]bool, len(txs))
	for _, tx := range txs {
		if tx.IdempotencyKey == "" {
			continue
		}
		if seen[tx.IdempotencyKey] {
			return ErrDuplicateIdempotencyKey
		}
		seen[tx.IdempotencyKey] = true

		exists, err := l.Store.Exists(ctx, tx.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateIdempotencyKey
		}
	}
	return nil
}

// lock takes the per-user mutex; the entry is dropped once unused.
func (l *Ledger) lock(userID UserID) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[UserID]*userLock)
	}
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()
	return func() {
		ul.mu.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}
