// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/prayan/loyalty-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	transactions map[ledger.UserID][]ledger.Transaction
	idempotency  map[string]bool
}

func NewMemory() *Memory {
	return &Memory{
		transactions: make(map[ledger.UserID][]ledger.Transaction),
		idempotency:  make(map[string]bool),
	}
}

// Append adds a single transaction. Append-only.
func (m *Memory) Append(_ context.Context, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.IdempotencyKey != "" && m.idempotency[tx.IdempotencyKey] {
		return ledger.ErrDuplicateIdempotencyKey
	}
	m.appendLocked(tx)
	return nil
}

// AppendBatch adds multiple transactions atomically.
func (m *Memory) AppendBatch(_ context.Context, userID ledger.UserID, expectedVersion int, txs []ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if actual := len(m.transactions[userID]); expectedVersion != ledger.AnyVersion && actual != expectedVersion {
		return &ledger.VersionConflictError{UserID: userID, Expected: expectedVersion, Actual: actual}
	}

	// Check all idempotency keys first (atomic check)
	batch := make(map[string]bool, len(txs))
	for _, tx := range txs {
		if tx.IdempotencyKey == "" {
			continue
		}
		if m.idempotency[tx.IdempotencyKey] || batch[tx.IdempotencyKey] {
			return ledger.ErrDuplicateIdempotencyKey
		}
		batch[tx.IdempotencyKey] = true
	}

	for _, tx := range txs {
		m.appendLocked(tx)
	}
	return nil
}

func (m *Memory) appendLocked(tx ledger.Transaction) {
	m.transactions[tx.UserID] = append(m.transactions[tx.UserID], cloneTx(tx))
	if tx.IdempotencyKey != "" {
		m.idempotency[tx.IdempotencyKey] = true
	}
}

func (m *Memory) Load(_ context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ledger.Transaction, len(m.transactions[userID]))
	for i, tx := range m.transactions[userID] {
		result[i] = cloneTx(tx)
	}
	return result, nil
}

func (m *Memory) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[idempotencyKey], nil
}

// Users lists every user with at least one transaction.
func (m *Memory) Users(_ context.Context) ([]ledger.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]ledger.UserID, 0, len(m.transactions))
	for u := range m.transactions {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, nil
}

// cloneTx copies the mutable parts so callers cannot edit stored history.
func cloneTx(tx ledger.Transaction) ledger.Transaction {
	if tx.Metadata != nil {
		meta := make(map[string]string, len(tx.Metadata))
		for k, v := range tx.Metadata {
			meta[k] = v
		}
		tx.Metadata = meta
	}
	if tx.ExpiryDate != nil {
		exp := *tx.ExpiryDate
		tx.ExpiryDate = &exp
	}
	return tx
}
