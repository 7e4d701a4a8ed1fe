/*
Package replicated combines a remote ledger store with a local one.

PURPOSE:
  The remote store (Redis) is the system of record while it answers.
  Every successful remote write is mirrored to the local store (SQL).
  When the remote fails, writes land locally and are queued; reads
  are served locally until the queue has been replayed.

MODES:
  - Online:   pending queue empty, remote answers. Reads and writes go
              to the remote, writes are mirrored locally.
  - Degraded: remote failed or the queue could not be drained. Reads
              and writes go to the local store only.

  Every call first tries to drain the queue, so the store returns to
  online on its own once the remote recovers.

OUTBOX:
  The queue is kept in an Outbox (the SQL store in production), so
  batches written during an outage survive a restart. Entries hold
  transaction IDs only; the transactions are read back from the local
  store at replay. Replay skips transactions the remote already has,
  so a crash between replaying an entry and acknowledging it does not
  append twice. Restore reloads the outbox; the first call that needs
  the remote does it too.

ERRORS:
  Answers from a reachable remote (version conflict, duplicate key,
  invalid transaction) are returned as-is. Anything else is treated
  as the remote being unavailable.

SEE ALSO:
  - store/redisstore: Remote implementation
  - store/sqlstore:   Local implementation
*/
package replicated

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/prayan/loyalty-engine/ledger"
)

var (
	_ ledger.Store      = (*Store)(nil)
	_ ledger.UserLister = (*Store)(nil)
)

// Entry is one locally written batch waiting for the remote.
type Entry struct {
	ID        string
	UserID    ledger.UserID
	TxIDs     []ledger.TransactionID
	CreatedAt time.Time
}

// Outbox persists the replay queue.
type Outbox interface {
	// Enqueue stores e after every entry already queued.
	Enqueue(ctx context.Context, e Entry) error
	// Pending returns the queued entries, oldest first.
	Pending(ctx context.Context) ([]Entry, error)
	// Ack removes a replayed entry. Unknown IDs are ignored.
	Ack(ctx context.Context, id string) error
}

// Store is a ledger.Store that prefers Remote and falls back to Local.
type Store struct {
	Remote ledger.Store
	Local  ledger.Store
	Outbox Outbox

	mu       sync.Mutex
	pending  []Entry
	restored bool
}

// New builds the store. A nil outbox keeps the queue in memory only.
func New(remote, local ledger.Store, outbox Outbox) *Store {
	if outbox == nil {
		outbox = NewMemoryOutbox()
	}
	return &Store{Remote: remote, Local: local, Outbox: outbox}
}

// Restore loads entries left in the outbox by a previous process.
func (s *Store) Restore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restoreLocked(ctx)
}

func (s *Store) restoreLocked(ctx context.Context) error {
	if s.restored {
		return nil
	}
	entries, err := s.Outbox.Pending(ctx)
	if err != nil {
		return fmt.Errorf("load ledger outbox: %w", err)
	}
	queued := make(map[string]bool, len(s.pending))
	for _, e := range s.pending {
		queued[e.ID] = true
	}
	restored := make([]Entry, 0, len(entries)+len(s.pending))
	for _, e := range entries {
		if !queued[e.ID] {
			restored = append(restored, e)
		}
	}
	s.pending = append(restored, s.pending...)
	s.restored = true
	if len(entries) > 0 {
		log.Info().Int("batches", len(entries)).Msg("restored queued ledger batches")
	}
	return nil
}

// SyncPending returns the number of transactions waiting for the remote.
func (s *Store) SyncPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.pending {
		n += len(e.TxIDs)
	}
	return n
}

// Resync replays queued batches to the remote in order. It stops at the
// first failure and leaves the rest queued.
func (s *Store) Resync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.restoreLocked(ctx); err != nil {
		return err
	}
	return s.drainLocked(ctx)
}

func (s *Store) drainLocked(ctx context.Context) error {
	for len(s.pending) > 0 {
		e := s.pending[0]
		sent, err := s.replay(ctx, e)
		if err != nil {
			return err
		}
		if err := s.Outbox.Ack(ctx, e.ID); err != nil {
			return fmt.Errorf("ack ledger outbox entry %s: %w", e.ID, err)
		}
		s.pending = s.pending[1:]
		log.Info().
			Str("user_id", string(e.UserID)).
			Int("transactions", sent).
			Msg("replayed queued ledger batch to remote")
	}
	s.pending = nil
	return nil
}

// replay sends the entry's transactions the remote does not have yet.
func (s *Store) replay(ctx context.Context, e Entry) (int, error) {
	remote, err := s.Remote.Load(ctx, e.UserID)
	if err != nil {
		return 0, err
	}
	have := make(map[ledger.TransactionID]bool, len(remote))
	for _, tx := range remote {
		have[tx.ID] = true
	}

	local, err := s.Local.Load(ctx, e.UserID)
	if err != nil {
		return 0, fmt.Errorf("load local stream %s: %w", e.UserID, err)
	}
	want := make(map[ledger.TransactionID]bool, len(e.TxIDs))
	for _, id := range e.TxIDs {
		want[id] = true
	}
	var txs []ledger.Transaction
	for _, tx := range local {
		if want[tx.ID] && !have[tx.ID] {
			txs = append(txs, tx)
		}
	}
	if len(txs) == 0 {
		return 0, nil
	}

	err = s.Remote.AppendBatch(ctx, e.UserID, ledger.AnyVersion, txs)
	if err != nil && !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		return 0, err
	}
	return len(txs), nil
}

// online drains the queue and reports whether the remote can be used.
func (s *Store) online(ctx context.Context) bool {
	if err := s.restoreLocked(ctx); err != nil {
		log.Warn().Err(err).Msg("ledger outbox unavailable")
		return false
	}
	if len(s.pending) == 0 {
		return true
	}
	if err := s.drainLocked(ctx); err != nil {
		log.Debug().Err(err).Int("batches", len(s.pending)).Msg("remote still unavailable")
		return false
	}
	return true
}

// =============================================================================
// WRITES
// =============================================================================

func (s *Store) Append(ctx context.Context, tx ledger.Transaction) error {
	return s.AppendBatch(ctx, tx.UserID, ledger.AnyVersion, []ledger.Transaction{tx})
}

func (s *Store) AppendBatch(ctx context.Context, userID ledger.UserID, expectedVersion int, txs []ledger.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.online(ctx) {
		err := s.Remote.AppendBatch(ctx, userID, expectedVersion, txs)
		if err == nil {
			s.mirror(ctx, userID, txs)
			return nil
		}
		if isAnswer(err) {
			return err
		}
		log.Warn().Err(err).Str("user_id", string(userID)).Msg("remote ledger write failed, writing locally")
	}

	if err := s.Local.AppendBatch(ctx, userID, expectedVersion, txs); err != nil {
		return err
	}
	s.enqueue(ctx, userID, txs)
	return nil
}

func (s *Store) enqueue(ctx context.Context, userID ledger.UserID, txs []ledger.Transaction) {
	e := Entry{
		ID:        uuid.NewString(),
		UserID:    userID,
		TxIDs:     make([]ledger.TransactionID, len(txs)),
		CreatedAt: time.Now().UTC(),
	}
	for i, tx := range txs {
		e.TxIDs[i] = tx.ID
	}
	// Still queued in memory if the outbox write fails; only a restart loses it.
	if err := s.Outbox.Enqueue(ctx, e); err != nil {
		log.Error().Err(err).Str("user_id", string(userID)).Msg("failed to persist queued ledger batch")
	}
	s.pending = append(s.pending, e)
}

func (s *Store) mirror(ctx context.Context, userID ledger.UserID, txs []ledger.Transaction) {
	err := s.Local.AppendBatch(ctx, userID, ledger.AnyVersion, txs)
	if err != nil && !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		log.Warn().Err(err).Str("user_id", string(userID)).Msg("failed to mirror ledger batch locally")
	}
}

// =============================================================================
// READS
// =============================================================================

func (s *Store) Load(ctx context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.online(ctx) {
		txs, err := s.Remote.Load(ctx, userID)
		if err == nil {
			return txs, nil
		}
		log.Warn().Err(err).Str("user_id", string(userID)).Msg("remote ledger read failed, reading locally")
	}
	return s.Local.Load(ctx, userID)
}

func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.online(ctx) {
		ok, err := s.Remote.Exists(ctx, idempotencyKey)
		if err == nil {
			return ok, nil
		}
	}
	return s.Local.Exists(ctx, idempotencyKey)
}

// Users lists users known to either side.
func (s *Store) Users(ctx context.Context) ([]ledger.UserID, error) {
	seen := map[ledger.UserID]bool{}
	var out []ledger.UserID
	var firstErr error
	for _, st := range []ledger.Store{s.Remote, s.Local} {
		lister, ok := st.(ledger.UserLister)
		if !ok {
			continue
		}
		ids, err := lister.Users(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	if out == nil && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func isAnswer(err error) bool {
	return errors.Is(err, ledger.ErrConcurrentModification) ||
		errors.Is(err, ledger.ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ledger.ErrInvalidTransaction)
}
