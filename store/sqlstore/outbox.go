package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/prayan/loyalty-engine/ledger"
	"github.com/prayan/loyalty-engine/store/replicated"
)

// =============================================================================
// LEDGER OUTBOX (replicated.Outbox interface)
// =============================================================================

var _ replicated.Outbox = (*Store)(nil)

type outboxRow struct {
	ID        string `db:"id"`
	Seq       int64  `db:"seq"`
	UserID    string `db:"user_id"`
	TxIDs     string `db:"tx_ids"`
	CreatedAt string `db:"created_at"`
}

// Enqueue appends an entry. seq is assigned under the store lock, which
// keeps replay order without driver-specific autoincrement columns.
func (s *Store) Enqueue(ctx context.Context, e replicated.Entry) error {
	ids, err := json.Marshal(e.TxIDs)
	if err != nil {
		return fmt.Errorf("failed to encode outbox entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO ledger_outbox (id, seq, user_id, tx_ids, created_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM ledger_outbox), ?, ?, ?)`),
		e.ID, string(e.UserID), string(ids), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox entry: %w", err)
	}
	return nil
}

func (s *Store) Pending(ctx context.Context) ([]replicated.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []outboxRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, seq, user_id, tx_ids, created_at FROM ledger_outbox ORDER BY seq`); err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	out := make([]replicated.Entry, 0, len(rows))
	for _, r := range rows {
		d := rowDecoder{table: "ledger_outbox", key: r.ID}
		e := replicated.Entry{
			ID:        r.ID,
			UserID:    ledger.UserID(r.UserID),
			CreatedAt: d.time("created_at", r.CreatedAt),
		}
		d.json("tx_ids", nullString(r.TxIDs), &e.TxIDs)
		if d.err != nil {
			return nil, d.err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) Ack(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM ledger_outbox WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to ack outbox entry: %w", err)
	}
	return nil
}
