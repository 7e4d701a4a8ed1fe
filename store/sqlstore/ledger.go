package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/prayan/loyalty-engine/ledger"
)

// =============================================================================
// TRANSACTION STORE (ledger.Store interface)
// =============================================================================

var (
	_ ledger.Store      = (*Store)(nil)
	_ ledger.UserLister = (*Store)(nil)
)

type txRow struct {
	ID             string         `db:"id"`
	UserID         string         `db:"user_id"`
	UserSeq        int64          `db:"user_seq"`
	Type           string         `db:"tx_type"`
	Points         int64          `db:"points"`
	OrderID        sql.NullString `db:"order_id"`
	Description    string         `db:"description"`
	OccurredAt     string         `db:"occurred_at"`
	ExpiryDate     sql.NullString `db:"expiry_date"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	MetadataJSON   sql.NullString `db:"metadata_json"`
	CreatedAt      string         `db:"created_at"`
}

const txColumns = `id, user_id, user_seq, tx_type, points, order_id, description,
	occurred_at, expiry_date, idempotency_key, metadata_json, created_at`

// Append adds a transaction at the end of the user's stream.
func (s *Store) Append(ctx context.Context, tx ledger.Transaction) error {
	return s.AppendBatch(ctx, tx.UserID, ledger.AnyVersion, []ledger.Transaction{tx})
}

// AppendBatch adds transactions atomically, provided the user's stream
// still has expectedVersion rows.
func (s *Store) AppendBatch(ctx context.Context, userID ledger.UserID, expectedVersion int, txs []ledger.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	keys := make(map[string]bool, len(txs))
	for _, tx := range txs {
		if tx.UserID != userID {
			return fmt.Errorf("%w: transaction %s belongs to %s", ledger.ErrInvalidTransaction, tx.ID, tx.UserID)
		}
		if tx.IdempotencyKey == "" {
			continue
		}
		if keys[tx.IdempotencyKey] {
			return ledger.ErrDuplicateIdempotencyKey
		}
		keys[tx.IdempotencyKey] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	var version int
	if err := sqlTx.GetContext(ctx, &version,
		sqlTx.Rebind(`SELECT COUNT(*) FROM point_transactions WHERE user_id = ?`), string(userID)); err != nil {
		return fmt.Errorf("failed to read stream version: %w", err)
	}
	if expectedVersion != ledger.AnyVersion && version != expectedVersion {
		return &ledger.VersionConflictError{UserID: userID, Expected: expectedVersion, Actual: version}
	}

	now := formatTime(time.Now())
	for i, tx := range txs {
		if err := insertTx(ctx, sqlTx, tx, int64(version+i+1), now); err != nil {
			if isUniqueViolation(err, "user_seq") {
				return &ledger.VersionConflictError{UserID: userID, Expected: expectedVersion, Actual: -1}
			}
			if isUniqueViolation(err, "idempotency") {
				return ledger.ErrDuplicateIdempotencyKey
			}
			return fmt.Errorf("%w: %v", ledger.ErrTransactionFailed, err)
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ledger.ErrTransactionFailed, err)
	}
	return nil
}

func insertTx(ctx context.Context, db sqlx.ExtContext, tx ledger.Transaction, seq int64, createdAt string) error {
	var meta sql.NullString
	if len(tx.Metadata) > 0 {
		b, err := json.Marshal(tx.Metadata)
		if err != nil {
			return err
		}
		meta = nullString(string(b))
	}

	_, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO point_transactions (`+txColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		string(tx.ID),
		string(tx.UserID),
		seq,
		string(tx.Type),
		tx.Points,
		nullString(tx.OrderID),
		tx.Description,
		formatTime(tx.Timestamp),
		formatTimePtr(tx.ExpiryDate),
		nullString(tx.IdempotencyKey),
		meta,
		createdAt,
	)
	return err
}

// Load returns the user's stream in append order.
func (s *Store) Load(ctx context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []txRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT `+txColumns+`
		FROM point_transactions
		WHERE user_id = ?
		ORDER BY user_seq ASC`), string(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}

	out := make([]ledger.Transaction, 0, len(rows))
	for _, r := range rows {
		tx, err := r.toTransaction()
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

// Exists checks if an idempotency key was already used.
func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.GetContext(ctx, &count,
		s.db.Rebind(`SELECT COUNT(*) FROM point_transactions WHERE idempotency_key = ?`), idempotencyKey)
	return count > 0, err
}

// Users lists every user with at least one transaction.
func (s *Store) Users(ctx context.Context) ([]ledger.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	if err := s.db.SelectContext(ctx, &ids,
		`SELECT DISTINCT user_id FROM point_transactions ORDER BY user_id`); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	out := make([]ledger.UserID, len(ids))
	for i, id := range ids {
		out[i] = ledger.UserID(id)
	}
	return out, nil
}

func (r txRow) toTransaction() (ledger.Transaction, error) {
	d := rowDecoder{table: "point_transactions", key: r.ID}
	tx := ledger.Transaction{
		ID:             ledger.TransactionID(r.ID),
		UserID:         ledger.UserID(r.UserID),
		Type:           ledger.TxType(r.Type),
		Points:         r.Points,
		OrderID:        r.OrderID.String,
		Description:    r.Description,
		Timestamp:      d.time("occurred_at", r.OccurredAt),
		ExpiryDate:     d.timePtr("expiry_date", r.ExpiryDate),
		IdempotencyKey: r.IdempotencyKey.String,
		Metadata:       map[string]string{},
	}
	d.json("metadata_json", r.MetadataJSON, &tx.Metadata)
	return tx, d.err
}
