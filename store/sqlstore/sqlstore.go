/*
Package sqlstore provides a SQL-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface (ledger.Store, coupon.Store,
  referral.Store, replicated.Outbox) on one database. SQLite is the default; the same
  queries run on PostgreSQL through sqlx.Rebind.

INTERFACES IMPLEMENTED:
  ledger.Store, ledger.UserLister: Point transactions
  coupon.Store:                    Coupons, usage counters, applications
  referral.Store:                  Users, referral codes, referrals
  replicated.Outbox:               Ledger batches waiting for the remote

APPEND-ONLY ENFORCEMENT:
  point_transactions is never updated or deleted. Corrections are
  compensating rows.

KEY TABLES:
  point_transactions: Immutable ledger, one stream per user
  coupons:            Mutable, usage-limited codes
  coupon_applications: One row per counted coupon use (applied,
                      released or finalized)
  users:              Customers and their referral codes
  referrals:          Two-phase referral records
  ledger_outbox:      Transaction IDs written locally while Redis was down

INDEXES:
  - idx_point_tx_user_seq:   (user_id, user_seq) unique; the stream version
  - idx_point_tx_idempotency: Idempotency keys are unique ledger-wide
  - idx_users_referral_code: Code ownership index
  - referrals.referred_user_id UNIQUE: a user is referred at most once

CONCURRENCY:
  AppendBatch counts the user's rows and inserts inside one database
  transaction. A writer in another process that raced us trips the
  (user_id, user_seq) index and surfaces as ErrConcurrentModification.
  Recording and closing a coupon application change used_count in the
  same database transaction, with conditional UPDATEs.

DECODING:
  Stored times and amounts are text. A value that does not parse fails
  the read with ErrCorruptRow instead of turning into a zero value.

USAGE:
  st, err := sqlstore.Open("sqlite3", "./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

  l := ledger.New(st)

MIGRATION:
  Schema is auto-migrated on Open.
*/
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// Store implements all storage interfaces on a SQL database.
type Store struct {
	db     *sqlx.DB
	driver string
	mu     sync.RWMutex
}

// Open connects to the database and migrates the schema.
// driver is "sqlite3" or "postgres". Use ":memory:" for an in-memory SQLite database.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case "sqlite3":
		if !strings.Contains(dsn, "?") {
			dsn += "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
		}
	case "postgres":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite3" {
		// One connection keeps :memory: databases shared and serializes writers.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS point_transactions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			user_seq INTEGER NOT NULL,
			tx_type TEXT NOT NULL,
			points INTEGER NOT NULL CHECK (points > 0),
			order_id TEXT,
			description TEXT NOT NULL DEFAULT '',
			occurred_at TEXT NOT NULL,
			expiry_date TEXT,
			idempotency_key TEXT,
			metadata_json TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_point_tx_user_seq
			ON point_transactions(user_id, user_seq)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_point_tx_idempotency
			ON point_transactions(idempotency_key) WHERE idempotency_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_point_tx_type
			ON point_transactions(tx_type)`,

		`CREATE TABLE IF NOT EXISTS coupons (
			code TEXT PRIMARY KEY,
			coupon_type TEXT NOT NULL,
			value TEXT NOT NULL,
			min_order_amount TEXT NOT NULL,
			max_discount TEXT,
			valid_from TEXT,
			valid_until TEXT,
			usage_limit INTEGER NOT NULL DEFAULT 0,
			used_count INTEGER NOT NULL DEFAULT 0 CHECK (used_count >= 0),
			first_time_only INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1,
			description TEXT NOT NULL DEFAULT '',
			assigned_to TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_coupons_assigned
			ON coupons(assigned_to) WHERE assigned_to IS NOT NULL`,

		`CREATE TABLE IF NOT EXISTS coupon_applications (
			id TEXT PRIMARY KEY,
			code TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			order_id TEXT NOT NULL DEFAULT '',
			discount TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'applied',
			created_at TEXT NOT NULL,
			closed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_coupon_applications_order
			ON coupon_applications(user_id, order_id)`,

		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			referral_code TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_referral_code
			ON users(referral_code) WHERE referral_code IS NOT NULL`,

		`CREATE TABLE IF NOT EXISTS referrals (
			id TEXT PRIMARY KEY,
			referrer_id TEXT NOT NULL,
			referred_user_id TEXT NOT NULL UNIQUE,
			referred_name TEXT NOT NULL DEFAULT '',
			referred_email TEXT NOT NULL DEFAULT '',
			referral_code TEXT NOT NULL,
			reward_amount TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			welcome_coupon TEXT,
			created_at TEXT NOT NULL,
			completed_at TEXT,
			rewarded_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_referrals_referrer
			ON referrals(referrer_id)`,

		`CREATE TABLE IF NOT EXISTS ledger_outbox (
			id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			tx_ids TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return nullString(formatTime(*t))
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation reports whether err is a unique constraint failure,
// optionally on an index or column whose name contains hint.
func isUniqueViolation(err error, hint string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code != "23505" {
			return false
		}
		return hint == "" || strings.Contains(pqErr.Constraint, hint) || strings.Contains(pqErr.Message, hint)
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		if liteErr.Code != sqlite3.ErrConstraint {
			return false
		}
		return hint == "" || strings.Contains(liteErr.Error(), hint)
	}
	return false
}

// ErrCorruptRow is returned when a stored value cannot be decoded.
var ErrCorruptRow = errors.New("corrupt row")

// rowDecoder parses text columns and keeps the first failure, so a row
// mapper can decode every field and check once at the end.
type rowDecoder struct {
	table string
	key   string
	err   error
}

func (d *rowDecoder) fail(column, value string, err error) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %s %s column %s=%q: %v", ErrCorruptRow, d.table, d.key, column, value, err)
	}
}

func (d *rowDecoder) time(column, s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		d.fail(column, s, err)
	}
	return t
}

func (d *rowDecoder) timePtr(column string, s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := d.time(column, s.String)
	return &t
}

func (d *rowDecoder) decimal(column, s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		d.fail(column, s, err)
		return decimal.Zero
	}
	return v
}

func (d *rowDecoder) decimalPtr(column string, s sql.NullString) *decimal.Decimal {
	if !s.Valid || s.String == "" {
		return nil
	}
	v := d.decimal(column, s.String)
	return &v
}

func (d *rowDecoder) json(column string, s sql.NullString, dst any) {
	if !s.Valid || s.String == "" {
		return
	}
	if err := json.Unmarshal([]byte(s.String), dst); err != nil {
		d.fail(column, s.String, err)
	}
}
