/*
Package redisstore keeps point ledgers in Redis.

PURPOSE:
  The remote copy of the ledger. store/replicated treats it as the
  system of record whenever it is reachable and falls back to the SQL
  store when it is not.

KEY LAYOUT (prefix defaults to "loyalty"):
  <prefix>:tx:<userID>   LIST of JSON transactions, append order
  <prefix>:idem:<key>    STRING transaction id, one per idempotency key
  <prefix>:users         SET of users with a stream

CONCURRENCY:
  AppendBatch WATCHes the user's list and the idempotency entries of its
  own batch, checks LLEN against the expected version, then writes in
  MULTI/EXEC. Only a writer touching the same stream or the same key
  aborts EXEC; the call then returns ErrConcurrentModification.

USAGE:
  client, err := redisstore.NewClient(cfg.RedisURL)
  ...
  remote := redisstore.New(client, "")

  NewClient never dials. Connect also pings, for callers that want to
  know at startup.
*/
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/prayan/loyalty-engine/ledger"
)

const defaultPrefix = "loyalty"

var (
	_ ledger.Store      = (*Store)(nil)
	_ ledger.UserLister = (*Store)(nil)
)

// NewClient parses a redis:// URL and configures the pool without dialing.
// Returns a nil client when url is empty.
func NewClient(url string) (*redis.Client, error) {
	if url == "" {
		log.Warn().Msg("Redis URL not configured, running without Redis")
		return nil, nil
	}

	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second

	return redis.NewClient(opt), nil
}

// Connect is NewClient followed by a ping. The client is returned even
// when the ping fails, so the caller can keep it and retry later.
func Connect(url string) (*redis.Client, error) {
	client, err := NewClient(url)
	if err != nil || client == nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return client, fmt.Errorf("ping redis: %w", err)
	}

	log.Info().Msg("Connected to Redis")
	return client, nil
}

// Store implements ledger.Store on a Redis client.
type Store struct {
	client *redis.Client
	prefix string
}

// New wraps client. An empty prefix uses "loyalty".
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) streamKey(userID ledger.UserID) string {
	return s.prefix + ":tx:" + string(userID)
}

func (s *Store) idemKey(key string) string { return s.prefix + ":idem:" + key }
func (s *Store) usersKey() string          { return s.prefix + ":users" }

// watchedKeys is the stream plus the idempotency entries of this batch.
func (s *Store) watchedKeys(userID ledger.UserID, idemKeys []string) []string {
	out := make([]string, 0, len(idemKeys)+1)
	out = append(out, s.streamKey(userID))
	for _, k := range idemKeys {
		out = append(out, s.idemKey(k))
	}
	return out
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

	var keys []string
	seen := make(map[string]bool, len(txs))
	payloads := make([]interface{}, 0, len(txs))
	for _, tx := range txs {
		if tx.UserID != userID {
			return fmt.Errorf("%w: transaction %s belongs to %s", ledger.ErrInvalidTransaction, tx.ID, tx.UserID)
		}
		if tx.IdempotencyKey != "" {
			if seen[tx.IdempotencyKey] {
				return ledger.ErrDuplicateIdempotencyKey
			}
			seen[tx.IdempotencyKey] = true
			keys = append(keys, tx.IdempotencyKey)
		}
		b, err := json.Marshal(toRecord(tx))
		if err != nil {
			return fmt.Errorf("%w: encode: %v", ledger.ErrTransactionFailed, err)
		}
		payloads = append(payloads, b)
	}

	stream := s.streamKey(userID)
	watched := s.watchedKeys(userID, keys)

	var version int
	err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
		n, err := rtx.LLen(ctx, stream).Result()
		if err != nil {
			return err
		}
		version = int(n)
		if expectedVersion != ledger.AnyVersion && version != expectedVersion {
			return &ledger.VersionConflictError{UserID: userID, Expected: expectedVersion, Actual: version}
		}

		if len(keys) > 0 {
			n, err := rtx.Exists(ctx, watched[1:]...).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return ledger.ErrDuplicateIdempotencyKey
			}
		}

		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, stream, payloads...)
			for _, tx := range txs {
				if tx.IdempotencyKey != "" {
					pipe.Set(ctx, s.idemKey(tx.IdempotencyKey), string(tx.ID), 0)
				}
			}
			pipe.SAdd(ctx, s.usersKey(), string(userID))
			return nil
		})
		return err
	}, watched...)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return &ledger.VersionConflictError{UserID: userID, Expected: expectedVersion, Actual: -1}
	case errors.Is(err, ledger.ErrConcurrentModification), errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		return err
	default:
		return fmt.Errorf("%w: %v", ledger.ErrTransactionFailed, err)
	}
}

// =============================================================================
// READS
// =============================================================================

func (s *Store) Load(ctx context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	raw, err := s.client.LRange(ctx, s.streamKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}
	out := make([]ledger.Transaction, 0, len(raw))
	for _, item := range raw {
		var r record
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return nil, fmt.Errorf("failed to decode transaction: %w", err)
		}
		out = append(out, r.toTransaction())
	}
	return out, nil
}

func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	n, err := s.client.Exists(ctx, s.idemKey(idempotencyKey)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return n > 0, nil
}

func (s *Store) Users(ctx context.Context) ([]ledger.UserID, error) {
	ids, err := s.client.SMembers(ctx, s.usersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	out := make([]ledger.UserID, len(ids))
	for i, id := range ids {
		out[i] = ledger.UserID(id)
	}
	return out, nil
}

// =============================================================================
// WIRE FORMAT
// =============================================================================

type record struct {
	ID             string            `json:"id"`
	UserID         string            `json:"userId"`
	Type           string            `json:"type"`
	Points         int64             `json:"points"`
	OrderID        string            `json:"orderId,omitempty"`
	Description    string            `json:"description"`
	Timestamp      time.Time         `json:"timestamp"`
	ExpiryDate     *time.Time        `json:"expiryDate,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func toRecord(tx ledger.Transaction) record {
	return record{
		ID:             string(tx.ID),
		UserID:         string(tx.UserID),
		Type:           string(tx.Type),
		Points:         tx.Points,
		OrderID:        tx.OrderID,
		Description:    tx.Description,
		Timestamp:      tx.Timestamp,
		ExpiryDate:     tx.ExpiryDate,
		IdempotencyKey: tx.IdempotencyKey,
		Metadata:       tx.Metadata,
	}
}

func (r record) toTransaction() ledger.Transaction {
	meta := r.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	return ledger.Transaction{
		ID:             ledger.TransactionID(r.ID),
		UserID:         ledger.UserID(r.UserID),
		Type:           ledger.TxType(r.Type),
		Points:         r.Points,
		OrderID:        r.OrderID,
		Description:    r.Description,
		Timestamp:      r.Timestamp,
		ExpiryDate:     r.ExpiryDate,
		IdempotencyKey: r.IdempotencyKey,
		Metadata:       meta,
	}
}
