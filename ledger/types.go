/*
Package ledger provides the append-only point ledger.

PURPOSE:
  Every change to a customer's loyalty points is recorded here as an
  immutable PointTransaction. Balance, tier, lifetime totals and expiry
  state are never stored: they are derived by replaying a user's stream.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: An immutable ledger entry (earned, redeemed, bonus, expired)
  - TxType: Closed set of transaction kinds; direction is implied by type
  - UserID / TransactionID: Type-safe identifiers

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified, only compensated
  2. Magnitude + type: Points are always positive, Type carries the sign
  3. Partitioning: One stream per user, versioned by its length
  4. Auditability: Every entry has a description, timestamp and metadata

USAGE:
  tx := ledger.NewTransaction("user-1", ledger.TxEarned, 120, now)
  tx.OrderID = "order-42"
  err := l.Append(ctx, tx)

SEE ALSO:
  - ledger.go: Per-user read-check-append
  - store.go: Persistence interface
  - loyalty/balance.go: Replaying a stream into stats
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type TransactionID string

// =============================================================================
// TRANSACTION TYPE
// =============================================================================

type TxType string

const (
	TxEarned   TxType = "earned"   // Points earned from an order
	TxRedeemed TxType = "redeemed" // Points spent on a reward or checkout discount
	TxBonus    TxType = "bonus"    // Points granted outside an order (referral, promo)
	TxExpired  TxType = "expired"  // Compensates an earned/bonus entry past its expiry
)

// Valid reports whether t is one of the four ledger transaction types.
func (t TxType) Valid() bool {
	switch t {
	case TxEarned, TxRedeemed, TxBonus, TxExpired:
		return true
	}
	return false
}

// Credits reports whether the type increases the balance.
func (t TxType) Credits() bool { return t == TxEarned || t == TxBonus }

// Expires reports whether entries of this type carry an expiry date.
func (t TxType) Expires() bool { return t.Credits() }

// Metadata keys written by the loyalty policies.
const (
	MetaOrderAmount           = "orderAmount"
	MetaTier                  = "tier"
	MetaRewardID              = "rewardId"
	MetaRewardType            = "rewardType"
	MetaRewardValue           = "rewardValue"
	MetaDiscountValue         = "discountValue"
	MetaReason                = "reason"
	MetaOriginalTransactionID = "originalTransactionId"
	MetaReferralID            = "referralId"
)

// =============================================================================
// TRANSACTION - Immutable point movement
// =============================================================================

type Transaction struct {
	ID             TransactionID
	UserID         UserID
	Type           TxType
	Points         int64
	OrderID        string
	Description    string
	Timestamp      time.Time
	ExpiryDate     *time.Time
	IdempotencyKey string
	Metadata       map[string]string
}

// NewTransaction returns a transaction with a fresh random ID.
// UUIDv4 keeps IDs unique across concurrent writers without coordination.
func NewTransaction(userID UserID, typ TxType, points int64, at time.Time) Transaction {
	return Transaction{
		ID:        TransactionID(uuid.NewString()),
		UserID:    userID,
		Type:      typ,
		Points:    points,
		Timestamp: at.UTC(),
		Metadata:  map[string]string{},
	}
}

// Signed returns the balance effect of the transaction.
func (tx Transaction) Signed() int64 {
	if tx.Type.Credits() {
		return tx.Points
	}
	return -tx.Points
}

// IsExpiredAt reports whether an earned/bonus entry is past its expiry at now.
func (tx Transaction) IsExpiredAt(now time.Time) bool {
	return tx.Type.Expires() && tx.ExpiryDate != nil && tx.ExpiryDate.Before(now)
}

// Validate checks the structural invariants every stored transaction holds.
func (tx Transaction) Validate() error {
	switch {
	case tx.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidTransaction)
	case tx.UserID == "":
		return fmt.Errorf("%w: missing user id", ErrInvalidTransaction)
	case !tx.Type.Valid():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidTransaction, tx.Type)
	case tx.Points <= 0:
		return fmt.Errorf("%w: points must be positive, got %d", ErrInvalidTransaction, tx.Points)
	case tx.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidTransaction)
	case tx.ExpiryDate != nil && !tx.Type.Expires():
		return fmt.Errorf("%w: %s transactions do not expire", ErrInvalidTransaction, tx.Type)
	}
	return nil
}
