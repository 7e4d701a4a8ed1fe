/*
Package referral runs the two-phase referral workflow.

PURPOSE:
  Every customer gets a shareable code. A new customer who signs up with
  it creates a pending referral and receives a welcome coupon. The
  referral completes on the new customer's first qualifying order, and a
  PayoutPolicy decides what the referrer gets for it.

LIFECYCLE:
  pending --(order >= ₹299)--> completed --(payout)--> rewarded

  A payout that fails leaves the referral completed. The next order the
  referred user confirms runs the payout again.

  A welcome coupon whose referral could not be recorded is deactivated.

INVARIANTS:
  - A user is referred at most once (pre-check plus a unique store index)
  - Nobody can refer themselves
  - Status only moves forward; transitions are conditional in the store

CODES:
  PRAYAN + 4-digit time suffix + 2 random uppercase alphanumerics,
  e.g. PRAYAN4821K7. Collisions are retried up to 10 times.

SEE ALSO:
  - payout.go: PayoutPolicy implementations
  - memory.go: In-memory Store
  - store/sqlstore: SQL Store
*/
package referral

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TYPES
// =============================================================================

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusRewarded  Status = "rewarded"
)

type User struct {
	ID           string
	Name         string
	Email        string
	ReferralCode string
	CreatedAt    time.Time
}

type Referral struct {
	ID             string
	ReferrerID     string
	ReferredUserID string
	ReferredName   string
	ReferredEmail  string
	ReferralCode   string
	RewardAmount   decimal.Decimal
	Status         Status
	WelcomeCoupon  string
	CreatedAt      time.Time
	CompletedAt    *time.Time
	RewardedAt     *time.Time
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrUnknownCode        = errors.New("unknown referral code")
	ErrSelfReferral       = errors.New("cannot refer yourself")
	ErrAlreadyReferred    = errors.New("user already has a referral")
	ErrNotPending         = errors.New("referral is not pending")
	ErrOrderBelowMinimum  = errors.New("order below referral minimum")
	ErrReferralNotFound   = errors.New("referral not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrCodeTaken          = errors.New("referral code already taken")
	ErrCodeSpaceExhausted = errors.New("could not generate a unique referral code")

	// ErrStatusConflict is returned by a Store when a conditional status
	// transition finds the referral in a different state.
	ErrStatusConflict = errors.New("referral status changed")
)

// IsClientError returns true if the error was caused by the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrUnknownCode) ||
		errors.Is(err, ErrSelfReferral) ||
		errors.Is(err, ErrAlreadyReferred) ||
		errors.Is(err, ErrNotPending) ||
		errors.Is(err, ErrOrderBelowMinimum)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrReferralNotFound) || errors.Is(err, ErrUserNotFound)
}

// =============================================================================
// STORE
// =============================================================================

// Store persists users, their referral codes and referrals.
type Store interface {
	// SaveUser inserts or updates a user; an existing ReferralCode is kept
	// when u.ReferralCode is empty.
	SaveUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (*User, error)
	ListUserIDs(ctx context.Context) ([]string, error)

	// SetReferralCode assigns code to the user; ErrCodeTaken if another
	// user owns it.
	SetReferralCode(ctx context.Context, userID, code string) error
	UserByReferralCode(ctx context.Context, code string) (*User, error)

	// CreateReferral inserts r; ErrAlreadyReferred if r.ReferredUserID
	// already has one.
	CreateReferral(ctx context.Context, r Referral) error
	GetReferralByReferredUser(ctx context.Context, userID string) (*Referral, error)
	ListReferralsByReferrer(ctx context.Context, referrerID string) ([]Referral, error)

	// UpdateReferralStatus moves a referral from one status to another,
	// stamping at; ErrStatusConflict if it is not in from.
	UpdateReferralStatus(ctx context.Context, id string, from, to Status, at time.Time) error
}
