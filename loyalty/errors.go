package loyalty

import (
	"errors"
	"fmt"

	"github.com/prayan/loyalty-engine/ledger"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrInsufficientPoints is returned when a redemption exceeds the balance.
	ErrInsufficientPoints = errors.New("insufficient points")

	// ErrBelowMinimumRedemption is returned for redemptions under the minimum.
	ErrBelowMinimumRedemption = errors.New("below minimum redemption")

	// ErrBelowRewardCost is returned when fewer points than the reward costs are offered.
	ErrBelowRewardCost = errors.New("points below reward cost")

	ErrRewardNotFound = errors.New("reward not found")
	ErrRewardInactive = errors.New("reward inactive")

	// ErrOrderAlreadyAwarded is returned when an order was already credited.
	ErrOrderAlreadyAwarded = errors.New("order already awarded")

	// ErrInvalidOrder is returned for an empty order id or non-positive amount.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrInvalidPoints is returned for a non-positive point amount.
	ErrInvalidPoints = errors.New("points must be positive")

	ErrInvalidTierTable = errors.New("invalid tier table")
	ErrInvalidCatalog   = errors.New("invalid reward catalog")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// InsufficientPointsError provides details about a points shortage.
type InsufficientPointsError struct {
	UserID    ledger.UserID
	Available int64
	Requested int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points for %s: available %d, requested %d, shortfall %d",
		e.UserID, e.Available, e.Requested, e.Requested-e.Available)
}

func (e *InsufficientPointsError) Unwrap() error {
	return ErrInsufficientPoints
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error was caused by the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientPoints) ||
		errors.Is(err, ErrBelowMinimumRedemption) ||
		errors.Is(err, ErrBelowRewardCost) ||
		errors.Is(err, ErrRewardInactive) ||
		errors.Is(err, ErrOrderAlreadyAwarded) ||
		errors.Is(err, ErrInvalidOrder) ||
		errors.Is(err, ErrInvalidPoints) ||
		errors.Is(err, ledger.ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ledger.ErrInvalidTransaction)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRewardNotFound)
}
