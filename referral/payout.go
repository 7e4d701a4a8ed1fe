package referral

import (
	"context"
	"errors"
	"fmt"

	"github.com/prayan/loyalty-engine/ledger"
	"github.com/prayan/loyalty-engine/logging"
)

// PayoutPolicy decides what a referrer receives once a referral completes.
// Pay reports whether the referral is now rewarded.
type PayoutPolicy interface {
	Pay(ctx context.Context, ref Referral) (bool, error)
}

// Payout policy names accepted by PolicyFor.
const (
	PayoutNone        = "none"
	PayoutBonusPoints = "bonus_points"
)

// NoPayout leaves completed referrals unrewarded.
type NoPayout struct{}

func (NoPayout) Pay(ctx context.Context, ref Referral) (bool, error) {
	logging.FromContext(ctx).Info().
		Str("referral_id", ref.ID).
		Str("referrer_id", ref.ReferrerID).
		Msg("referral completed, payout not configured")
	return false, nil
}

// BonusAwarder credits bonus points under an idempotency key.
type BonusAwarder interface {
	AwardBonusPointsOnce(ctx context.Context, userID ledger.UserID, points int64, reason, key string) (ledger.Transaction, error)
}

// BonusPointsPayout credits the referrer with bonus points.
type BonusPointsPayout struct {
	Awarder BonusAwarder
	Points  int64 // 0 uses the referral's RewardAmount
}

func (b BonusPointsPayout) Pay(ctx context.Context, ref Referral) (bool, error) {
	points := b.Points
	if points <= 0 {
		points = ref.RewardAmount.IntPart()
	}
	if points <= 0 {
		return false, nil
	}

	_, err := b.Awarder.AwardBonusPointsOnce(ctx, ledger.UserID(ref.ReferrerID), points,
		"referral of "+ref.ReferredUserID, "referral:"+ref.ID)
	if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("referral payout %s: %w", ref.ID, err)
	}
	return true, nil
}

// PolicyFor maps a configured name to a PayoutPolicy.
func PolicyFor(name string, awarder BonusAwarder, points int64) (PayoutPolicy, error) {
	switch name {
	case "", PayoutNone:
		return NoPayout{}, nil
	case PayoutBonusPoints:
		if awarder == nil {
			return nil, errors.New("bonus_points payout needs a bonus awarder")
		}
		return BonusPointsPayout{Awarder: awarder, Points: points}, nil
	}
	return nil, fmt.Errorf("unknown referral payout %q", name)
}
