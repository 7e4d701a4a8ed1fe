/*
redemption.go - Spending points

GUARD (applies to every redemption):
  points >= MinRedemption (100)
  points <= balance, after due expirations

  A rejected redemption appends nothing.

REWARD REDEMPTION:
  The reward must exist, be active, and the offered points must cover
  its PointsCost. The redeemed entry is for exactly the offered points.
  MaxUses and MinOrderValue are not checked here; they travel into the
  coupon generated for the reward.

CUSTOM REDEMPTION:
  Points converted to a checkout discount (1 point = ₹0.10).

LOYALTY COUPONS:
  Code: LOYALTY<REWARDID><6-digit millisecond suffix>
  Valid for reward.ValidityDays, limited to reward.MaxUses.
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/prayan/loyalty-engine/coupon"
	"github.com/prayan/loyalty-engine/ledger"
	"github.com/prayan/loyalty-engine/logging"
)

const couponCodeAttempts = 5

// CanRedeem reports whether the user can spend points right now.
func (p *Program) CanRedeem(ctx context.Context, userID ledger.UserID, points int64) (bool, error) {
	txs, err := p.Ledger.Transactions(ctx, userID)
	if err != nil {
		return false, err
	}
	err = p.checkRedeemable(userID, txs, points)
	if errors.Is(err, ErrBelowMinimumRedemption) || errors.Is(err, ErrInsufficientPoints) {
		return false, nil
	}
	return err == nil, err
}

// RedeemForReward spends points on a catalog reward.
func (p *Program) RedeemForReward(ctx context.Context, userID ledger.UserID, points int64, rewardID, orderID string) (ledger.Transaction, error) {
	reward, ok := p.Rewards.Find(rewardID)
	if !ok {
		return ledger.Transaction{}, fmt.Errorf("%w: %s", ErrRewardNotFound, rewardID)
	}
	if !reward.IsActive {
		return ledger.Transaction{}, fmt.Errorf("%w: %s", ErrRewardInactive, rewardID)
	}
	if points < reward.PointsCost {
		return ledger.Transaction{}, fmt.Errorf("%w: %s costs %d, offered %d", ErrBelowRewardCost, rewardID, reward.PointsCost, points)
	}

	return p.redeem(ctx, userID, points, orderID, "Redeemed for "+reward.Name, map[string]string{
		ledger.MetaRewardID:    reward.ID,
		ledger.MetaRewardType:  string(reward.Type),
		ledger.MetaRewardValue: reward.Value.String(),
	})
}

// RedeemCustomPoints spends points on a checkout discount.
func (p *Program) RedeemCustomPoints(ctx context.Context, userID ledger.UserID, points int64, discountValue decimal.Decimal, orderID string) (ledger.Transaction, error) {
	return p.redeem(ctx, userID, points, orderID, fmt.Sprintf("Redeemed for ₹%s discount", discountValue.StringFixed(2)), map[string]string{
		ledger.MetaDiscountValue: discountValue.StringFixed(2),
	})
}

func (p *Program) redeem(ctx context.Context, userID ledger.UserID, points int64, orderID, desc string, meta map[string]string) (ledger.Transaction, error) {
	now := p.now()
	var redeemed ledger.Transaction

	_, err := p.Ledger.Update(ctx, userID, func(current []ledger.Transaction) ([]ledger.Transaction, error) {
		batch := pendingExpirations(current, now)
		if err := p.checkRedeemable(userID, current, points); err != nil {
			return nil, err
		}

		redeemed = ledger.NewTransaction(userID, ledger.TxRedeemed, points, now)
		redeemed.OrderID = orderID
		redeemed.Description = desc
		for k, v := range meta {
			redeemed.Metadata[k] = v
		}
		return append(batch, redeemed), nil
	})
	if err != nil {
		return ledger.Transaction{}, err
	}

	logging.FromContext(ctx).Info().
		Str("user_id", string(userID)).
		Int64("points", points).
		Str("order_id", orderID).
		Msg("points redeemed")
	return redeemed, nil
}

// checkRedeemable applies the redemption guard, counting due expirations
// as already applied.
func (p *Program) checkRedeemable(userID ledger.UserID, txs []ledger.Transaction, points int64) error {
	if points < p.Rules.MinRedemption {
		return fmt.Errorf("%w: minimum is %d, got %d", ErrBelowMinimumRedemption, p.Rules.MinRedemption, points)
	}
	bal := Balance(txs) + Balance(pendingExpirations(txs, p.now()))
	if bal < points {
		if bal < 0 {
			bal = 0
		}
		return &InsufficientPointsError{UserID: userID, Available: bal, Requested: points}
	}
	return nil
}

// =============================================================================
// LOYALTY COUPONS
// =============================================================================

// GenerateLoyaltyCoupon issues the single-user coupon a redeemed reward grants.
func (p *Program) GenerateLoyaltyCoupon(ctx context.Context, reward Reward, userID ledger.UserID) (coupon.Coupon, error) {
	now := p.now()
	c := coupon.Coupon{
		Type:           couponTypeFor(reward.Type),
		Value:          reward.Value,
		MinOrderAmount: reward.MinOrderValue,
		ValidFrom:      now,
		ValidUntil:     now.AddDate(0, 0, reward.ValidityDays),
		UsageLimit:     reward.MaxUses,
		IsActive:       true,
		Description:    reward.Name,
		AssignedTo:     string(userID),
		CreatedAt:      now,
	}

	prefix := "LOYALTY" + codeFragment(reward.ID)
	suffix := now.UnixMilli() % 1_000_000
	for i := 0; i < couponCodeAttempts; i++ {
		c.Code = fmt.Sprintf("%s%06d", prefix, (suffix+int64(i))%1_000_000)
		err := p.Coupons.CreateCoupon(ctx, c)
		if err == nil {
			logging.FromContext(ctx).Info().
				Str("user_id", string(userID)).
				Str("reward_id", reward.ID).
				Str("code", c.Code).
				Msg("loyalty coupon issued")
			return c, nil
		}
		if !errors.Is(err, coupon.ErrCouponExists) {
			return coupon.Coupon{}, fmt.Errorf("save loyalty coupon: %w", err)
		}
	}
	return coupon.Coupon{}, fmt.Errorf("save loyalty coupon: %w after %d attempts", coupon.ErrCouponExists, couponCodeAttempts)
}

func couponTypeFor(t RewardType) coupon.Type {
	if t == RewardFreeShipping {
		return coupon.TypeFreeShipping
	}
	return coupon.TypeFixed
}

// codeFragment upper-cases id and drops anything that is not a letter or digit.
func codeFragment(id string) string {
	var b strings.Builder
	for _, r := range id {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}
