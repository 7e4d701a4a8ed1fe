/*
earning.go - Points for orders and bonus grants

ORDER POINTS:
  base   = floor(orderAmount * 0.1)
  earned = floor(base * tier.PointsMultiplier)

  The tier is resolved from the balance at the moment of the award,
  after any due expirations. Each order is credited once: the earned
  entry carries the idempotency key earn:<orderId>.

EXAMPLE:
  Gold customer (1.5x), order of ₹1,299:
    base   = floor(129.9) = 129
    earned = floor(193.5) = 193

BONUS POINTS:
  Granted outside an order (referrals, promotions). Same 12-month expiry.
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/prayan/loyalty-engine/ledger"
	"github.com/prayan/loyalty-engine/logging"
)

const earnKeyPrefix = "earn:"

// OrderPoints computes the points an order earns at the given tier.
func (p *Program) OrderPoints(orderAmount decimal.Decimal, tier Tier) int64 {
	base := orderAmount.Mul(p.Rules.BaseRate).Floor()
	return base.Mul(tier.PointsMultiplier).Floor().IntPart()
}

// AwardOrderPoints credits the points an order earns and returns them.
// An order that earns nothing appends nothing.
func (p *Program) AwardOrderPoints(ctx context.Context, userID ledger.UserID, orderID string, orderAmount decimal.Decimal) (int64, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return 0, fmt.Errorf("%w: missing order id", ErrInvalidOrder)
	}
	if !orderAmount.IsPositive() {
		return 0, fmt.Errorf("%w: order amount must be positive, got %s", ErrInvalidOrder, orderAmount)
	}

	key := earnKeyPrefix + orderID
	now := p.now()
	var earned int64

	_, err := p.Ledger.Update(ctx, userID, func(current []ledger.Transaction) ([]ledger.Transaction, error) {
		for _, tx := range current {
			if tx.IdempotencyKey == key {
				return nil, ErrOrderAlreadyAwarded
			}
		}

		batch := pendingExpirations(current, now)
		tier := p.Tiers.Resolve(Balance(current) + Balance(batch))
		earned = p.OrderPoints(orderAmount, tier)
		if earned <= 0 {
			return batch, nil
		}

		tx := ledger.NewTransaction(userID, ledger.TxEarned, earned, now)
		tx.OrderID = orderID
		tx.Description = fmt.Sprintf("Points earned on order %s", orderID)
		tx.ExpiryDate = p.expiryFor(now)
		tx.IdempotencyKey = key
		tx.Metadata[ledger.MetaOrderAmount] = orderAmount.StringFixed(2)
		tx.Metadata[ledger.MetaTier] = tier.Name
		return append(batch, tx), nil
	})
	if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		return 0, fmt.Errorf("%w: %s", ErrOrderAlreadyAwarded, orderID)
	}
	if err != nil {
		return 0, err
	}

	logging.FromContext(ctx).Info().
		Str("user_id", string(userID)).
		Str("order_id", orderID).
		Int64("points", earned).
		Msg("order points awarded")
	return earned, nil
}

// AwardBonusPoints grants points outside an order.
func (p *Program) AwardBonusPoints(ctx context.Context, userID ledger.UserID, points int64, reason string) (ledger.Transaction, error) {
	return p.AwardBonusPointsOnce(ctx, userID, points, reason, "")
}

// AwardBonusPointsOnce grants bonus points under an idempotency key. A
// repeated key returns ledger.ErrDuplicateIdempotencyKey and appends nothing.
func (p *Program) AwardBonusPointsOnce(ctx context.Context, userID ledger.UserID, points int64, reason, key string) (ledger.Transaction, error) {
	if points <= 0 {
		return ledger.Transaction{}, fmt.Errorf("%w: got %d", ErrInvalidPoints, points)
	}

	now := p.now()
	tx := ledger.NewTransaction(userID, ledger.TxBonus, points, now)
	tx.Description = "Bonus points"
	if reason != "" {
		tx.Description = "Bonus points: " + reason
		tx.Metadata[ledger.MetaReason] = reason
	}
	tx.ExpiryDate = p.expiryFor(now)
	tx.IdempotencyKey = key

	if err := p.Ledger.Append(ctx, tx); err != nil {
		return ledger.Transaction{}, err
	}
	logging.FromContext(ctx).Info().
		Str("user_id", string(userID)).
		Int64("points", points).
		Str("reason", reason).
		Msg("bonus points awarded")
	return tx, nil
}
