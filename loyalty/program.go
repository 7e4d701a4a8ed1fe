/*
Package loyalty implements the storefront's points program on top of the
append-only ledger.

PURPOSE:
  Program bundles the policies that read a customer's stream and decide
  what to append: earning on orders, bonus grants, redemption and expiry.
  Stats are always derived from the stream after an expiry sweep.

RULES (defaults):
  Earning:     floor(floor(orderAmount * 0.1) * tierMultiplier) points
  Expiry:      earned/bonus points expire 12 months after they are granted
  Redemption:  at least 100 points, never more than the balance
  Point value: 1 point = ₹0.10

CONSISTENCY:
  Every policy that checks the balance before writing runs inside
  ledger.Update, so the check and the append see the same stream.
  Due expiry compensations are folded into the same batch, which keeps
  a redemption from spending points that are already past their date.

SEE ALSO:
  - earning.go, redemption.go, expiry.go: The policies
  - balance.go: Stats
  - tiers.go: Tier table
*/
package loyalty

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/prayan/loyalty-engine/coupon"
	"github.com/prayan/loyalty-engine/ledger"
	"github.com/prayan/loyalty-engine/logging"
)

// Rules are the numeric knobs of the program.
type Rules struct {
	BaseRate      decimal.Decimal // points per currency unit before the tier multiplier
	PointValue    decimal.Decimal // currency value of one point
	ExpiryMonths  int
	MinRedemption int64
}

func DefaultRules() Rules {
	return Rules{
		BaseRate:      decimal.RequireFromString("0.1"),
		PointValue:    decimal.RequireFromString("0.10"),
		ExpiryMonths:  12,
		MinRedemption: 100,
	}
}

// =============================================================================
// PROGRAM
// =============================================================================

type Program struct {
	Ledger  *ledger.Ledger
	Tiers   TierTable
	Rewards Catalog
	Rules   Rules
	Coupons coupon.Store
	Now     func() time.Time
}

// NewProgram returns a program with the compiled-in tiers, rewards and rules.
func NewProgram(l *ledger.Ledger, coupons coupon.Store) *Program {
	return &Program{
		Ledger:  l,
		Tiers:   DefaultTiers(),
		Rewards: DefaultRewards(),
		Rules:   DefaultRules(),
		Coupons: coupons,
		Now:     time.Now,
	}
}

// Stats sweeps due expirations, then derives the user's loyalty view.
func (p *Program) Stats(ctx context.Context, userID ledger.UserID) (Stats, error) {
	if _, err := p.ExpireOldPoints(ctx, userID); err != nil {
		return Stats{}, err
	}
	txs, err := p.Ledger.Transactions(ctx, userID)
	if err != nil {
		return Stats{}, err
	}

	stats := ComputeStats(txs, p.Tiers, p.Rules.PointValue)
	if stats.Deficit > 0 {
		logging.FromContext(ctx).Warn().
			Str("user_id", string(userID)).
			Int64("deficit", stats.Deficit).
			Msg("ledger folds to a negative balance")
	}
	return stats, nil
}

// ConvertPointsToDiscount returns the currency value of points.
func (p *Program) ConvertPointsToDiscount(points int64) decimal.Decimal {
	return decimal.NewFromInt(points).Mul(p.Rules.PointValue)
}

func (p *Program) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// expiryFor returns the expiry date of a credit granted at t.
func (p *Program) expiryFor(t time.Time) *time.Time {
	months := p.Rules.ExpiryMonths
	if months <= 0 {
		months = DefaultRules().ExpiryMonths
	}
	exp := t.AddDate(0, months, 0)
	return &exp
}
