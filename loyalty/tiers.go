/*
tiers.go - Loyalty tier table and progress

PURPOSE:
  Maps a point balance to a tier (Bronze, Silver, Gold, Platinum) and
  reports how far the customer is from the next one. The tier decides
  the earning multiplier, the member discount and the free shipping
  threshold.

RULES:
  - Table is ordered ascending by MinPoints
  - First tier starts at 0, thresholds strictly increase
  - Resolve picks the highest tier with MinPoints <= balance
  - A negative balance resolves to the lowest tier

PROGRESS:
  current    = balance - currentTier.MinPoints
  required   = nextTier.MinPoints - currentTier.MinPoints
  percentage = min(100, current / required * 100)
  Top tier reports 100% with current = required = 0.

SEE ALSO:
  - balance.go: Stats embed the resolved tier and progress
  - factory/catalog.go: Loading a tier table from a catalog file
*/
package loyalty

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TIER
// =============================================================================

type Tier struct {
	Name                  string
	MinPoints             int64
	Benefits              []string
	DiscountPercentage    decimal.Decimal
	PointsMultiplier      decimal.Decimal
	FreeShippingThreshold decimal.Decimal
}

// Progress towards the next tier.
type Progress struct {
	Current    int64
	Required   int64
	Percentage float64
}

// TierTable is an ascending list of tiers.
type TierTable []Tier

// DefaultTiers returns the compiled-in tier table.
func DefaultTiers() TierTable {
	return TierTable{
		{
			Name:                  "Bronze",
			MinPoints:             0,
			Benefits:              []string{"1 point per ₹10 spent", "Birthday surprise"},
			DiscountPercentage:    decimal.Zero,
			PointsMultiplier:      decimal.NewFromInt(1),
			FreeShippingThreshold: decimal.NewFromInt(999),
		},
		{
			Name:                  "Silver",
			MinPoints:             1000,
			Benefits:              []string{"1.25x points", "5% member discount", "Free shipping over ₹699"},
			DiscountPercentage:    decimal.NewFromInt(5),
			PointsMultiplier:      decimal.RequireFromString("1.25"),
			FreeShippingThreshold: decimal.NewFromInt(699),
		},
		{
			Name:                  "Gold",
			MinPoints:             2500,
			Benefits:              []string{"1.5x points", "10% member discount", "Free shipping over ₹499", "Early access to new blends"},
			DiscountPercentage:    decimal.NewFromInt(10),
			PointsMultiplier:      decimal.RequireFromString("1.5"),
			FreeShippingThreshold: decimal.NewFromInt(499),
		},
		{
			Name:                  "Platinum",
			MinPoints:             5000,
			Benefits:              []string{"2x points", "15% member discount", "Free shipping on every order", "Priority support"},
			DiscountPercentage:    decimal.NewFromInt(15),
			PointsMultiplier:      decimal.NewFromInt(2),
			FreeShippingThreshold: decimal.Zero,
		},
	}
}

// Validate checks ordering and the zero-threshold first tier.
func (t TierTable) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("%w: no tiers", ErrInvalidTierTable)
	}
	if t[0].MinPoints != 0 {
		return fmt.Errorf("%w: first tier %q must start at 0, got %d", ErrInvalidTierTable, t[0].Name, t[0].MinPoints)
	}
	names := make(map[string]bool, len(t))
	for i, tier := range t {
		if tier.Name == "" {
			return fmt.Errorf("%w: tier %d has no name", ErrInvalidTierTable, i)
		}
		if names[tier.Name] {
			return fmt.Errorf("%w: duplicate tier %q", ErrInvalidTierTable, tier.Name)
		}
		names[tier.Name] = true
		if !tier.PointsMultiplier.IsPositive() {
			return fmt.Errorf("%w: tier %q multiplier must be positive", ErrInvalidTierTable, tier.Name)
		}
		if i > 0 && tier.MinPoints <= t[i-1].MinPoints {
			return fmt.Errorf("%w: tier %q threshold %d not above %q (%d)",
				ErrInvalidTierTable, tier.Name, tier.MinPoints, t[i-1].Name, t[i-1].MinPoints)
		}
	}
	return nil
}

// Resolve returns the highest tier whose threshold the balance reaches.
func (t TierTable) Resolve(balance int64) Tier {
	if len(t) == 0 {
		return Tier{}
	}
	resolved := t[0]
	for _, tier := range t[1:] {
		if balance < tier.MinPoints {
			break
		}
		resolved = tier
	}
	return resolved
}

// Next returns the tier after current, false at the top.
func (t TierTable) Next(current Tier) (Tier, bool) {
	for i, tier := range t {
		if tier.Name == current.Name && i+1 < len(t) {
			return t[i+1], true
		}
	}
	return Tier{}, false
}

// Progress reports how far balance is from the tier after current.
func (t TierTable) Progress(balance int64, current Tier) Progress {
	next, ok := t.Next(current)
	if !ok {
		return Progress{Percentage: 100}
	}

	cur := balance - current.MinPoints
	if cur < 0 {
		cur = 0
	}
	required := next.MinPoints - current.MinPoints
	pct := float64(cur) / float64(required) * 100
	if pct > 100 {
		pct = 100
	}
	return Progress{Current: cur, Required: required, Percentage: pct}
}
