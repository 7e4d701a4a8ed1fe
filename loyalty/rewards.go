package loyalty

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// REWARDS CATALOG
// =============================================================================

type RewardType string

const (
	RewardDiscount     RewardType = "discount"
	RewardFreeShipping RewardType = "freeShipping"
	RewardProduct      RewardType = "product"
	RewardCashback     RewardType = "cashback"
)

func (t RewardType) Valid() bool {
	switch t {
	case RewardDiscount, RewardFreeShipping, RewardProduct, RewardCashback:
		return true
	}
	return false
}

// Reward is something points can be exchanged for.
type Reward struct {
	ID            string
	Name          string
	Description   string
	PointsCost    int64
	Value         decimal.Decimal
	Type          RewardType
	MinOrderValue decimal.Decimal
	MaxUses       int
	ValidityDays  int
	IsActive      bool
}

// Catalog is the ordered list of rewards on offer.
type Catalog []Reward

// Find looks a reward up by id.
func (c Catalog) Find(id string) (Reward, bool) {
	for _, r := range c {
		if r.ID == id {
			return r, true
		}
	}
	return Reward{}, false
}

// Active returns the rewards currently redeemable.
func (c Catalog) Active() Catalog {
	out := make(Catalog, 0, len(c))
	for _, r := range c {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out
}

func (c Catalog) Validate() error {
	seen := make(map[string]bool, len(c))
	for _, r := range c {
		switch {
		case r.ID == "":
			return fmt.Errorf("%w: reward %q has no id", ErrInvalidCatalog, r.Name)
		case seen[r.ID]:
			return fmt.Errorf("%w: duplicate reward %q", ErrInvalidCatalog, r.ID)
		case r.PointsCost <= 0:
			return fmt.Errorf("%w: reward %q cost must be positive", ErrInvalidCatalog, r.ID)
		case !r.Type.Valid():
			return fmt.Errorf("%w: reward %q has unknown type %q", ErrInvalidCatalog, r.ID, r.Type)
		case r.ValidityDays <= 0:
			return fmt.Errorf("%w: reward %q validity must be positive", ErrInvalidCatalog, r.ID)
		case r.Value.IsNegative():
			return fmt.Errorf("%w: reward %q value is negative", ErrInvalidCatalog, r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}

// DefaultRewards returns the compiled-in reward catalog.
func DefaultRewards() Catalog {
	return Catalog{
		{
			ID: "off-50", Name: "₹50 Off", Description: "₹50 off orders above ₹299",
			PointsCost: 100, Value: decimal.NewFromInt(50), Type: RewardDiscount,
			MinOrderValue: decimal.NewFromInt(299), MaxUses: 1, ValidityDays: 30, IsActive: true,
		},
		{
			ID: "free-shipping", Name: "Free Shipping", Description: "Free shipping on your next order",
			PointsCost: 150, Value: decimal.Zero, Type: RewardFreeShipping,
			MinOrderValue: decimal.Zero, MaxUses: 1, ValidityDays: 30, IsActive: true,
		},
		{
			ID: "off-150", Name: "₹150 Off", Description: "₹150 off orders above ₹799",
			PointsCost: 250, Value: decimal.NewFromInt(150), Type: RewardDiscount,
			MinOrderValue: decimal.NewFromInt(799), MaxUses: 1, ValidityDays: 45, IsActive: true,
		},
		{
			ID: "cashback-100", Name: "₹100 Cashback", Description: "₹100 back on orders above ₹599",
			PointsCost: 400, Value: decimal.NewFromInt(100), Type: RewardCashback,
			MinOrderValue: decimal.NewFromInt(599), MaxUses: 1, ValidityDays: 60, IsActive: true,
		},
		{
			ID: "spice-sampler", Name: "Spice Sampler", Description: "A free sampler of five signature blends",
			PointsCost: 600, Value: decimal.NewFromInt(349), Type: RewardProduct,
			MinOrderValue: decimal.Zero, MaxUses: 1, ValidityDays: 60, IsActive: true,
		},
	}
}
