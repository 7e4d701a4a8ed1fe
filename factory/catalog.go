/*
Package factory converts catalog files into program configuration.

PURPOSE:
  Loads the tier table, the reward catalog, the earning rules and the
  public coupon seed from a YAML (or JSON) document, so marketing can
  change the programme without a deploy. The result is validated with
  the same checks the compiled-in defaults satisfy.

SCHEMA:
  rules:
    base_rate: "0.1"        # points per ₹ before the tier multiplier
    point_value: "0.10"     # ₹ per point
    expiry_months: 12
    min_redemption: 100
  tiers:
    - name: Bronze
      min_points: 0
      points_multiplier: "1"
      discount_percentage: "0"
      free_shipping_threshold: "999"
      benefits: ["1 point per ₹10 spent"]
  rewards:
    - id: off-50
      name: ₹50 Off
      points_cost: 100
      value: "50"
      type: discount
      min_order_value: "299"
      validity_days: 30
  coupons:
    - code: WELCOME10
      type: percentage
      value: "10"
      max_discount: "100"
      valid_from: 2025-01-01
      valid_until: 2025-12-31
      usage_limit: 1000

  Decimal fields are strings. Omitted sections keep the defaults.

USAGE:
  cat, err := factory.LoadCatalog(cfg.CatalogPath)
  if err != nil {
      log.Fatal().Err(err).Msg("catalog")
  }
  cat.Apply(program)

SEE ALSO:
  - loyalty/tiers.go:   TierTable.Validate
  - loyalty/rewards.go: Catalog.Validate
  - coupon/coupon.go:   DefaultSeed
*/
package factory

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/prayan/loyalty-engine/coupon"
	"github.com/prayan/loyalty-engine/loyalty"
)

const dateLayout = "2006-01-02"

// ErrInvalidCoupon is returned for seed coupons that cannot be used.
var ErrInvalidCoupon = errors.New("invalid seed coupon")

// =============================================================================
// DOCUMENT TYPES
// =============================================================================

// CatalogDoc is the file representation of a catalog.
type CatalogDoc struct {
	Rules   *RulesDoc   `yaml:"rules,omitempty" json:"rules,omitempty"`
	Tiers   []TierDoc   `yaml:"tiers,omitempty" json:"tiers,omitempty"`
	Rewards []RewardDoc `yaml:"rewards,omitempty" json:"rewards,omitempty"`
	Coupons []CouponDoc `yaml:"coupons,omitempty" json:"coupons,omitempty"`
}

type RulesDoc struct {
	BaseRate      string `yaml:"base_rate,omitempty" json:"base_rate,omitempty"`
	PointValue    string `yaml:"point_value,omitempty" json:"point_value,omitempty"`
	ExpiryMonths  int    `yaml:"expiry_months,omitempty" json:"expiry_months,omitempty"`
	MinRedemption int64  `yaml:"min_redemption,omitempty" json:"min_redemption,omitempty"`
}

type TierDoc struct {
	Name                  string   `yaml:"name" json:"name"`
	MinPoints             int64    `yaml:"min_points" json:"min_points"`
	PointsMultiplier      string   `yaml:"points_multiplier" json:"points_multiplier"`
	DiscountPercentage    string   `yaml:"discount_percentage,omitempty" json:"discount_percentage,omitempty"`
	FreeShippingThreshold string   `yaml:"free_shipping_threshold,omitempty" json:"free_shipping_threshold,omitempty"`
	Benefits              []string `yaml:"benefits,omitempty" json:"benefits,omitempty"`
}

type RewardDoc struct {
	ID            string `yaml:"id" json:"id"`
	Name          string `yaml:"name" json:"name"`
	Description   string `yaml:"description,omitempty" json:"description,omitempty"`
	PointsCost    int64  `yaml:"points_cost" json:"points_cost"`
	Value         string `yaml:"value,omitempty" json:"value,omitempty"`
	Type          string `yaml:"type" json:"type"`
	MinOrderValue string `yaml:"min_order_value,omitempty" json:"min_order_value,omitempty"`
	MaxUses       int    `yaml:"max_uses,omitempty" json:"max_uses,omitempty"`
	ValidityDays  int    `yaml:"validity_days" json:"validity_days"`
	Inactive      bool   `yaml:"inactive,omitempty" json:"inactive,omitempty"`
}

type CouponDoc struct {
	Code           string `yaml:"code" json:"code"`
	Type           string `yaml:"type" json:"type"`
	Value          string `yaml:"value,omitempty" json:"value,omitempty"`
	MinOrderAmount string `yaml:"min_order_amount,omitempty" json:"min_order_amount,omitempty"`
	MaxDiscount    string `yaml:"max_discount,omitempty" json:"max_discount,omitempty"`
	ValidFrom      string `yaml:"valid_from,omitempty" json:"valid_from,omitempty"`
	ValidUntil     string `yaml:"valid_until,omitempty" json:"valid_until,omitempty"`
	UsageLimit     int    `yaml:"usage_limit,omitempty" json:"usage_limit,omitempty"`
	FirstTimeOnly  bool   `yaml:"first_time_only,omitempty" json:"first_time_only,omitempty"`
	Description    string `yaml:"description,omitempty" json:"description,omitempty"`
}

// =============================================================================
// CATALOG
// =============================================================================

// Catalog is a validated programme configuration.
type Catalog struct {
	Rules   loyalty.Rules
	Tiers   loyalty.TierTable
	Rewards loyalty.Catalog
	Coupons []coupon.Coupon
}

// Default returns the compiled-in configuration.
func Default(now time.Time) *Catalog {
	return &Catalog{
		Rules:   loyalty.DefaultRules(),
		Tiers:   loyalty.DefaultTiers(),
		Rewards: loyalty.DefaultRewards(),
		Coupons: coupon.DefaultSeed(now),
	}
}

// LoadCatalog reads a catalog file. An empty path returns the defaults.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return Default(time.Now()), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	return ParseCatalog(data, time.Now())
}

// ParseCatalog parses a YAML or JSON document. now dates the default
// coupon seed when the document has no coupons section.
func ParseCatalog(data []byte, now time.Time) (*Catalog, error) {
	var doc CatalogDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	return FromDoc(doc, now)
}

// FromDoc converts and validates a document.
func FromDoc(doc CatalogDoc, now time.Time) (*Catalog, error) {
	cat := Default(now)

	if doc.Rules != nil {
		rules, err := parseRules(*doc.Rules)
		if err != nil {
			return nil, err
		}
		cat.Rules = rules
	}

	if len(doc.Tiers) > 0 {
		tiers := make(loyalty.TierTable, 0, len(doc.Tiers))
		for _, td := range doc.Tiers {
			t, err := parseTier(td)
			if err != nil {
				return nil, err
			}
			tiers = append(tiers, t)
		}
		cat.Tiers = tiers
	}
	if err := cat.Tiers.Validate(); err != nil {
		return nil, err
	}

	if len(doc.Rewards) > 0 {
		rewards := make(loyalty.Catalog, 0, len(doc.Rewards))
		for _, rd := range doc.Rewards {
			r, err := parseReward(rd)
			if err != nil {
				return nil, err
			}
			rewards = append(rewards, r)
		}
		cat.Rewards = rewards
	}
	if err := cat.Rewards.Validate(); err != nil {
		return nil, err
	}

	if len(doc.Coupons) > 0 {
		seen := make(map[string]bool, len(doc.Coupons))
		coupons := make([]coupon.Coupon, 0, len(doc.Coupons))
		for _, cd := range doc.Coupons {
			c, err := parseCoupon(cd, now)
			if err != nil {
				return nil, err
			}
			if seen[c.Code] {
				return nil, fmt.Errorf("%w: duplicate code %s", ErrInvalidCoupon, c.Code)
			}
			seen[c.Code] = true
			coupons = append(coupons, c)
		}
		cat.Coupons = coupons
	}

	return cat, nil
}

// Apply installs the tiers, rewards and rules on p.
func (c *Catalog) Apply(p *loyalty.Program) {
	p.Tiers = c.Tiers
	p.Rewards = c.Rewards
	p.Rules = c.Rules
}

// ToDoc converts a catalog back to its file representation.
func (c *Catalog) ToDoc() CatalogDoc {
	doc := CatalogDoc{
		Rules: &RulesDoc{
			BaseRate:      c.Rules.BaseRate.String(),
			PointValue:    c.Rules.PointValue.String(),
			ExpiryMonths:  c.Rules.ExpiryMonths,
			MinRedemption: c.Rules.MinRedemption,
		},
	}
	for _, t := range c.Tiers {
		doc.Tiers = append(doc.Tiers, TierDoc{
			Name:                  t.Name,
			MinPoints:             t.MinPoints,
			PointsMultiplier:      t.PointsMultiplier.String(),
			DiscountPercentage:    t.DiscountPercentage.String(),
			FreeShippingThreshold: t.FreeShippingThreshold.String(),
			Benefits:              t.Benefits,
		})
	}
	for _, r := range c.Rewards {
		doc.Rewards = append(doc.Rewards, RewardDoc{
			ID:            r.ID,
			Name:          r.Name,
			Description:   r.Description,
			PointsCost:    r.PointsCost,
			Value:         r.Value.String(),
			Type:          string(r.Type),
			MinOrderValue: r.MinOrderValue.String(),
			MaxUses:       r.MaxUses,
			ValidityDays:  r.ValidityDays,
			Inactive:      !r.IsActive,
		})
	}
	for _, cp := range c.Coupons {
		cd := CouponDoc{
			Code:           cp.Code,
			Type:           string(cp.Type),
			Value:          cp.Value.String(),
			MinOrderAmount: cp.MinOrderAmount.String(),
			UsageLimit:     cp.UsageLimit,
			FirstTimeOnly:  cp.FirstTimeOnly,
			Description:    cp.Description,
		}
		if cp.MaxDiscount != nil {
			cd.MaxDiscount = cp.MaxDiscount.String()
		}
		if !cp.ValidFrom.IsZero() {
			cd.ValidFrom = cp.ValidFrom.Format(dateLayout)
		}
		if !cp.ValidUntil.IsZero() {
			cd.ValidUntil = cp.ValidUntil.Format(dateLayout)
		}
		doc.Coupons = append(doc.Coupons, cd)
	}
	return doc
}

// Marshal renders the catalog as YAML.
func (c *Catalog) Marshal() ([]byte, error) {
	return yaml.Marshal(c.ToDoc())
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseRules(rd RulesDoc) (loyalty.Rules, error) {
	rules := loyalty.DefaultRules()
	var err error
	if rd.BaseRate != "" {
		if rules.BaseRate, err = parseAmount("rules.base_rate", rd.BaseRate); err != nil {
			return rules, err
		}
	}
	if rd.PointValue != "" {
		if rules.PointValue, err = parseAmount("rules.point_value", rd.PointValue); err != nil {
			return rules, err
		}
	}
	if rd.ExpiryMonths != 0 {
		rules.ExpiryMonths = rd.ExpiryMonths
	}
	if rd.MinRedemption != 0 {
		rules.MinRedemption = rd.MinRedemption
	}

	switch {
	case !rules.BaseRate.IsPositive():
		return rules, fmt.Errorf("%w: base_rate must be positive", loyalty.ErrInvalidCatalog)
	case !rules.PointValue.IsPositive():
		return rules, fmt.Errorf("%w: point_value must be positive", loyalty.ErrInvalidCatalog)
	case rules.ExpiryMonths < 0:
		return rules, fmt.Errorf("%w: expiry_months must not be negative", loyalty.ErrInvalidCatalog)
	case rules.MinRedemption < 0:
		return rules, fmt.Errorf("%w: min_redemption must not be negative", loyalty.ErrInvalidCatalog)
	}
	return rules, nil
}

func parseTier(td TierDoc) (loyalty.Tier, error) {
	field := "tier " + td.Name
	mult, err := parseAmount(field+".points_multiplier", td.PointsMultiplier)
	if err != nil {
		return loyalty.Tier{}, err
	}
	discount, err := parseOptional(field+".discount_percentage", td.DiscountPercentage)
	if err != nil {
		return loyalty.Tier{}, err
	}
	threshold, err := parseOptional(field+".free_shipping_threshold", td.FreeShippingThreshold)
	if err != nil {
		return loyalty.Tier{}, err
	}
	return loyalty.Tier{
		Name:                  td.Name,
		MinPoints:             td.MinPoints,
		Benefits:              td.Benefits,
		DiscountPercentage:    discount,
		PointsMultiplier:      mult,
		FreeShippingThreshold: threshold,
	}, nil
}

func parseReward(rd RewardDoc) (loyalty.Reward, error) {
	field := "reward " + rd.ID
	value, err := parseOptional(field+".value", rd.Value)
	if err != nil {
		return loyalty.Reward{}, err
	}
	minOrder, err := parseOptional(field+".min_order_value", rd.MinOrderValue)
	if err != nil {
		return loyalty.Reward{}, err
	}
	maxUses := rd.MaxUses
	if maxUses == 0 {
		maxUses = 1
	}
	return loyalty.Reward{
		ID:            rd.ID,
		Name:          rd.Name,
		Description:   rd.Description,
		PointsCost:    rd.PointsCost,
		Value:         value,
		Type:          loyalty.RewardType(rd.Type),
		MinOrderValue: minOrder,
		MaxUses:       maxUses,
		ValidityDays:  rd.ValidityDays,
		IsActive:      !rd.Inactive,
	}, nil
}

func parseCoupon(cd CouponDoc, now time.Time) (coupon.Coupon, error) {
	code := coupon.NormalizeCode(cd.Code)
	if code == "" {
		return coupon.Coupon{}, fmt.Errorf("%w: missing code", ErrInvalidCoupon)
	}
	typ := coupon.Type(cd.Type)
	if !typ.Valid() {
		return coupon.Coupon{}, fmt.Errorf("%w: %s has unknown type %q", ErrInvalidCoupon, code, cd.Type)
	}

	field := "coupon " + code
	value, err := parseOptional(field+".value", cd.Value)
	if err != nil {
		return coupon.Coupon{}, err
	}
	if typ != coupon.TypeFreeShipping && !value.IsPositive() {
		return coupon.Coupon{}, fmt.Errorf("%w: %s value must be positive", ErrInvalidCoupon, code)
	}
	minOrder, err := parseOptional(field+".min_order_amount", cd.MinOrderAmount)
	if err != nil {
		return coupon.Coupon{}, err
	}

	c := coupon.Coupon{
		Code:           code,
		Type:           typ,
		Value:          value,
		MinOrderAmount: minOrder,
		UsageLimit:     cd.UsageLimit,
		FirstTimeOnly:  cd.FirstTimeOnly,
		IsActive:       true,
		Description:    cd.Description,
		CreatedAt:      now,
	}
	if cd.MaxDiscount != "" {
		maxDiscount, err := parseAmount(field+".max_discount", cd.MaxDiscount)
		if err != nil {
			return coupon.Coupon{}, err
		}
		c.MaxDiscount = &maxDiscount
	}
	if c.ValidFrom, err = parseDate(field+".valid_from", cd.ValidFrom); err != nil {
		return coupon.Coupon{}, err
	}
	if c.ValidUntil, err = parseDate(field+".valid_until", cd.ValidUntil); err != nil {
		return coupon.Coupon{}, err
	}
	if !c.ValidUntil.IsZero() {
		// Dates are inclusive: valid through the end of the last day.
		c.ValidUntil = c.ValidUntil.AddDate(0, 0, 1).Add(-time.Second)
	}
	if !c.ValidFrom.IsZero() && !c.ValidUntil.IsZero() && c.ValidUntil.Before(c.ValidFrom) {
		return coupon.Coupon{}, fmt.Errorf("%w: %s ends before it starts", ErrInvalidCoupon, code)
	}
	return c, nil
}

func parseAmount(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %q is not a number", loyalty.ErrInvalidCatalog, field, s)
	}
	return d, nil
}

func parseOptional(field, s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	return parseAmount(field, s)
}

func parseDate(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %q is not a YYYY-MM-DD date", ErrInvalidCoupon, field, s)
	}
	return t, nil
}
