/*
Package coupon validates and applies storefront discount codes.

PURPOSE:
  Coupons are mutable, usage-limited records, kept apart from the
  immutable point ledger. A coupon is applied to an order total and
  its usage counter moves up on apply and down on release.

APPLICATIONS:
  Every counted use is an Application with its own ID:

    applied --Release--> released   (use given back, once)
       |
       +----Finalize---> finalized  (order paid, use kept for good)

  Only a live application can be released, so one customer cannot give
  back another customer's use, and a paid order cannot hand its coupon
  back.

VALIDATION ORDER (first failure wins):
  1. Code exists
  2. Personal coupons (AssignedTo set) belong to the caller
  3. Coupon is active
  4. UsedCount < UsageLimit
  5. Order amount >= MinOrderAmount
  6. FirstTimeOnly implies a first-time customer
  7. Now within [ValidFrom, ValidUntil]

DISCOUNT:
  percentage:    min(amount * value / 100, MaxDiscount)
  fixed:         min(value, amount)
  free_shipping: 0, with FreeShipping set on the result

SEE ALSO:
  - evaluator.go: Apply / Release
  - loyalty/redemption.go: Coupons generated from rewards
  - referral/referral.go: Welcome coupons
*/
package coupon

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// COUPON
// =============================================================================

type Type string

const (
	TypePercentage   Type = "percentage"
	TypeFixed        Type = "fixed"
	TypeFreeShipping Type = "free_shipping"
)

func (t Type) Valid() bool {
	return t == TypePercentage || t == TypeFixed || t == TypeFreeShipping
}

type Coupon struct {
	Code           string
	Type           Type
	Value          decimal.Decimal
	MinOrderAmount decimal.Decimal
	MaxDiscount    *decimal.Decimal // cap for percentage coupons; nil = uncapped
	ValidFrom      time.Time
	ValidUntil     time.Time
	UsageLimit     int // <= 0 means unlimited
	UsedCount      int
	FirstTimeOnly  bool
	IsActive       bool
	Description    string
	AssignedTo     string // user the coupon was issued to, empty for public codes
	CreatedAt      time.Time
}

// NormalizeCode returns the canonical form codes are stored under.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// HasUsesLeft reports whether the usage limit still allows an application.
func (c Coupon) HasUsesLeft() bool {
	return c.UsageLimit <= 0 || c.UsedCount < c.UsageLimit
}

// Discount computes the discount this coupon grants on amount.
func (c Coupon) Discount(amount decimal.Decimal) decimal.Decimal {
	var d decimal.Decimal
	switch c.Type {
	case TypePercentage:
		d = amount.Mul(c.Value).Div(decimal.NewFromInt(100))
		if c.MaxDiscount != nil && d.GreaterThan(*c.MaxDiscount) {
			d = *c.MaxDiscount
		}
	case TypeFixed:
		d = decimal.Min(c.Value, amount)
	default:
		return decimal.Zero
	}
	return d.Round(2)
}

// =============================================================================
// APPLICATIONS
// =============================================================================

type ApplicationStatus string

const (
	ApplicationLive      ApplicationStatus = "applied"
	ApplicationReleased  ApplicationStatus = "released"
	ApplicationFinalized ApplicationStatus = "finalized"
)

// Application is one counted use of a coupon.
type Application struct {
	ID        string
	Code      string
	UserID    string
	OrderID   string
	Discount  decimal.Decimal
	Status    ApplicationStatus
	CreatedAt time.Time
	ClosedAt  *time.Time
}

// =============================================================================
// STORE
// =============================================================================

var (
	ErrNotFound          = errors.New("coupon not found")
	ErrCouponExists      = errors.New("coupon already exists")
	ErrUsageLimitReached = errors.New("coupon usage limit reached")

	ErrApplicationNotFound = errors.New("coupon application not found")
	ErrApplicationClosed   = errors.New("coupon application already released or finalized")
)

// Store persists coupons and their applications. Usage changes are
// conditional and atomic.
type Store interface {
	GetCoupon(ctx context.Context, code string) (*Coupon, error)
	ListCoupons(ctx context.Context) ([]Coupon, error)

	// CreateCoupon inserts a new coupon; ErrCouponExists if the code is taken.
	CreateCoupon(ctx context.Context, c Coupon) error

	// DeactivateCoupon switches a coupon off; ErrNotFound if unknown.
	DeactivateCoupon(ctx context.Context, code string) error

	// RecordApplication consumes one use of a.Code and stores a, in one
	// step. ErrUsageLimitReached if no use is left.
	RecordApplication(ctx context.Context, a Application) error

	GetApplication(ctx context.Context, id string) (*Application, error)

	// CloseApplication moves a live application to status, stamped at.
	// Moving to ApplicationReleased gives the use back. Returns
	// ErrApplicationClosed if the application is no longer live.
	CloseApplication(ctx context.Context, id string, status ApplicationStatus, at time.Time) (*Application, error)

	// FinalizeOrderApplications finalizes the user's live applications on
	// orderID and returns how many there were.
	FinalizeOrderApplications(ctx context.Context, userID, orderID string, at time.Time) (int, error)
}

// =============================================================================
// SEED CATALOG
// =============================================================================

// DefaultSeed returns the public codes the storefront launches with.
func DefaultSeed(now time.Time) []Coupon {
	from := time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	until := from.AddDate(1, 0, 0).Add(-time.Second)
	cap100 := decimal.NewFromInt(100)
	cap200 := decimal.NewFromInt(200)

	return []Coupon{
		{
			Code: "WELCOME10", Type: TypePercentage, Value: decimal.NewFromInt(10),
			MinOrderAmount: decimal.NewFromInt(299), MaxDiscount: &cap100,
			ValidFrom: from, ValidUntil: until, UsageLimit: 1000, IsActive: true,
			Description: "10% off your order, up to ₹100",
		},
		{
			Code: "FIRST20", Type: TypePercentage, Value: decimal.NewFromInt(20),
			MinOrderAmount: decimal.NewFromInt(499), MaxDiscount: &cap200,
			ValidFrom: from, ValidUntil: until, UsageLimit: 500, FirstTimeOnly: true, IsActive: true,
			Description: "20% off your first order, up to ₹200",
		},
		{
			Code: "SPICE50", Type: TypeFixed, Value: decimal.NewFromInt(50),
			MinOrderAmount: decimal.NewFromInt(499),
			ValidFrom: from, ValidUntil: until, UsageLimit: 1000, IsActive: true,
			Description: "₹50 off orders above ₹499",
		},
		{
			Code: "FREESHIP", Type: TypeFreeShipping,
			MinOrderAmount: decimal.NewFromInt(199),
			ValidFrom: from, ValidUntil: until, UsageLimit: 2000, IsActive: true,
			Description: "Free shipping on orders above ₹199",
		},
	}
}
