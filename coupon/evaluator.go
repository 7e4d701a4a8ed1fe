package coupon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/prayan/loyalty-engine/logging"
)

// ErrRejected is the sentinel behind every RejectionError.
var ErrRejected = errors.New("coupon rejected")

// Rejection reasons, checked in this order.
const (
	ReasonNotFound      = "not_found"
	ReasonNotAssigned   = "not_assigned"
	ReasonInactive      = "inactive"
	ReasonUsageLimit    = "usage_limit_reached"
	ReasonMinOrder      = "min_order_not_met"
	ReasonFirstTimeOnly = "first_time_only"
	ReasonNotYetValid   = "not_yet_valid"
	ReasonExpired       = "expired"
)

// RejectionError explains why a coupon could not be applied.
type RejectionError struct {
	Code    string
	Reason  string
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("coupon %s rejected (%s): %s", e.Code, e.Reason, e.Message)
}

func (e *RejectionError) Unwrap() error { return ErrRejected }

// Request is one attempt to use a coupon on an order.
type Request struct {
	Code              string
	UserID            string // must own the coupon when AssignedTo is set
	OrderID           string
	OrderAmount       decimal.Decimal
	FirstTimeCustomer bool
}

// Result is a successfully applied coupon.
type Result struct {
	ApplicationID string
	Code          string
	Discount      decimal.Decimal
	FreeShipping  bool
	Message       string
}

// Evaluator applies and releases coupons against a Store.
type Evaluator struct {
	Store Store
	Now   func() time.Time
}

func NewEvaluator(store Store) *Evaluator {
	return &Evaluator{Store: store, Now: time.Now}
}

// Validate runs every check without touching the usage counter.
func (e *Evaluator) Validate(ctx context.Context, req Request) (*Coupon, error) {
	code := NormalizeCode(req.Code)
	c, err := e.Store.GetCoupon(ctx, code)
	if errors.Is(err, ErrNotFound) {
		return nil, reject(code, ReasonNotFound, "Invalid coupon code")
	}
	if err != nil {
		return nil, fmt.Errorf("load coupon %s: %w", code, err)
	}

	now := e.now()
	switch {
	case c.AssignedTo != "" && c.AssignedTo != req.UserID:
		return nil, reject(code, ReasonNotAssigned, "This coupon belongs to another account")
	case !c.IsActive:
		return nil, reject(code, ReasonInactive, "This coupon is no longer active")
	case !c.HasUsesLeft():
		return nil, reject(code, ReasonUsageLimit, "This coupon has reached its usage limit")
	case req.OrderAmount.LessThan(c.MinOrderAmount):
		return nil, reject(code, ReasonMinOrder,
			fmt.Sprintf("Minimum order amount of ₹%s required", c.MinOrderAmount.StringFixed(0)))
	case c.FirstTimeOnly && !req.FirstTimeCustomer:
		return nil, reject(code, ReasonFirstTimeOnly, "This coupon is only valid for first-time customers")
	case !c.ValidFrom.IsZero() && now.Before(c.ValidFrom):
		return nil, reject(code, ReasonNotYetValid, "This coupon is not valid yet")
	case !c.ValidUntil.IsZero() && now.After(c.ValidUntil):
		return nil, reject(code, ReasonExpired, "This coupon has expired")
	}
	return c, nil
}

// Apply validates the coupon, computes the discount and records one
// counted use. The returned ApplicationID is what Release takes.
func (e *Evaluator) Apply(ctx context.Context, req Request) (Result, error) {
	c, err := e.Validate(ctx, req)
	if err != nil {
		return Result{}, err
	}

	app := Application{
		ID:        uuid.NewString(),
		Code:      c.Code,
		UserID:    req.UserID,
		OrderID:   req.OrderID,
		Discount:  c.Discount(req.OrderAmount),
		Status:    ApplicationLive,
		CreatedAt: e.now().UTC(),
	}

	// The limit may have been hit by a concurrent apply since Validate read it.
	if err := e.Store.RecordApplication(ctx, app); err != nil {
		if errors.Is(err, ErrUsageLimitReached) {
			return Result{}, reject(c.Code, ReasonUsageLimit, "This coupon has reached its usage limit")
		}
		return Result{}, fmt.Errorf("record coupon usage %s: %w", c.Code, err)
	}

	res := Result{
		ApplicationID: app.ID,
		Code:          c.Code,
		Discount:      app.Discount,
		FreeShipping:  c.Type == TypeFreeShipping,
	}
	if res.FreeShipping {
		res.Message = "Free shipping applied"
	} else {
		res.Message = fmt.Sprintf("Coupon applied: ₹%s off", res.Discount.StringFixed(2))
	}

	logging.FromContext(ctx).Debug().
		Str("code", c.Code).
		Str("application_id", app.ID).
		Str("order_amount", req.OrderAmount.String()).
		Str("discount", res.Discount.String()).
		Msg("coupon applied")
	return res, nil
}

// Release gives back the use recorded by one live application. An empty
// userID skips the ownership check (internal rollbacks).
func (e *Evaluator) Release(ctx context.Context, applicationID, userID string) error {
	app, err := e.Store.GetApplication(ctx, applicationID)
	if err != nil {
		return err
	}
	if userID != "" && app.UserID != userID {
		return ErrApplicationNotFound
	}

	if _, err := e.Store.CloseApplication(ctx, app.ID, ApplicationReleased, e.now().UTC()); err != nil {
		return err
	}
	logging.FromContext(ctx).Debug().
		Str("code", app.Code).
		Str("application_id", app.ID).
		Msg("coupon released")
	return nil
}

// Finalize keeps for good the uses applied to a paid order.
func (e *Evaluator) Finalize(ctx context.Context, userID, orderID string) (int, error) {
	if orderID == "" {
		return 0, nil
	}
	return e.Store.FinalizeOrderApplications(ctx, userID, orderID, e.now().UTC())
}

func (e *Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func reject(code, reason, msg string) error {
	return &RejectionError{Code: code, Reason: reason, Message: msg}
}
