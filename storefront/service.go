/*
Package storefront composes the loyalty subsystems into the calls the
storefront makes.

PURPOSE:
  The loyalty program, the referral workflow and the coupon evaluator
  know nothing about each other. This package is where an account
  signup, a paid order, a reward redemption and a checkout each touch
  the pieces they need, in the right order.

FLOWS:
  RegisterUser:  save user -> issue referral code -> register referral
                 (a rejected referral code never fails the signup)
  ConfirmOrder:  award order points -> complete pending referral (or
                 retry its failed payout) -> finalize the order's coupons
  RedeemReward:  spend reward cost -> issue loyalty coupon
  Checkout:      apply coupon -> redeem custom points
                 (both discounts apply to the same subtotal; a failed
                 points step releases the coupon application)

SEE ALSO:
  - loyalty/program.go: Points, tiers, expiry
  - referral/service.go: Referral workflow
  - coupon/evaluator.go: Coupon checks and usage counting
*/
package storefront

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/prayan/loyalty-engine/coupon"
	"github.com/prayan/loyalty-engine/ledger"
	"github.com/prayan/loyalty-engine/logging"
	"github.com/prayan/loyalty-engine/loyalty"
	"github.com/prayan/loyalty-engine/referral"
)

// ErrMissingUserID is returned when a signup carries no user id.
var ErrMissingUserID = errors.New("missing user id")

// Service wires the subsystems together.
type Service struct {
	Loyalty   *loyalty.Program
	Referrals *referral.Service
	Coupons   *coupon.Evaluator
	Now       func() time.Time
}

func New(program *loyalty.Program, referrals *referral.Service, coupons *coupon.Evaluator) *Service {
	return &Service{
		Loyalty:   program,
		Referrals: referrals,
		Coupons:   coupons,
		Now:       time.Now,
	}
}

// =============================================================================
// REGISTRATION
// =============================================================================

// Registration is the outcome of a signup.
type Registration struct {
	User          referral.User
	Referral      *referral.Referral
	ReferralError error // set when a supplied referral code was rejected
}

// RegisterUser creates the account, gives it a referral code and, when
// the user signed up with someone's code, records the referral.
func (s *Service) RegisterUser(ctx context.Context, id, name, email, referralCode string) (Registration, error) {
	if id == "" {
		return Registration{}, ErrMissingUserID
	}

	u := referral.User{ID: id, Name: name, Email: email, CreatedAt: s.now()}
	if err := s.Referrals.Store.SaveUser(ctx, u); err != nil {
		return Registration{}, fmt.Errorf("save user %s: %w", id, err)
	}
	code, err := s.Referrals.IssueCode(ctx, id)
	if err != nil {
		return Registration{}, err
	}
	u.ReferralCode = code
	reg := Registration{User: u}

	if referralCode == "" {
		return reg, nil
	}
	ref, err := s.Referrals.Register(ctx, referralCode, id, name, email)
	switch {
	case err == nil:
		reg.Referral = &ref
	case referral.IsClientError(err) || referral.IsNotFound(err):
		logging.FromContext(ctx).Info().
			Err(err).
			Str("user_id", id).
			Str("referral_code", referralCode).
			Msg("referral code rejected at signup")
		reg.ReferralError = err
	default:
		return reg, err
	}
	return reg, nil
}

// =============================================================================
// ORDERS
// =============================================================================

// OrderResult is the loyalty side of a paid order.
type OrderResult struct {
	PointsEarned   int64
	AlreadyAwarded bool
	Referral       *referral.Referral
}

// ConfirmOrder credits a paid order. Confirming the same order again
// awards nothing, but still retries a referral payout that failed and
// finalizes the order's coupon applications.
func (s *Service) ConfirmOrder(ctx context.Context, userID, orderID string, amount decimal.Decimal) (OrderResult, error) {
	var res OrderResult

	pts, err := s.Loyalty.AwardOrderPoints(ctx, ledger.UserID(userID), orderID, amount)
	switch {
	case errors.Is(err, loyalty.ErrOrderAlreadyAwarded):
		res.AlreadyAwarded = true
	case err != nil:
		return res, err
	default:
		res.PointsEarned = pts
	}

	ref, err := s.Referrals.Complete(ctx, userID, amount)
	switch {
	case err == nil:
		res.Referral = &ref
	case errors.Is(err, referral.ErrReferralNotFound),
		errors.Is(err, referral.ErrNotPending),
		errors.Is(err, referral.ErrOrderBelowMinimum):
		// Nothing to complete.
	default:
		// The points are in and the referral stays completed; the payout
		// runs again on the user's next confirmed order.
		logging.FromContext(ctx).Warn().
			Err(err).
			Str("user_id", userID).
			Str("order_id", orderID).
			Msg("referral completion failed")
		if ref.ID != "" {
			res.Referral = &ref
		}
	}

	if n, err := s.Coupons.Finalize(ctx, userID, orderID); err != nil {
		logging.FromContext(ctx).Error().
			Err(err).
			Str("user_id", userID).
			Str("order_id", orderID).
			Msg("failed to finalize coupon applications")
	} else if n > 0 {
		logging.FromContext(ctx).Debug().
			Int("applications", n).
			Str("order_id", orderID).
			Msg("coupon applications finalized")
	}
	return res, nil
}

// =============================================================================
// REWARDS
// =============================================================================

// RewardRedemption is a spent reward and the coupon it granted.
type RewardRedemption struct {
	Transaction ledger.Transaction
	Coupon      coupon.Coupon
}

// RedeemReward spends the reward's cost and issues its coupon.
func (s *Service) RedeemReward(ctx context.Context, userID, rewardID, orderID string) (RewardRedemption, error) {
	reward, ok := s.Loyalty.Rewards.Find(rewardID)
	if !ok {
		return RewardRedemption{}, fmt.Errorf("%w: %s", loyalty.ErrRewardNotFound, rewardID)
	}

	tx, err := s.Loyalty.RedeemForReward(ctx, ledger.UserID(userID), reward.PointsCost, rewardID, orderID)
	if err != nil {
		return RewardRedemption{}, err
	}

	c, err := s.Loyalty.GenerateLoyaltyCoupon(ctx, reward, ledger.UserID(userID))
	if err != nil {
		logging.FromContext(ctx).Error().
			Err(err).
			Str("user_id", userID).
			Str("transaction_id", string(tx.ID)).
			Msg("points redeemed but reward coupon not issued")
		return RewardRedemption{Transaction: tx}, err
	}
	return RewardRedemption{Transaction: tx, Coupon: c}, nil
}

// =============================================================================
// CHECKOUT
// =============================================================================

// CheckoutRequest describes the discounts a customer asks for on an order.
type CheckoutRequest struct {
	UserID       string
	OrderID      string
	Amount       decimal.Decimal
	CouponCode   string
	RedeemPoints int64
}

// CheckoutResult is the priced order.
type CheckoutResult struct {
	Subtotal            decimal.Decimal
	CouponCode          string
	CouponApplicationID string // pass to Release to give the coupon use back
	CouponDiscount      decimal.Decimal
	FreeShipping        bool
	PointsRedeemed      int64
	PointsDiscount      decimal.Decimal
	Total               decimal.Decimal
	Messages            []string
}

// Checkout applies a coupon and a points discount to the same subtotal.
// Either may be omitted. Nothing is left applied when it fails.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (CheckoutResult, error) {
	if !req.Amount.IsPositive() {
		return CheckoutResult{}, fmt.Errorf("%w: amount must be positive", loyalty.ErrInvalidOrder)
	}
	res := CheckoutResult{
		Subtotal:       req.Amount,
		CouponDiscount: decimal.Zero,
		PointsDiscount: decimal.Zero,
	}
	userID := ledger.UserID(req.UserID)

	if req.CouponCode != "" {
		firstTime, err := s.isFirstOrder(ctx, userID)
		if err != nil {
			return CheckoutResult{}, err
		}
		applied, err := s.Coupons.Apply(ctx, coupon.Request{
			Code:              req.CouponCode,
			UserID:            req.UserID,
			OrderID:           req.OrderID,
			OrderAmount:       req.Amount,
			FirstTimeCustomer: firstTime,
		})
		if err != nil {
			return CheckoutResult{}, err
		}
		res.CouponCode = applied.Code
		res.CouponApplicationID = applied.ApplicationID
		res.CouponDiscount = applied.Discount
		res.FreeShipping = applied.FreeShipping
		res.Messages = append(res.Messages, applied.Message)
	}

	if req.RedeemPoints > 0 {
		discount := s.Loyalty.ConvertPointsToDiscount(req.RedeemPoints)
		if _, err := s.Loyalty.RedeemCustomPoints(ctx, userID, req.RedeemPoints, discount, req.OrderID); err != nil {
			s.releaseCoupon(ctx, res.CouponApplicationID)
			return CheckoutResult{}, err
		}
		res.PointsRedeemed = req.RedeemPoints
		res.PointsDiscount = discount
		res.Messages = append(res.Messages,
			fmt.Sprintf("%d points redeemed for ₹%s off", req.RedeemPoints, discount.StringFixed(2)))
	}

	res.Total = decimal.Max(decimal.Zero, req.Amount.Sub(res.CouponDiscount).Sub(res.PointsDiscount))
	return res, nil
}

// isFirstOrder reports whether the user has never been credited for an order.
func (s *Service) isFirstOrder(ctx context.Context, userID ledger.UserID) (bool, error) {
	if userID == "" {
		return true, nil
	}
	txs, err := s.Loyalty.Ledger.Transactions(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, tx := range txs {
		if tx.Type == ledger.TxEarned {
			return false, nil
		}
	}
	return true, nil
}

func (s *Service) releaseCoupon(ctx context.Context, applicationID string) {
	if applicationID == "" {
		return
	}
	if err := s.Coupons.Release(ctx, applicationID, ""); err != nil {
		logging.FromContext(ctx).Error().Err(err).Str("application_id", applicationID).Msg("failed to release coupon")
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
