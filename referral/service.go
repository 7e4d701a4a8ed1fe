package referral

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/prayan/loyalty-engine/coupon"
	"github.com/prayan/loyalty-engine/logging"
)

const (
	codePrefix   = "PRAYAN"
	codeAttempts = 10
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Rules are the amounts the workflow uses.
type Rules struct {
	RewardAmount       decimal.Decimal // credited to the referrer, recorded on the referral
	MinOrderAmount     decimal.Decimal // first order needed to complete a referral
	WelcomeValue       decimal.Decimal // fixed discount of the welcome coupon
	WelcomeMinOrder    decimal.Decimal
	WelcomeValidDays   int
	WelcomeCouponLimit int
}

func DefaultRules() Rules {
	return Rules{
		RewardAmount:       decimal.NewFromInt(50),
		MinOrderAmount:     decimal.NewFromInt(299),
		WelcomeValue:       decimal.NewFromInt(100),
		WelcomeMinOrder:    decimal.NewFromInt(499),
		WelcomeValidDays:   30,
		WelcomeCouponLimit: 1,
	}
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	Store   Store
	Coupons coupon.Store
	Payout  PayoutPolicy
	Rules   Rules
	Now     func() time.Time
}

func NewService(store Store, coupons coupon.Store, payout PayoutPolicy) *Service {
	if payout == nil {
		payout = NoPayout{}
	}
	return &Service{
		Store:   store,
		Coupons: coupons,
		Payout:  payout,
		Rules:   DefaultRules(),
		Now:     time.Now,
	}
}

// IssueCode returns the user's referral code, generating one on first use.
func (s *Service) IssueCode(ctx context.Context, userID string) (string, error) {
	u, err := s.Store.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if u.ReferralCode != "" {
		return u.ReferralCode, nil
	}

	for i := 0; i < codeAttempts; i++ {
		code, err := s.newCode()
		if err != nil {
			return "", err
		}
		err = s.Store.SetReferralCode(ctx, userID, code)
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, ErrCodeTaken) {
			return "", fmt.Errorf("save referral code: %w", err)
		}
	}
	return "", fmt.Errorf("%w after %d attempts", ErrCodeSpaceExhausted, codeAttempts)
}

// Register records that newUserID signed up with code, and issues the new
// user's welcome coupon.
func (s *Service) Register(ctx context.Context, code, newUserID, name, email string) (Referral, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	owner, err := s.Store.UserByReferralCode(ctx, code)
	if errors.Is(err, ErrUnknownCode) || errors.Is(err, ErrUserNotFound) {
		return Referral{}, fmt.Errorf("%w: %s", ErrUnknownCode, code)
	}
	if err != nil {
		return Referral{}, err
	}
	if owner.ID == newUserID {
		return Referral{}, ErrSelfReferral
	}

	existing, err := s.Store.GetReferralByReferredUser(ctx, newUserID)
	if err != nil && !errors.Is(err, ErrReferralNotFound) {
		return Referral{}, err
	}
	if existing != nil {
		return Referral{}, ErrAlreadyReferred
	}

	now := s.now()
	welcome, err := s.issueWelcomeCoupon(ctx, newUserID, now)
	if err != nil {
		return Referral{}, err
	}

	ref := Referral{
		ID:             uuid.NewString(),
		ReferrerID:     owner.ID,
		ReferredUserID: newUserID,
		ReferredName:   name,
		ReferredEmail:  email,
		ReferralCode:   code,
		RewardAmount:   s.Rules.RewardAmount,
		Status:         StatusPending,
		WelcomeCoupon:  welcome,
		CreatedAt:      now,
	}
	if err := s.Store.CreateReferral(ctx, ref); err != nil {
		s.withdrawWelcomeCoupon(ctx, welcome, newUserID)
		return Referral{}, err
	}

	logging.FromContext(ctx).Info().
		Str("referral_id", ref.ID).
		Str("referrer_id", ref.ReferrerID).
		Str("referred_user_id", newUserID).
		Str("welcome_coupon", welcome).
		Msg("referral registered")
	return ref, nil
}

// Complete marks the user's pending referral completed after a qualifying
// order, then runs the payout policy. On a referral that is completed but
// not rewarded, only the payout runs again; the payout's idempotency key
// keeps the referrer from being paid twice.
func (s *Service) Complete(ctx context.Context, userID string, orderAmount decimal.Decimal) (Referral, error) {
	ref, err := s.Store.GetReferralByReferredUser(ctx, userID)
	if err != nil {
		return Referral{}, err
	}

	retry := false
	switch ref.Status {
	case StatusPending:
		if orderAmount.LessThan(s.Rules.MinOrderAmount) {
			return Referral{}, fmt.Errorf("%w: ₹%s required, got ₹%s",
				ErrOrderBelowMinimum, s.Rules.MinOrderAmount.StringFixed(0), orderAmount.StringFixed(2))
		}
		now := s.now()
		if err := s.Store.UpdateReferralStatus(ctx, ref.ID, StatusPending, StatusCompleted, now); err != nil {
			if errors.Is(err, ErrStatusConflict) {
				return *ref, ErrNotPending
			}
			return Referral{}, err
		}
		ref.Status = StatusCompleted
		ref.CompletedAt = &now

		logging.FromContext(ctx).Info().
			Str("referral_id", ref.ID).
			Str("referrer_id", ref.ReferrerID).
			Msg("referral completed")
	case StatusCompleted:
		retry = true
	default:
		return *ref, ErrNotPending
	}

	rewarded, err := s.Payout.Pay(ctx, *ref)
	if err != nil {
		return *ref, err
	}
	if !rewarded {
		if retry {
			return *ref, ErrNotPending
		}
		return *ref, nil
	}

	paidAt := s.now()
	if err := s.Store.UpdateReferralStatus(ctx, ref.ID, StatusCompleted, StatusRewarded, paidAt); err != nil {
		if errors.Is(err, ErrStatusConflict) && retry {
			return *ref, ErrNotPending
		}
		return *ref, err
	}
	ref.Status = StatusRewarded
	ref.RewardedAt = &paidAt
	if retry {
		logging.FromContext(ctx).Info().
			Str("referral_id", ref.ID).
			Str("referrer_id", ref.ReferrerID).
			Msg("referral payout retried")
	}
	return *ref, nil
}

// ForReferredUser returns the referral the user signed up with.
func (s *Service) ForReferredUser(ctx context.Context, userID string) (*Referral, error) {
	return s.Store.GetReferralByReferredUser(ctx, userID)
}

// ListByReferrer returns the referrals credited to a referrer.
func (s *Service) ListByReferrer(ctx context.Context, referrerID string) ([]Referral, error) {
	return s.Store.ListReferralsByReferrer(ctx, referrerID)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) issueWelcomeCoupon(ctx context.Context, userID string, now time.Time) (string, error) {
	c := coupon.Coupon{
		Type:           coupon.TypeFixed,
		Value:          s.Rules.WelcomeValue,
		MinOrderAmount: s.Rules.WelcomeMinOrder,
		ValidFrom:      now,
		ValidUntil:     now.AddDate(0, 0, s.Rules.WelcomeValidDays),
		UsageLimit:     s.Rules.WelcomeCouponLimit,
		FirstTimeOnly:  true,
		IsActive:       true,
		Description:    fmt.Sprintf("₹%s off your first order", s.Rules.WelcomeValue.StringFixed(0)),
		AssignedTo:     userID,
		CreatedAt:      now,
	}
	for i := 0; i < codeAttempts; i++ {
		suffix, err := randomString(6)
		if err != nil {
			return "", err
		}
		c.Code = "WELCOME" + suffix
		err = s.Coupons.CreateCoupon(ctx, c)
		if err == nil {
			return c.Code, nil
		}
		if !errors.Is(err, coupon.ErrCouponExists) {
			return "", fmt.Errorf("save welcome coupon: %w", err)
		}
	}
	return "", fmt.Errorf("save welcome coupon: %w", coupon.ErrCouponExists)
}

// withdrawWelcomeCoupon deactivates a welcome coupon whose referral was
// never recorded.
func (s *Service) withdrawWelcomeCoupon(ctx context.Context, code, userID string) {
	if err := s.Coupons.DeactivateCoupon(ctx, code); err != nil {
		logging.FromContext(ctx).Error().
			Err(err).
			Str("code", code).
			Str("user_id", userID).
			Msg("failed to withdraw welcome coupon")
		return
	}
	logging.FromContext(ctx).Info().
		Str("code", code).
		Str("user_id", userID).
		Msg("welcome coupon withdrawn, referral not recorded")
}

func (s *Service) newCode() (string, error) {
	suffix, err := randomString(2)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%04d%s", codePrefix, s.now().UnixMilli()%10000, suffix), nil
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		b[i] = codeAlphabet[idx.Int64()]
	}
	return string(b), nil
}
