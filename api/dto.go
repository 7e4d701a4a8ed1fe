/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Currency amounts are decimals. Requests accept either a JSON number or
  a string ("1299.50"); responses always use strings.

VALIDATION:
  Request structs carry validator/v10 tags. Field errors are reported
  under their JSON names.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/prayan/loyalty-engine/coupon"
	"github.com/prayan/loyalty-engine/ledger"
	"github.com/prayan/loyalty-engine/loyalty"
	"github.com/prayan/loyalty-engine/referral"
	"github.com/prayan/loyalty-engine/storefront"
)

// =============================================================================
// PROGRAM
// =============================================================================

type TierDTO struct {
	Name                  string   `json:"name"`
	MinPoints             int64    `json:"min_points"`
	Benefits              []string `json:"benefits"`
	DiscountPercentage    string   `json:"discount_percentage"`
	PointsMultiplier      string   `json:"points_multiplier"`
	FreeShippingThreshold string   `json:"free_shipping_threshold"`
}

type RewardDTO struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	PointsCost    int64  `json:"points_cost"`
	Value         string `json:"value"`
	Type          string `json:"type"`
	MinOrderValue string `json:"min_order_value"`
	MaxUses       int    `json:"max_uses"`
	ValidityDays  int    `json:"validity_days"`
	IsActive      bool   `json:"is_active"`
}

// =============================================================================
// LEDGER
// =============================================================================

type TransactionDTO struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Points      int64             `json:"points"`
	OrderID     string            `json:"order_id,omitempty"`
	Description string            `json:"description"`
	Timestamp   string            `json:"timestamp"`
	ExpiryDate  string            `json:"expiry_date,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type ProgressDTO struct {
	Current    int64   `json:"current"`
	Required   int64   `json:"required"`
	Percentage float64 `json:"percentage"`
}

// LoyaltyDTO is a user's derived loyalty view.
type LoyaltyDTO struct {
	UserID         string      `json:"user_id"`
	TotalPoints    int64       `json:"total_points"`
	PointsValue    string      `json:"points_value"`
	CurrentTier    TierDTO     `json:"current_tier"`
	NextTier       *TierDTO    `json:"next_tier,omitempty"`
	Progress       ProgressDTO `json:"progress"`
	LifetimeEarned int64       `json:"lifetime_earned"`
	TotalRedeemed  int64       `json:"total_redeemed"`
	TotalExpired   int64       `json:"total_expired"`
}

type BonusRequest struct {
	Points int64  `json:"points" validate:"required,gt=0"`
	Reason string `json:"reason" validate:"max=200"`
}

type RedeemRewardRequest struct {
	RewardID string `json:"reward_id" validate:"required"`
	OrderID  string `json:"order_id" validate:"max=128"`
}

type RedeemCustomRequest struct {
	Points  int64  `json:"points" validate:"required,gt=0"`
	OrderID string `json:"order_id" validate:"max=128"`
}

// RewardRedemptionDTO is a spent reward and the coupon it granted.
type RewardRedemptionDTO struct {
	Transaction TransactionDTO `json:"transaction"`
	Coupon      *CouponDTO     `json:"coupon,omitempty"`
}

// =============================================================================
// USERS & REFERRALS
// =============================================================================

type RegisterUserRequest struct {
	ID           string `json:"id" validate:"required,max=128"`
	Name         string `json:"name" validate:"required,max=200"`
	Email        string `json:"email" validate:"omitempty,email"`
	ReferralCode string `json:"referral_code" validate:"omitempty,max=32"`
}

type UserDTO struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email,omitempty"`
	ReferralCode string `json:"referral_code"`
	CreatedAt    string `json:"created_at,omitempty"`
}

type ReferralDTO struct {
	ID             string `json:"id"`
	ReferrerID     string `json:"referrer_id"`
	ReferredUserID string `json:"referred_user_id"`
	ReferredName   string `json:"referred_name,omitempty"`
	ReferralCode   string `json:"referral_code"`
	RewardAmount   string `json:"reward_amount"`
	Status         string `json:"status"`
	WelcomeCoupon  string `json:"welcome_coupon,omitempty"`
	CreatedAt      string `json:"created_at"`
	CompletedAt    string `json:"completed_at,omitempty"`
	RewardedAt     string `json:"rewarded_at,omitempty"`
}

type RegisterUserResponse struct {
	User          UserDTO      `json:"user"`
	Referral      *ReferralDTO `json:"referral,omitempty"`
	ReferralError string       `json:"referral_error,omitempty"`
}

// ReferralSummaryDTO is what a user sees on their referral page.
type ReferralSummaryDTO struct {
	ReferralCode string        `json:"referral_code"`
	ReferredBy   *ReferralDTO  `json:"referred_by,omitempty"`
	Referrals    []ReferralDTO `json:"referrals"`
}

// =============================================================================
// ORDERS, COUPONS & CHECKOUT
// =============================================================================

type ConfirmOrderRequest struct {
	UserID  string          `json:"user_id" validate:"required,max=128"`
	OrderID string          `json:"order_id" validate:"required,max=128"`
	Amount  decimal.Decimal `json:"amount"`
}

type OrderResultDTO struct {
	PointsEarned   int64        `json:"points_earned"`
	AlreadyAwarded bool         `json:"already_awarded"`
	Referral       *ReferralDTO `json:"referral,omitempty"`
}

type ApplyCouponRequest struct {
	Code              string          `json:"code" validate:"required,max=64"`
	UserID            string          `json:"user_id" validate:"required,max=128"`
	OrderID           string          `json:"order_id" validate:"max=128"`
	OrderAmount       decimal.Decimal `json:"order_amount"`
	FirstTimeCustomer bool            `json:"first_time_customer"`
}

type ReleaseCouponRequest struct {
	UserID string `json:"user_id" validate:"required,max=128"`
}

type CouponResultDTO struct {
	ApplicationID string `json:"application_id"`
	Code          string `json:"code"`
	Discount      string `json:"discount"`
	FreeShipping  bool   `json:"free_shipping"`
	Message       string `json:"message"`
}

type CouponDTO struct {
	Code           string `json:"code"`
	Type           string `json:"type"`
	Value          string `json:"value"`
	MinOrderAmount string `json:"min_order_amount"`
	MaxDiscount    string `json:"max_discount,omitempty"`
	ValidFrom      string `json:"valid_from,omitempty"`
	ValidUntil     string `json:"valid_until,omitempty"`
	UsageLimit     int    `json:"usage_limit"`
	UsedCount      int    `json:"used_count"`
	FirstTimeOnly  bool   `json:"first_time_only"`
	Description    string `json:"description"`
}

type CheckoutRequest struct {
	UserID       string          `json:"user_id" validate:"required,max=128"`
	OrderID      string          `json:"order_id" validate:"max=128"`
	Amount       decimal.Decimal `json:"amount"`
	CouponCode   string          `json:"coupon_code" validate:"omitempty,max=64"`
	RedeemPoints int64           `json:"redeem_points" validate:"gte=0"`
}

type CheckoutDTO struct {
	Subtotal            string   `json:"subtotal"`
	CouponCode          string   `json:"coupon_code,omitempty"`
	CouponApplicationID string   `json:"coupon_application_id,omitempty"`
	CouponDiscount      string   `json:"coupon_discount"`
	FreeShipping        bool     `json:"free_shipping"`
	PointsRedeemed      int64    `json:"points_redeemed"`
	PointsDiscount      string   `json:"points_discount"`
	Total               string   `json:"total"`
	Messages            []string `json:"messages"`
}

// =============================================================================
// ADMIN & HEALTH
// =============================================================================

type SweepDTO struct {
	Users         int               `json:"users"`
	ExpiredPoints int64             `json:"expired_points"`
	Failed        map[string]string `json:"failed,omitempty"`
}

type HealthDTO struct {
	Status      string `json:"status"`
	Database    string `json:"database"`
	SyncPending int    `json:"sync_pending"`
	LastSweepAt string `json:"last_sweep_at,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func toTierDTO(t loyalty.Tier) TierDTO {
	benefits := t.Benefits
	if benefits == nil {
		benefits = []string{}
	}
	return TierDTO{
		Name:                  t.Name,
		MinPoints:             t.MinPoints,
		Benefits:              benefits,
		DiscountPercentage:    t.DiscountPercentage.String(),
		PointsMultiplier:      t.PointsMultiplier.String(),
		FreeShippingThreshold: t.FreeShippingThreshold.StringFixed(2),
	}
}

func toRewardDTO(r loyalty.Reward) RewardDTO {
	return RewardDTO{
		ID:            r.ID,
		Name:          r.Name,
		Description:   r.Description,
		PointsCost:    r.PointsCost,
		Value:         r.Value.StringFixed(2),
		Type:          string(r.Type),
		MinOrderValue: r.MinOrderValue.StringFixed(2),
		MaxUses:       r.MaxUses,
		ValidityDays:  r.ValidityDays,
		IsActive:      r.IsActive,
	}
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:          string(tx.ID),
		Type:        string(tx.Type),
		Points:      tx.Points,
		OrderID:     tx.OrderID,
		Description: tx.Description,
		Timestamp:   formatTime(tx.Timestamp),
		ExpiryDate:  formatTimePtr(tx.ExpiryDate),
		Metadata:    tx.Metadata,
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toTransactionDTO(tx))
	}
	return out
}

func toLoyaltyDTO(userID string, s loyalty.Stats) LoyaltyDTO {
	dto := LoyaltyDTO{
		UserID:      userID,
		TotalPoints: s.TotalPoints,
		PointsValue: s.PointsValue.StringFixed(2),
		CurrentTier: toTierDTO(s.CurrentTier),
		Progress: ProgressDTO{
			Current:    s.Progress.Current,
			Required:   s.Progress.Required,
			Percentage: s.Progress.Percentage,
		},
		LifetimeEarned: s.LifetimeEarned,
		TotalRedeemed:  s.TotalRedeemed,
		TotalExpired:   s.TotalExpired,
	}
	if s.NextTier != nil {
		next := toTierDTO(*s.NextTier)
		dto.NextTier = &next
	}
	return dto
}

func toUserDTO(u referral.User) UserDTO {
	return UserDTO{
		ID:           u.ID,
		Name:         u.Name,
		Email:        u.Email,
		ReferralCode: u.ReferralCode,
		CreatedAt:    formatTime(u.CreatedAt),
	}
}

func toReferralDTO(r referral.Referral) ReferralDTO {
	return ReferralDTO{
		ID:             r.ID,
		ReferrerID:     r.ReferrerID,
		ReferredUserID: r.ReferredUserID,
		ReferredName:   r.ReferredName,
		ReferralCode:   r.ReferralCode,
		RewardAmount:   r.RewardAmount.StringFixed(2),
		Status:         string(r.Status),
		WelcomeCoupon:  r.WelcomeCoupon,
		CreatedAt:      formatTime(r.CreatedAt),
		CompletedAt:    formatTimePtr(r.CompletedAt),
		RewardedAt:     formatTimePtr(r.RewardedAt),
	}
}

func toReferralDTOPtr(r *referral.Referral) *ReferralDTO {
	if r == nil {
		return nil
	}
	dto := toReferralDTO(*r)
	return &dto
}

func toCouponDTO(c coupon.Coupon) CouponDTO {
	dto := CouponDTO{
		Code:           c.Code,
		Type:           string(c.Type),
		Value:          c.Value.StringFixed(2),
		MinOrderAmount: c.MinOrderAmount.StringFixed(2),
		ValidFrom:      formatTime(c.ValidFrom),
		ValidUntil:     formatTime(c.ValidUntil),
		UsageLimit:     c.UsageLimit,
		UsedCount:      c.UsedCount,
		FirstTimeOnly:  c.FirstTimeOnly,
		Description:    c.Description,
	}
	if c.MaxDiscount != nil {
		dto.MaxDiscount = c.MaxDiscount.StringFixed(2)
	}
	return dto
}

func toCouponResultDTO(r coupon.Result) CouponResultDTO {
	return CouponResultDTO{
		ApplicationID: r.ApplicationID,
		Code:          r.Code,
		Discount:      r.Discount.StringFixed(2),
		FreeShipping:  r.FreeShipping,
		Message:       r.Message,
	}
}

func toCheckoutDTO(r storefront.CheckoutResult) CheckoutDTO {
	msgs := r.Messages
	if msgs == nil {
		msgs = []string{}
	}
	return CheckoutDTO{
		Subtotal:            r.Subtotal.StringFixed(2),
		CouponCode:          r.CouponCode,
		CouponApplicationID: r.CouponApplicationID,
		CouponDiscount:      r.CouponDiscount.StringFixed(2),
		FreeShipping:        r.FreeShipping,
		PointsRedeemed:      r.PointsRedeemed,
		PointsDiscount:      r.PointsDiscount.StringFixed(2),
		Total:               r.Total.StringFixed(2),
		Messages:            msgs,
	}
}

func toSweepDTO(r loyalty.SweepReport) SweepDTO {
	dto := SweepDTO{Users: r.Users, ExpiredPoints: r.Expired}
	if len(r.Failed) > 0 {
		dto.Failed = make(map[string]string, len(r.Failed))
		for u, err := range r.Failed {
			dto.Failed[string(u)] = err.Error()
		}
	}
	return dto
}

// =============================================================================
// VALIDATION
// =============================================================================

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Use JSON tag names in error messages
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateStruct returns field errors keyed by JSON name, or nil.
func validateStruct(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"_": err.Error()}
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			fields[fe.Field()] = "This field is required"
		case "email":
			fields[fe.Field()] = "Invalid email format"
		case "max":
			fields[fe.Field()] = "Value is too long (max: " + fe.Param() + ")"
		case "gt":
			fields[fe.Field()] = "Value must be greater than " + fe.Param()
		case "gte":
			fields[fe.Field()] = "Value must be at least " + fe.Param()
		default:
			fields[fe.Field()] = "Invalid value"
		}
	}
	return fields
}
