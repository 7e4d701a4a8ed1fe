/*
handlers.go - HTTP API handlers for the loyalty engine

PURPOSE:
  Exposes the storefront loyalty operations via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the storefront
  service.

ENDPOINTS:
  Program:
    GET    /api/tiers                           Tier table
    GET    /api/rewards                         Active reward catalog

  Users:
    POST   /api/users                           Register (optional referral_code)
    GET    /api/users/{id}/loyalty              Balance, tier and progress
    GET    /api/users/{id}/transactions         Point history, newest first
    POST   /api/users/{id}/bonus                Grant bonus points
    POST   /api/users/{id}/redemptions          Redeem a catalog reward
    POST   /api/users/{id}/redemptions/custom   Redeem points for a discount
    GET    /api/users/{id}/referral             Referral code and referrals

  Orders & coupons:
    POST   /api/orders                          Confirm a paid order
    POST   /api/checkout                        Price an order with discounts
    POST   /api/coupons/apply                   Apply a coupon
    POST   /api/coupons/{code}/release          Give back one coupon use

  Admin:
    POST   /api/admin/expire                    Sweep due expirations now

  Health:
    GET    /healthz                             Store and sync status

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input (validator tags, then amount checks)
  3. Call the storefront service
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, rejected coupons, insufficient points
  - 404: Unknown user, reward, coupon or referral
  - 409: Conflict (order already awarded, already referred, duplicate)
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. The admin and bonus
  endpoints must sit behind the storefront's own gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - scheduler.go: Background expiry sweep
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/prayan/loyalty-engine/coupon"
	"github.com/prayan/loyalty-engine/ledger"
	"github.com/prayan/loyalty-engine/logging"
	"github.com/prayan/loyalty-engine/loyalty"
	"github.com/prayan/loyalty-engine/referral"
	"github.com/prayan/loyalty-engine/storefront"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// SyncReporter reports writes waiting to reach the remote ledger.
type SyncReporter interface {
	SyncPending() int
}

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Storefront *storefront.Service
	Scheduler  *ExpiryScheduler

	// Optional
	Sync SyncReporter
	DB   Pinger
}

// NewHandler creates a handler over the storefront service.
func NewHandler(svc *storefront.Service, scheduler *ExpiryScheduler) *Handler {
	return &Handler{Storefront: svc, Scheduler: scheduler}
}

// =============================================================================
// PROGRAM HANDLERS
// =============================================================================

// ListTiers returns the tier table, lowest first.
func (h *Handler) ListTiers(w http.ResponseWriter, r *http.Request) {
	tiers := h.Storefront.Loyalty.Tiers
	dtos := make([]TierDTO, len(tiers))
	for i, t := range tiers {
		dtos[i] = toTierDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListRewards returns the rewards currently on offer.
func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	dtos := []RewardDTO{}
	for _, rw := range h.Storefront.Loyalty.Rewards {
		if rw.IsActive {
			dtos = append(dtos, toRewardDTO(rw))
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// RegisterUser creates an account. A rejected referral code is reported
// in the body, not as an error.
func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req RegisterUserRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	reg, err := h.Storefront.RegisterUser(r.Context(), req.ID, req.Name, req.Email, req.ReferralCode)
	if err != nil {
		writeDomainError(w, r, "Failed to register user", err)
		return
	}

	resp := RegisterUserResponse{
		User:     toUserDTO(reg.User),
		Referral: toReferralDTOPtr(reg.Referral),
	}
	if reg.ReferralError != nil {
		resp.ReferralError = reg.ReferralError.Error()
	}
	writeJSON(w, http.StatusCreated, resp)
}

// GetLoyalty returns the user's balance, tier and progress. Due
// expirations are applied first.
func (h *Handler) GetLoyalty(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	stats, err := h.Storefront.Loyalty.Stats(r.Context(), ledger.UserID(userID))
	if err != nil {
		writeDomainError(w, r, "Failed to load loyalty status", err)
		return
	}
	writeJSON(w, http.StatusOK, toLoyaltyDTO(userID, stats))
}

// GetTransactions returns the user's point history, newest first.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	stats, err := h.Storefront.Loyalty.Stats(r.Context(), ledger.UserID(userID))
	if err != nil {
		writeDomainError(w, r, "Failed to load transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(stats.Transactions))
}

// AwardBonus grants points outside of an order.
func (h *Handler) AwardBonus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var req BonusRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "Bonus points"
	}

	tx, err := h.Storefront.Loyalty.AwardBonusPoints(r.Context(), ledger.UserID(userID), req.Points, req.Reason)
	if err != nil {
		writeDomainError(w, r, "Failed to award bonus points", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// RedeemReward spends a catalog reward's cost and issues its coupon.
func (h *Handler) RedeemReward(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var req RedeemRewardRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	red, err := h.Storefront.RedeemReward(r.Context(), userID, req.RewardID, req.OrderID)
	if err != nil {
		writeDomainError(w, r, "Failed to redeem reward", err)
		return
	}

	c := toCouponDTO(red.Coupon)
	writeJSON(w, http.StatusCreated, RewardRedemptionDTO{
		Transaction: toTransactionDTO(red.Transaction),
		Coupon:      &c,
	})
}

// RedeemCustom spends points for a discount at the program's point value.
func (h *Handler) RedeemCustom(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var req RedeemCustomRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	program := h.Storefront.Loyalty
	discount := program.ConvertPointsToDiscount(req.Points)
	tx, err := program.RedeemCustomPoints(r.Context(), ledger.UserID(userID), req.Points, discount, req.OrderID)
	if err != nil {
		writeDomainError(w, r, "Failed to redeem points", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// GetReferral returns the user's referral code, who referred them and
// whom they referred.
func (h *Handler) GetReferral(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "id")
	refs := h.Storefront.Referrals

	user, err := refs.Store.GetUser(ctx, userID)
	if err != nil {
		writeDomainError(w, r, "Failed to load user", err)
		return
	}

	summary := ReferralSummaryDTO{ReferralCode: user.ReferralCode, Referrals: []ReferralDTO{}}

	by, err := refs.ForReferredUser(ctx, userID)
	switch {
	case err == nil:
		summary.ReferredBy = toReferralDTOPtr(by)
	case errors.Is(err, referral.ErrReferralNotFound):
	default:
		writeDomainError(w, r, "Failed to load referral", err)
		return
	}

	list, err := refs.ListByReferrer(ctx, userID)
	if err != nil {
		writeDomainError(w, r, "Failed to list referrals", err)
		return
	}
	for _, ref := range list {
		summary.Referrals = append(summary.Referrals, toReferralDTO(ref))
	}
	writeJSON(w, http.StatusOK, summary)
}

// =============================================================================
// ORDER & COUPON HANDLERS
// =============================================================================

// ConfirmOrder credits a paid order and completes a pending referral.
// Confirming the same order twice returns already_awarded.
func (h *Handler) ConfirmOrder(w http.ResponseWriter, r *http.Request) {
	var req ConfirmOrderRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if !requirePositive(w, "amount", req.Amount) {
		return
	}

	res, err := h.Storefront.ConfirmOrder(r.Context(), req.UserID, req.OrderID, req.Amount)
	if err != nil {
		writeDomainError(w, r, "Failed to confirm order", err)
		return
	}
	writeJSON(w, http.StatusOK, OrderResultDTO{
		PointsEarned:   res.PointsEarned,
		AlreadyAwarded: res.AlreadyAwarded,
		Referral:       toReferralDTOPtr(res.Referral),
	})
}

// Checkout applies a coupon and a points discount to one order.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if !requirePositive(w, "amount", req.Amount) {
		return
	}

	res, err := h.Storefront.Checkout(r.Context(), storefront.CheckoutRequest{
		UserID:       req.UserID,
		OrderID:      req.OrderID,
		Amount:       req.Amount,
		CouponCode:   req.CouponCode,
		RedeemPoints: req.RedeemPoints,
	})
	if err != nil {
		writeDomainError(w, r, "Checkout failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toCheckoutDTO(res))
}

// ApplyCoupon validates a coupon for a customer's order and counts one use.
// The returned application_id is what ReleaseCoupon takes.
func (h *Handler) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	var req ApplyCouponRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if !requirePositive(w, "order_amount", req.OrderAmount) {
		return
	}

	res, err := h.Storefront.Coupons.Apply(r.Context(), coupon.Request{
		Code:              req.Code,
		UserID:            req.UserID,
		OrderID:           req.OrderID,
		OrderAmount:       req.OrderAmount,
		FirstTimeCustomer: req.FirstTimeCustomer,
	})
	if err != nil {
		writeDomainError(w, r, "Coupon not applied", err)
		return
	}
	writeJSON(w, http.StatusOK, toCouponResultDTO(res))
}

// ReleaseCoupon gives back the use counted by one live application.
func (h *Handler) ReleaseCoupon(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ReleaseCouponRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.Storefront.Coupons.Release(r.Context(), id, req.UserID); err != nil {
		writeDomainError(w, r, "Failed to release coupon", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released", "application_id": id})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerExpiry sweeps every user's due expirations now.
func (h *Handler) TriggerExpiry(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "Expiry sweep not configured", nil)
		return
	}
	report := h.Scheduler.RunNow(r.Context())
	writeJSON(w, http.StatusOK, toSweepDTO(report))
}

// Health reports store reachability and queued remote writes.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthDTO{Status: "ok", Database: "ok"}
	status := http.StatusOK

	if h.DB != nil {
		if err := h.DB.Ping(r.Context()); err != nil {
			logging.FromContext(r.Context()).Error().Err(err).Msg("health check: database unreachable")
			resp.Status = "degraded"
			resp.Database = "unreachable"
			status = http.StatusServiceUnavailable
		}
	}
	if h.Sync != nil {
		resp.SyncPending = h.Sync.SyncPending()
		if resp.SyncPending > 0 && resp.Status == "ok" {
			resp.Status = "degraded"
		}
	}
	if h.Scheduler != nil {
		if _, at := h.Scheduler.LastRun(); !at.IsZero() {
			resp.LastSweepAt = formatTime(at)
		}
	}
	writeJSON(w, status, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// decodeAndValidate reads the JSON body into dst and runs its validator
// tags. It writes the 400 response itself and reports whether to go on.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if fields := validateStruct(dst); fields != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:  "Validation failed",
			Code:   "validation_failed",
			Fields: fields,
		})
		return false
	}
	return true
}

func requirePositive(w http.ResponseWriter, field string, d decimal.Decimal) bool {
	if d.IsPositive() {
		return true
	}
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:  "Validation failed",
		Code:   "validation_failed",
		Fields: map[string]string{field: "Value must be greater than 0"},
	})
	return false
}

// writeDomainError maps domain errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	var rej *coupon.RejectionError
	if errors.As(err, &rej) {
		status := http.StatusBadRequest
		switch rej.Reason {
		case coupon.ReasonNotFound:
			status = http.StatusNotFound
		case coupon.ReasonNotAssigned:
			status = http.StatusForbidden
		}
		writeJSON(w, status, ErrorResponse{Error: rej.Message, Code: rej.Reason, Details: err.Error()})
		return
	}

	var short *loyalty.InsufficientPointsError
	if errors.As(err, &short) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Insufficient points",
			Code:    "insufficient_points",
			Details: err.Error(),
		})
		return
	}

	switch {
	case errors.Is(err, loyalty.ErrOrderAlreadyAwarded),
		errors.Is(err, referral.ErrAlreadyReferred),
		errors.Is(err, ledger.ErrDuplicateIdempotencyKey),
		errors.Is(err, ledger.ErrConcurrentModification),
		errors.Is(err, coupon.ErrCouponExists),
		errors.Is(err, coupon.ErrUsageLimitReached),
		errors.Is(err, coupon.ErrApplicationClosed):
		writeError(w, http.StatusConflict, message, err)
	case loyalty.IsNotFound(err),
		referral.IsNotFound(err),
		errors.Is(err, coupon.ErrNotFound),
		errors.Is(err, coupon.ErrApplicationNotFound):
		writeError(w, http.StatusNotFound, message, err)
	case loyalty.IsClientError(err),
		referral.IsClientError(err),
		errors.Is(err, storefront.ErrMissingUserID):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		logging.FromContext(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg(message)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
