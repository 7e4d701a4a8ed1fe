package storefront_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prayan/loyalty-engine/coupon"
	"github.com/prayan/loyalty-engine/ledger"
	"github.com/prayan/loyalty-engine/ledger/store"
	"github.com/prayan/loyalty-engine/loyalty"
	"github.com/prayan/loyalty-engine/referral"
	"github.com/prayan/loyalty-engine/storefront"
)

var t0 = time.Date(2025, time.March, 3, 11, 0, 0, 0, time.UTC)

type fixture struct {
	svc     *storefront.Service
	coupons *coupon.MemoryStore
	users   *referral.MemoryStore
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		coupons: coupon.NewMemoryStore(),
		users:   referral.NewMemoryStore(),
		now:     t0,
	}
	clock := func() time.Time { return f.now }

	for _, c := range coupon.DefaultSeed(t0) {
		require.NoError(t, f.coupons.CreateCoupon(context.Background(), c))
	}

	program := loyalty.NewProgram(ledger.New(store.NewMemory()), f.coupons)
	program.Now = clock
	refs := referral.NewService(f.users, f.coupons, nil)
	refs.Now = clock
	eval := coupon.NewEvaluator(f.coupons)
	eval.Now = clock

	f.svc = storefront.New(program, refs, eval)
	f.svc.Now = clock
	return f
}

func (f *fixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	stats, err := f.svc.Loyalty.Stats(context.Background(), ledger.UserID(userID))
	require.NoError(t, err)
	return stats.TotalPoints
}

// =============================================================================
// END TO END
// =============================================================================

func TestStorefront_ReferredCustomerJourney(t *testing.T) {
	// GIVEN: Alice has an account and shares her referral code
	// WHEN: Bob signs up with it, pays a ₹1000 order, then redeems ₹50 off
	// THEN: Bob gets a welcome coupon, earns 100 points, the referral
	//       completes, and the redemption spends exactly 100 points

	f := newFixture(t)
	ctx := context.Background()

	alice, err := f.svc.RegisterUser(ctx, "alice", "Alice", "alice@example.com", "")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(alice.User.ReferralCode, "PRAYAN"))

	bob, err := f.svc.RegisterUser(ctx, "bob", "Bob", "bob@example.com", alice.User.ReferralCode)
	require.NoError(t, err)
	require.NoError(t, bob.ReferralError)
	require.NotNil(t, bob.Referral)
	assert.Equal(t, referral.StatusPending, bob.Referral.Status)

	welcome, err := f.coupons.GetCoupon(ctx, bob.Referral.WelcomeCoupon)
	require.NoError(t, err)
	assert.Equal(t, "bob", welcome.AssignedTo)
	assert.True(t, welcome.FirstTimeOnly)

	order, err := f.svc.ConfirmOrder(ctx, "bob", "order-1", decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.Equal(t, int64(100), order.PointsEarned)
	require.NotNil(t, order.Referral)
	assert.Equal(t, referral.StatusCompleted, order.Referral.Status)

	again, err := f.svc.ConfirmOrder(ctx, "bob", "order-1", decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.True(t, again.AlreadyAwarded)
	assert.Equal(t, int64(100), f.balance(t, "bob"))

	red, err := f.svc.RedeemReward(ctx, "bob", "off-50", "")
	require.NoError(t, err)
	assert.Equal(t, int64(100), red.Transaction.Points)
	assert.Equal(t, string(loyalty.RewardDiscount), red.Transaction.Metadata[ledger.MetaRewardType])
	assert.True(t, strings.HasPrefix(red.Coupon.Code, "LOYALTYOFF50"))
	assert.True(t, red.Coupon.Value.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, int64(0), f.balance(t, "bob"))
}

// =============================================================================
// REGISTRATION
// =============================================================================

func TestRegisterUser_BadReferralCodeDoesNotFailSignup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reg, err := f.svc.RegisterUser(ctx, "carol", "Carol", "carol@example.com", "NOSUCHCODE")
	require.NoError(t, err)
	assert.ErrorIs(t, reg.ReferralError, referral.ErrUnknownCode)
	assert.Nil(t, reg.Referral)
	assert.NotEmpty(t, reg.User.ReferralCode)

	saved, err := f.users.GetUser(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, reg.User.ReferralCode, saved.ReferralCode)
}

func TestRegisterUser_RequiresID(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.RegisterUser(context.Background(), "", "X", "x@example.com", "")
	assert.ErrorIs(t, err, storefront.ErrMissingUserID)
}

func TestConfirmOrder_SmallOrderLeavesReferralPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice, err := f.svc.RegisterUser(ctx, "alice", "Alice", "", "")
	require.NoError(t, err)
	_, err = f.svc.RegisterUser(ctx, "bob", "Bob", "", alice.User.ReferralCode)
	require.NoError(t, err)

	res, err := f.svc.ConfirmOrder(ctx, "bob", "order-1", decimal.NewFromInt(150))
	require.NoError(t, err)
	assert.Equal(t, int64(15), res.PointsEarned)
	assert.Nil(t, res.Referral)

	ref, err := f.svc.Referrals.ForReferredUser(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, referral.StatusPending, ref.Status)
}

// =============================================================================
// CHECKOUT
// =============================================================================

func TestCheckout_CouponAndPointsOnSameSubtotal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ConfirmOrder(ctx, "dev", "order-1", decimal.NewFromInt(2000))
	require.NoError(t, err)

	res, err := f.svc.Checkout(ctx, storefront.CheckoutRequest{
		UserID:       "dev",
		OrderID:      "order-2",
		Amount:       decimal.NewFromInt(1000),
		CouponCode:   "welcome10",
		RedeemPoints: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, "WELCOME10", res.CouponCode)
	assert.True(t, res.CouponDiscount.Equal(decimal.NewFromInt(100)))
	assert.True(t, res.PointsDiscount.Equal(decimal.NewFromInt(10)))
	assert.True(t, res.Total.Equal(decimal.NewFromInt(890)))
	assert.Len(t, res.Messages, 2)
	assert.Equal(t, int64(100), f.balance(t, "dev"))
}

func TestCheckout_PointsFailureReleasesCoupon(t *testing.T) {
	// GIVEN: A customer with no points
	// WHEN: Checkout applies SPICE50 and asks to redeem 100 points
	// THEN: The redemption fails and SPICE50's usage is given back

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Checkout(ctx, storefront.CheckoutRequest{
		UserID:       "erin",
		Amount:       decimal.NewFromInt(600),
		CouponCode:   "SPICE50",
		RedeemPoints: 100,
	})
	require.ErrorIs(t, err, loyalty.ErrInsufficientPoints)

	c, err := f.coupons.GetCoupon(ctx, "SPICE50")
	require.NoError(t, err)
	assert.Equal(t, 0, c.UsedCount)
}

func TestCheckout_PersonalCouponOnlyForItsOwner(t *testing.T) {
	// GIVEN: Bob signed up with Alice's code and holds a welcome coupon
	// WHEN: Mallory checks out with Bob's welcome code
	// THEN: It is rejected as not assigned; Bob can still use it

	f := newFixture(t)
	ctx := context.Background()

	alice, err := f.svc.RegisterUser(ctx, "alice", "Alice", "", "")
	require.NoError(t, err)
	bob, err := f.svc.RegisterUser(ctx, "bob", "Bob", "", alice.User.ReferralCode)
	require.NoError(t, err)
	code := bob.Referral.WelcomeCoupon

	_, err = f.svc.Checkout(ctx, storefront.CheckoutRequest{
		UserID: "mallory", OrderID: "m-1", Amount: decimal.NewFromInt(600), CouponCode: code,
	})
	var rej *coupon.RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, coupon.ReasonNotAssigned, rej.Reason)

	res, err := f.svc.Checkout(ctx, storefront.CheckoutRequest{
		UserID: "bob", OrderID: "b-1", Amount: decimal.NewFromInt(600), CouponCode: code,
	})
	require.NoError(t, err)
	assert.True(t, res.CouponDiscount.Equal(decimal.NewFromInt(100)))
	assert.NotEmpty(t, res.CouponApplicationID)
}

func TestConfirmOrder_FinalizesCheckoutCoupon(t *testing.T) {
	// GIVEN: A checkout that applied SPICE50 to order-7
	// WHEN: order-7 is confirmed
	// THEN: The coupon application is finalized and can no longer be released

	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Checkout(ctx, storefront.CheckoutRequest{
		UserID: "gus", OrderID: "order-7", Amount: decimal.NewFromInt(600), CouponCode: "SPICE50",
	})
	require.NoError(t, err)

	_, err = f.svc.ConfirmOrder(ctx, "gus", "order-7", decimal.NewFromInt(550))
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.Coupons.Release(ctx, res.CouponApplicationID, "gus"), coupon.ErrApplicationClosed)
	c, err := f.coupons.GetCoupon(ctx, "SPICE50")
	require.NoError(t, err)
	assert.Equal(t, 1, c.UsedCount)
}

// failOncePayout fails its first call, then rewards.
type failOncePayout struct{ calls int }

func (p *failOncePayout) Pay(context.Context, referral.Referral) (bool, error) {
	p.calls++
	if p.calls == 1 {
		return false, errors.New("ledger unavailable")
	}
	return true, nil
}

func TestConfirmOrder_RetriesFailedReferralPayout(t *testing.T) {
	// GIVEN: A referral whose payout failed when Bob's first order was confirmed
	// WHEN: The same order is confirmed again
	// THEN: No points are awarded twice, and the payout runs again and rewards

	f := newFixture(t)
	ctx := context.Background()
	payout := &failOncePayout{}
	f.svc.Referrals.Payout = payout

	alice, err := f.svc.RegisterUser(ctx, "alice", "Alice", "", "")
	require.NoError(t, err)
	_, err = f.svc.RegisterUser(ctx, "bob", "Bob", "", alice.User.ReferralCode)
	require.NoError(t, err)

	first, err := f.svc.ConfirmOrder(ctx, "bob", "order-1", decimal.NewFromInt(1000))
	require.NoError(t, err)
	require.NotNil(t, first.Referral)
	assert.Equal(t, referral.StatusCompleted, first.Referral.Status)

	again, err := f.svc.ConfirmOrder(ctx, "bob", "order-1", decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.True(t, again.AlreadyAwarded)
	require.NotNil(t, again.Referral)
	assert.Equal(t, referral.StatusRewarded, again.Referral.Status)
	assert.Equal(t, 2, payout.calls)
	assert.Equal(t, int64(100), f.balance(t, "bob"))
}

func TestCheckout_FirstTimeCouponNeedsFirstOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Checkout(ctx, storefront.CheckoutRequest{
		UserID: "fay", Amount: decimal.NewFromInt(500), CouponCode: "FIRST20",
	})
	require.NoError(t, err)
	assert.True(t, res.CouponDiscount.Equal(decimal.NewFromInt(100)))

	_, err = f.svc.ConfirmOrder(ctx, "fay", "order-1", decimal.NewFromInt(500))
	require.NoError(t, err)

	_, err = f.svc.Checkout(ctx, storefront.CheckoutRequest{
		UserID: "fay", Amount: decimal.NewFromInt(500), CouponCode: "FIRST20",
	})
	var rej *coupon.RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, coupon.ReasonFirstTimeOnly, rej.Reason)
}

func TestCheckout_RejectsNonPositiveAmount(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Checkout(context.Background(), storefront.CheckoutRequest{UserID: "x", Amount: decimal.Zero})
	assert.ErrorIs(t, err, loyalty.ErrInvalidOrder)
}
