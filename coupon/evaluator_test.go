package coupon_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prayan/loyalty-engine/coupon"
)

var now = time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newEvaluator(t *testing.T, coupons ...coupon.Coupon) (*coupon.Evaluator, *coupon.MemoryStore) {
	t.Helper()
	st := coupon.NewMemoryStore()
	for _, c := range coupons {
		require.NoError(t, st.CreateCoupon(context.Background(), c))
	}
	ev := coupon.NewEvaluator(st)
	ev.Now = func() time.Time { return now }
	return ev, st
}

func base(code string) coupon.Coupon {
	return coupon.Coupon{
		Code:           code,
		Type:           coupon.TypeFixed,
		Value:          amount("100"),
		MinOrderAmount: amount("499"),
		ValidFrom:      now.AddDate(0, -1, 0),
		ValidUntil:     now.AddDate(0, 1, 0),
		UsageLimit:     1,
		IsActive:       true,
	}
}

func req(code, orderAmount string, firstTime bool) coupon.Request {
	return coupon.Request{
		Code:              code,
		UserID:            "alice",
		OrderID:           "ord-1",
		OrderAmount:       amount(orderAmount),
		FirstTimeCustomer: firstTime,
	}
}

func reason(t *testing.T, err error) string {
	t.Helper()
	var rej *coupon.RejectionError
	require.ErrorAs(t, err, &rej)
	assert.ErrorIs(t, err, coupon.ErrRejected)
	return rej.Reason
}

// =============================================================================
// VALIDATION ORDER
// =============================================================================

func TestApply_UnknownCode(t *testing.T) {
	ev, _ := newEvaluator(t)
	_, err := ev.Apply(context.Background(), req("NOPE", "1000", true))
	assert.Equal(t, coupon.ReasonNotFound, reason(t, err))
}

func TestApply_FirstFailureWins(t *testing.T) {
	// GIVEN: A coupon that is inactive AND below minimum AND expired
	// WHEN: Applied
	// THEN: The inactive check, which comes first, is reported

	c := base("MULTI")
	c.IsActive = false
	c.ValidUntil = now.AddDate(0, 0, -1)
	ev, _ := newEvaluator(t, c)

	_, err := ev.Apply(context.Background(), req("MULTI", "10", false))
	assert.Equal(t, coupon.ReasonInactive, reason(t, err))
}

func TestApply_EachCheck(t *testing.T) {
	used := base("USED")
	used.UsedCount = 1

	first := base("FIRSTONLY")
	first.FirstTimeOnly = true

	future := base("FUTURE")
	future.ValidFrom = now.AddDate(0, 0, 1)

	expired := base("OLD")
	expired.ValidUntil = now.AddDate(0, 0, -1)

	ev, _ := newEvaluator(t, used, first, future, expired, base("MIN"))
	ctx := context.Background()

	_, err := ev.Apply(ctx, req("USED", "1000", true))
	assert.Equal(t, coupon.ReasonUsageLimit, reason(t, err))

	_, err = ev.Apply(ctx, req("MIN", "498.99", true))
	assert.Equal(t, coupon.ReasonMinOrder, reason(t, err))

	_, err = ev.Apply(ctx, req("FIRSTONLY", "1000", false))
	assert.Equal(t, coupon.ReasonFirstTimeOnly, reason(t, err))

	_, err = ev.Apply(ctx, req("FUTURE", "1000", true))
	assert.Equal(t, coupon.ReasonNotYetValid, reason(t, err))

	_, err = ev.Apply(ctx, req("OLD", "1000", true))
	assert.Equal(t, coupon.ReasonExpired, reason(t, err))
}

// =============================================================================
// DISCOUNTS
// =============================================================================

func TestApply_Discounts(t *testing.T) {
	pct := base("PCT")
	pct.Type = coupon.TypePercentage
	pct.Value = amount("20")
	limit := amount("150")
	pct.MaxDiscount = &limit
	pct.UsageLimit = 10

	fixed := base("FIXED")
	fixed.MinOrderAmount = decimal.Zero
	fixed.UsageLimit = 10

	ship := base("SHIP")
	ship.Type = coupon.TypeFreeShipping
	ship.Value = decimal.Zero

	ev, _ := newEvaluator(t, pct, fixed, ship)
	ctx := context.Background()

	res, err := ev.Apply(ctx, req("pct", "500", false))
	require.NoError(t, err)
	assert.True(t, res.Discount.Equal(amount("100")), "20%% of 500, got %s", res.Discount)

	res, err = ev.Apply(ctx, req("PCT", "1000", false))
	require.NoError(t, err)
	assert.True(t, res.Discount.Equal(amount("150")), "capped, got %s", res.Discount)

	res, err = ev.Apply(ctx, req("FIXED", "60", false))
	require.NoError(t, err)
	assert.True(t, res.Discount.Equal(amount("60")), "never above the order, got %s", res.Discount)

	res, err = ev.Apply(ctx, req(" ship ", "600", false))
	require.NoError(t, err)
	assert.True(t, res.FreeShipping)
	assert.True(t, res.Discount.IsZero())
	assert.Equal(t, "SHIP", res.Code)
}

// =============================================================================
// USAGE COUNTER
// =============================================================================

func TestApply_ConcurrentUsesRespectLimit(t *testing.T) {
	c := base("LIMITED")
	c.UsageLimit = 5
	ev, st := newEvaluator(t, c)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ev.Apply(ctx, req("LIMITED", "999", true)); err == nil {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, applied)
	stored, err := st.GetCoupon(ctx, "LIMITED")
	require.NoError(t, err)
	assert.Equal(t, 5, stored.UsedCount)
}

func TestRelease_OnlyOncePerApplication(t *testing.T) {
	// GIVEN: A coupon with two uses, applied by two customers
	// WHEN: The first customer releases the same application twice
	// THEN: Only their use is given back; the second customer's stays counted

	c := base("SHARED")
	c.UsageLimit = 2
	ev, st := newEvaluator(t, c)
	ctx := context.Background()

	a := req("SHARED", "600", true)
	resA, err := ev.Apply(ctx, a)
	require.NoError(t, err)
	require.NotEmpty(t, resA.ApplicationID)

	b := req("SHARED", "600", true)
	b.UserID, b.OrderID = "bob", "ord-2"
	_, err = ev.Apply(ctx, b)
	require.NoError(t, err)

	require.NoError(t, ev.Release(ctx, resA.ApplicationID, "alice"))
	assert.ErrorIs(t, ev.Release(ctx, resA.ApplicationID, "alice"), coupon.ErrApplicationClosed)

	stored, err := st.GetCoupon(ctx, "SHARED")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.UsedCount)

	// Released use can be applied again.
	_, err = ev.Apply(ctx, a)
	require.NoError(t, err)
}

func TestRelease_UnknownOrForeignApplication(t *testing.T) {
	ev, st := newEvaluator(t, base("ONCE"))
	ctx := context.Background()

	res, err := ev.Apply(ctx, req("ONCE", "600", true))
	require.NoError(t, err)

	assert.ErrorIs(t, ev.Release(ctx, "missing-id", "alice"), coupon.ErrApplicationNotFound)
	assert.ErrorIs(t, ev.Release(ctx, res.ApplicationID, "mallory"), coupon.ErrApplicationNotFound)

	stored, _ := st.GetCoupon(ctx, "ONCE")
	assert.Equal(t, 1, stored.UsedCount)
}

func TestRelease_FinalizedApplicationStaysCounted(t *testing.T) {
	// GIVEN: A coupon applied to an order that was then paid
	// WHEN: The application is released afterwards
	// THEN: The release is refused and the use stays counted

	ev, st := newEvaluator(t, base("PAID"))
	ctx := context.Background()

	res, err := ev.Apply(ctx, req("PAID", "600", true))
	require.NoError(t, err)

	n, err := ev.Finalize(ctx, "alice", "ord-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.ErrorIs(t, ev.Release(ctx, res.ApplicationID, ""), coupon.ErrApplicationClosed)

	stored, _ := st.GetCoupon(ctx, "PAID")
	assert.Equal(t, 1, stored.UsedCount)

	app, err := st.GetApplication(ctx, res.ApplicationID)
	require.NoError(t, err)
	assert.Equal(t, coupon.ApplicationFinalized, app.Status)
	assert.NotNil(t, app.ClosedAt)
}

// =============================================================================
// OWNERSHIP
// =============================================================================

func TestApply_PersonalCouponOwnerOnly(t *testing.T) {
	// GIVEN: A welcome coupon assigned to bob
	// WHEN: Another customer applies it
	// THEN: It is rejected as not assigned, and nothing is counted

	c := base("WELCOME-BOB")
	c.AssignedTo = "bob"
	ev, st := newEvaluator(t, c)
	ctx := context.Background()

	r := req("WELCOME-BOB", "600", true)
	r.UserID = "mallory"
	_, err := ev.Apply(ctx, r)
	assert.Equal(t, coupon.ReasonNotAssigned, reason(t, err))

	r.UserID = ""
	_, err = ev.Apply(ctx, r)
	assert.Equal(t, coupon.ReasonNotAssigned, reason(t, err))

	stored, _ := st.GetCoupon(ctx, "WELCOME-BOB")
	assert.Equal(t, 0, stored.UsedCount)

	r.UserID = "bob"
	_, err = ev.Apply(ctx, r)
	require.NoError(t, err)
}

func TestDefaultSeed_IsValid(t *testing.T) {
	seed := coupon.DefaultSeed(now)
	require.NotEmpty(t, seed)
	for _, c := range seed {
		assert.True(t, c.Type.Valid(), c.Code)
		assert.True(t, c.IsActive, c.Code)
		assert.True(t, c.ValidUntil.After(now), c.Code)
		assert.Equal(t, coupon.NormalizeCode(c.Code), c.Code)
	}
}
