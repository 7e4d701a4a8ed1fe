package loyalty_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prayan/loyalty-engine/coupon"
	"github.com/prayan/loyalty-engine/ledger"
	"github.com/prayan/loyalty-engine/ledger/store"
	"github.com/prayan/loyalty-engine/loyalty"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var t0 = time.Date(2025, time.January, 15, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	program *loyalty.Program
	mem     *store.Memory
	coupons *coupon.MemoryStore
	clock   *clock
}

func newFixture() *fixture {
	mem := store.NewMemory()
	coupons := coupon.NewMemoryStore()
	clk := &clock{now: t0}
	p := loyalty.NewProgram(ledger.New(mem), coupons)
	p.Now = clk.Now
	return &fixture{program: p, mem: mem, coupons: coupons, clock: clk}
}

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// TIER TESTS
// =============================================================================

func TestTiers_Resolve(t *testing.T) {
	tiers := loyalty.DefaultTiers()
	cases := []struct {
		balance int64
		want    string
	}{
		{-50, "Bronze"},
		{0, "Bronze"},
		{999, "Bronze"},
		{1000, "Silver"},
		{2499, "Silver"},
		{2500, "Gold"},
		{4999, "Gold"},
		{5000, "Platinum"},
		{1_000_000, "Platinum"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tiers.Resolve(tc.balance).Name, "balance %d", tc.balance)
	}
}

func TestTiers_ResolveIsMonotonic(t *testing.T) {
	tiers := loyalty.DefaultTiers()
	prev := tiers.Resolve(0).MinPoints
	for b := int64(0); b <= 6000; b += 7 {
		cur := tiers.Resolve(b).MinPoints
		require.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
}

func TestTiers_Progress(t *testing.T) {
	tiers := loyalty.DefaultTiers()

	silver := tiers.Resolve(1500)
	p := tiers.Progress(1500, silver)
	assert.Equal(t, int64(500), p.Current)
	assert.Equal(t, int64(1500), p.Required)
	assert.InDelta(t, 33.33, p.Percentage, 0.01)

	platinum := tiers.Resolve(9000)
	p = tiers.Progress(9000, platinum)
	assert.Equal(t, float64(100), p.Percentage)

	next, ok := tiers.Next(platinum)
	assert.False(t, ok)
	assert.Empty(t, next.Name)
}

func TestTiers_Validate(t *testing.T) {
	require.NoError(t, loyalty.DefaultTiers().Validate())

	bad := loyalty.DefaultTiers()
	bad[0].MinPoints = 10
	assert.ErrorIs(t, bad.Validate(), loyalty.ErrInvalidTierTable)

	unordered := loyalty.DefaultTiers()
	unordered[2].MinPoints = 900
	assert.ErrorIs(t, unordered.Validate(), loyalty.ErrInvalidTierTable)

	assert.ErrorIs(t, loyalty.TierTable{}.Validate(), loyalty.ErrInvalidTierTable)
}

// =============================================================================
// BALANCE TESTS
// =============================================================================

func TestComputeStats_FoldIsOrderIndependent(t *testing.T) {
	txs := []ledger.Transaction{
		ledger.NewTransaction("u1", ledger.TxEarned, 1200, t0),
		ledger.NewTransaction("u1", ledger.TxBonus, 50, t0.Add(time.Hour)),
		ledger.NewTransaction("u1", ledger.TxRedeemed, 200, t0.Add(2*time.Hour)),
		ledger.NewTransaction("u1", ledger.TxExpired, 30, t0.Add(3*time.Hour)),
	}
	reversed := []ledger.Transaction{txs[3], txs[2], txs[1], txs[0]}

	a := loyalty.ComputeStats(txs, loyalty.DefaultTiers(), loyalty.DefaultRules().PointValue)
	b := loyalty.ComputeStats(reversed, loyalty.DefaultTiers(), loyalty.DefaultRules().PointValue)

	assert.Equal(t, int64(1020), a.TotalPoints)
	assert.Equal(t, a.TotalPoints, b.TotalPoints)
	assert.Equal(t, int64(1250), a.LifetimeEarned)
	assert.Equal(t, int64(200), a.TotalRedeemed)
	assert.Equal(t, int64(30), a.TotalExpired)
	assert.Equal(t, "Silver", a.CurrentTier.Name)
	require.NotNil(t, a.NextTier)
	assert.Equal(t, "Gold", a.NextTier.Name)
	assert.True(t, amount("102").Equal(a.PointsValue))

	// newest first
	assert.Equal(t, txs[3].ID, a.Transactions[0].ID)
	assert.Equal(t, txs[0].ID, a.Transactions[3].ID)
}

func TestComputeStats_NegativeFoldIsClampedWithDeficit(t *testing.T) {
	txs := []ledger.Transaction{
		ledger.NewTransaction("u1", ledger.TxEarned, 100, t0),
		ledger.NewTransaction("u1", ledger.TxRedeemed, 100, t0),
		ledger.NewTransaction("u1", ledger.TxExpired, 100, t0),
	}
	s := loyalty.ComputeStats(txs, loyalty.DefaultTiers(), loyalty.DefaultRules().PointValue)
	assert.Equal(t, int64(0), s.TotalPoints)
	assert.Equal(t, int64(100), s.Deficit)
	assert.Equal(t, "Bronze", s.CurrentTier.Name)
}

func TestComputeStats_PointsValueIsFloored(t *testing.T) {
	txs := []ledger.Transaction{ledger.NewTransaction("u1", ledger.TxBonus, 1005, t0)}
	s := loyalty.ComputeStats(txs, loyalty.DefaultTiers(), loyalty.DefaultRules().PointValue)
	assert.True(t, amount("100").Equal(s.PointsValue), "got %s", s.PointsValue)
}

// =============================================================================
// EARNING TESTS
// =============================================================================

func TestAwardOrderPoints_BronzeAndGold(t *testing.T) {
	// GIVEN: A Bronze customer
	// WHEN: They pay for a ₹1,299 order
	// THEN: floor(129.9) * 1.0 = 129 points

	f := newFixture()
	ctx := context.Background()

	pts, err := f.program.AwardOrderPoints(ctx, "bronze", "order-1", amount("1299"))
	require.NoError(t, err)
	assert.Equal(t, int64(129), pts)

	// GIVEN: A Gold customer (2,500 points)
	// THEN: floor(129 * 1.5) = 193 points
	_, err = f.program.AwardBonusPoints(ctx, "gold", 2500, "migration")
	require.NoError(t, err)

	pts, err = f.program.AwardOrderPoints(ctx, "gold", "order-2", amount("1299"))
	require.NoError(t, err)
	assert.Equal(t, int64(193), pts)

	txs, _ := f.mem.Load(ctx, "gold")
	last := txs[len(txs)-1]
	assert.Equal(t, ledger.TxEarned, last.Type)
	assert.Equal(t, "Gold", last.Metadata[ledger.MetaTier])
	assert.Equal(t, "1299.00", last.Metadata[ledger.MetaOrderAmount])
	require.NotNil(t, last.ExpiryDate)
	assert.Equal(t, t0.AddDate(0, 12, 0), *last.ExpiryDate)
}

func TestAwardOrderPoints_SilverAndPlatinum(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	cases := []struct {
		user    string
		balance int64
		amount  string
		want    int64
		tier    string
	}{
		// floor(floor(100) * 1.25) = 125
		{"silver", 1000, "1000", 125, "Silver"},
		// floor(floor(100) * 2) = 200
		{"platinum", 5000, "1000", 200, "Platinum"},
		// floor(floor(129.9) * 2) = 258
		{"platinum-2", 7500, "1299", 258, "Platinum"},
	}

	for _, tc := range cases {
		t.Run(tc.user, func(t *testing.T) {
			_, err := f.program.AwardBonusPoints(ctx, ledger.UserID(tc.user), tc.balance, "migration")
			require.NoError(t, err)

			pts, err := f.program.AwardOrderPoints(ctx, ledger.UserID(tc.user), "order-"+tc.user, amount(tc.amount))
			require.NoError(t, err)
			assert.Equal(t, tc.want, pts)

			txs, _ := f.mem.Load(ctx, ledger.UserID(tc.user))
			last := txs[len(txs)-1]
			assert.Equal(t, tc.tier, last.Metadata[ledger.MetaTier])
		})
	}
}

func TestAwardOrderPoints_SameOrderTwice(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.program.AwardOrderPoints(ctx, "u1", "order-1", amount("500"))
	require.NoError(t, err)

	_, err = f.program.AwardOrderPoints(ctx, "u1", "order-1", amount("500"))
	assert.ErrorIs(t, err, loyalty.ErrOrderAlreadyAwarded)

	txs, _ := f.mem.Load(ctx, "u1")
	assert.Len(t, txs, 1)
}

func TestAwardOrderPoints_ZeroPointOrder(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	pts, err := f.program.AwardOrderPoints(ctx, "u1", "order-tiny", amount("9.99"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), pts)

	txs, _ := f.mem.Load(ctx, "u1")
	assert.Empty(t, txs)
}

func TestAwardOrderPoints_InvalidInput(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.program.AwardOrderPoints(ctx, "u1", " ", amount("100"))
	assert.ErrorIs(t, err, loyalty.ErrInvalidOrder)

	_, err = f.program.AwardOrderPoints(ctx, "u1", "order-1", amount("0"))
	assert.ErrorIs(t, err, loyalty.ErrInvalidOrder)
}

func TestAwardBonusPointsOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.program.AwardBonusPointsOnce(ctx, "u1", 50, "referral", "referral:r1")
	require.NoError(t, err)
	_, err = f.program.AwardBonusPointsOnce(ctx, "u1", 50, "referral", "referral:r1")
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	_, err = f.program.AwardBonusPoints(ctx, "u1", 0, "nothing")
	assert.ErrorIs(t, err, loyalty.ErrInvalidPoints)
}

// =============================================================================
// REDEMPTION TESTS
// =============================================================================

func TestRedeem_Guard(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.program.AwardBonusPoints(ctx, "u1", 150, "welcome")
	require.NoError(t, err)

	ok, err := f.program.CanRedeem(ctx, "u1", 99)
	require.NoError(t, err)
	assert.False(t, ok, "below minimum")

	ok, err = f.program.CanRedeem(ctx, "u1", 151)
	require.NoError(t, err)
	assert.False(t, ok, "above balance")

	ok, err = f.program.CanRedeem(ctx, "u1", 150)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = f.program.RedeemCustomPoints(ctx, "u1", 99, amount("9.9"), "")
	assert.ErrorIs(t, err, loyalty.ErrBelowMinimumRedemption)

	_, err = f.program.RedeemCustomPoints(ctx, "u1", 200, amount("20"), "")
	var insufficient *loyalty.InsufficientPointsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(150), insufficient.Available)
	assert.ErrorIs(t, err, loyalty.ErrInsufficientPoints)

	txs, _ := f.mem.Load(ctx, "u1")
	assert.Len(t, txs, 1, "rejected redemptions append nothing")
}

func TestRedeemForReward(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.program.AwardBonusPoints(ctx, "u1", 500, "promo")
	require.NoError(t, err)

	_, err = f.program.RedeemForReward(ctx, "u1", 100, "nope", "")
	assert.ErrorIs(t, err, loyalty.ErrRewardNotFound)

	_, err = f.program.RedeemForReward(ctx, "u1", 200, "off-150", "")
	assert.ErrorIs(t, err, loyalty.ErrBelowRewardCost)

	f.program.Rewards = loyalty.DefaultRewards()
	f.program.Rewards[0].IsActive = false
	_, err = f.program.RedeemForReward(ctx, "u1", 100, "off-50", "")
	assert.ErrorIs(t, err, loyalty.ErrRewardInactive)

	tx, err := f.program.RedeemForReward(ctx, "u1", 250, "off-150", "order-9")
	require.NoError(t, err)
	assert.Equal(t, ledger.TxRedeemed, tx.Type)
	assert.Equal(t, int64(250), tx.Points)
	assert.Equal(t, "off-150", tx.Metadata[ledger.MetaRewardID])
	assert.Equal(t, "discount", tx.Metadata[ledger.MetaRewardType])
	assert.Equal(t, "150", tx.Metadata[ledger.MetaRewardValue])

	stats, err := f.program.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), stats.TotalPoints)
}

func TestRedeem_ConcurrentRedemptionsNeverOverspend(t *testing.T) {
	// GIVEN: A balance of 300
	// WHEN: 10 redemptions of 100 race
	// THEN: Exactly 3 succeed and the balance ends at 0

	f := newFixture()
	ctx := context.Background()
	_, err := f.program.AwardBonusPoints(ctx, "u1", 300, "promo")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.program.RedeemCustomPoints(ctx, "u1", 100, amount("10"), ""); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	stats, err := f.program.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalPoints)
	assert.Equal(t, int64(0), stats.Deficit)
}

func TestGenerateLoyaltyCoupon(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	reward, ok := f.program.Rewards.Find("off-50")
	require.True(t, ok)
	c, err := f.program.GenerateLoyaltyCoupon(ctx, reward, "u1")
	require.NoError(t, err)

	assert.Regexp(t, `^LOYALTYOFF50\d{6}$`, c.Code)
	assert.Equal(t, coupon.TypeFixed, c.Type)
	assert.True(t, c.Value.Equal(amount("50")))
	assert.True(t, c.MinOrderAmount.Equal(amount("299")))
	assert.Equal(t, 1, c.UsageLimit)
	assert.Equal(t, t0.AddDate(0, 0, 30), c.ValidUntil)
	assert.Equal(t, "u1", c.AssignedTo)

	stored, err := f.coupons.GetCoupon(ctx, c.Code)
	require.NoError(t, err)
	assert.Equal(t, c.Code, stored.Code)

	// Same millisecond: the next suffix is used.
	again, err := f.program.GenerateLoyaltyCoupon(ctx, reward, "u1")
	require.NoError(t, err)
	assert.NotEqual(t, c.Code, again.Code)

	ship, _ := f.program.Rewards.Find("free-shipping")
	sc, err := f.program.GenerateLoyaltyCoupon(ctx, ship, "u1")
	require.NoError(t, err)
	assert.Equal(t, coupon.TypeFreeShipping, sc.Type)
}

func TestConvertPointsToDiscount(t *testing.T) {
	f := newFixture()
	assert.True(t, f.program.ConvertPointsToDiscount(250).Equal(amount("25")))
}

// =============================================================================
// EXPIRY TESTS
// =============================================================================

func TestExpireOldPoints_IsIdempotent(t *testing.T) {
	// GIVEN: 129 points earned in January 2025
	// WHEN: The sweep runs in February 2026, twice
	// THEN: One expired entry for 129, the second sweep does nothing

	f := newFixture()
	ctx := context.Background()
	_, err := f.program.AwardOrderPoints(ctx, "u1", "order-1", amount("1299"))
	require.NoError(t, err)

	f.clock.Set(t0.AddDate(0, 12, 0).Add(-time.Hour))
	n, err := f.program.ExpireOldPoints(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "not yet due")

	f.clock.Set(t0.AddDate(0, 13, 0))
	n, err = f.program.ExpireOldPoints(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(129), n)

	n, err = f.program.ExpireOldPoints(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	txs, _ := f.mem.Load(ctx, "u1")
	require.Len(t, txs, 2)
	assert.Equal(t, ledger.TxExpired, txs[1].Type)
	assert.Equal(t, string(txs[0].ID), txs[1].Metadata[ledger.MetaOriginalTransactionID])
}

func TestExpiry_PartiallySpentCreditReportsDeficit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.program.AwardBonusPoints(ctx, "u1", 300, "promo")
	require.NoError(t, err)
	_, err = f.program.RedeemCustomPoints(ctx, "u1", 100, amount("10"), "")
	require.NoError(t, err)

	f.clock.Set(t0.AddDate(1, 1, 0))
	stats, err := f.program.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalPoints)
	assert.Equal(t, int64(100), stats.Deficit)
	assert.Equal(t, int64(300), stats.TotalExpired)
}

func TestRedeem_ExpiredPointsCannotBeSpent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.program.AwardBonusPoints(ctx, "u1", 200, "promo")
	require.NoError(t, err)

	f.clock.Set(t0.AddDate(1, 0, 1))
	_, err = f.program.RedeemCustomPoints(ctx, "u1", 100, amount("10"), "")
	assert.ErrorIs(t, err, loyalty.ErrInsufficientPoints)
}

func TestExpireAll(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, _ = f.program.AwardBonusPoints(ctx, "a", 100, "promo")
	_, _ = f.program.AwardBonusPoints(ctx, "b", 40, "promo")

	f.clock.Set(t0.AddDate(2, 0, 0))
	report := f.program.ExpireAll(ctx, []ledger.UserID{"a", "b"})
	assert.Equal(t, 2, report.Users)
	assert.Equal(t, int64(140), report.Expired)
	assert.Empty(t, report.Failed)
}
