package referral_test

import (
	"context"
	"errors"
	"strings"
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
	"github.com/prayan/loyalty-engine/referral"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var t0 = time.Date(2025, time.April, 2, 8, 30, 0, 0, time.UTC)

type fixture struct {
	svc     *referral.Service
	users   *referral.MemoryStore
	coupons *coupon.MemoryStore
}

func newFixture(t *testing.T, payout referral.PayoutPolicy) *fixture {
	t.Helper()
	users := referral.NewMemoryStore()
	coupons := coupon.NewMemoryStore()
	svc := referral.NewService(users, coupons, payout)
	svc.Now = func() time.Time { return t0 }

	ctx := context.Background()
	require.NoError(t, users.SaveUser(ctx, referral.User{ID: "alice", Name: "Alice", CreatedAt: t0}))
	require.NoError(t, users.SaveUser(ctx, referral.User{ID: "bob", Name: "Bob", CreatedAt: t0}))
	return &fixture{svc: svc, users: users, coupons: coupons}
}

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// takenStore reports every code as taken.
type takenStore struct{ *referral.MemoryStore }

func (takenStore) SetReferralCode(context.Context, string, string) error {
	return referral.ErrCodeTaken
}

// =============================================================================
// CODES
// =============================================================================

func TestIssueCode_FormatAndStability(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	code, err := f.svc.IssueCode(ctx, "alice")
	require.NoError(t, err)
	assert.Regexp(t, `^PRAYAN\d{4}[A-Z0-9]{2}$`, code)

	again, err := f.svc.IssueCode(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, code, again, "existing code is returned")

	owner, err := f.users.UserByReferralCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, "alice", owner.ID)
}

func TestIssueCode_GivesUpAfterRepeatedCollisions(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.Store = takenStore{f.users}

	_, err := f.svc.IssueCode(context.Background(), "alice")
	assert.ErrorIs(t, err, referral.ErrCodeSpaceExhausted)
}

func TestIssueCode_UnknownUser(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.IssueCode(context.Background(), "ghost")
	assert.ErrorIs(t, err, referral.ErrUserNotFound)
}

// =============================================================================
// REGISTRATION
// =============================================================================

func TestRegister_CreatesPendingReferralAndWelcomeCoupon(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	code, err := f.svc.IssueCode(ctx, "alice")
	require.NoError(t, err)

	ref, err := f.svc.Register(ctx, code, "carol", "Carol", "carol@example.com")
	require.NoError(t, err)
	assert.Equal(t, referral.StatusPending, ref.Status)
	assert.Equal(t, "alice", ref.ReferrerID)
	assert.True(t, ref.RewardAmount.Equal(amount("50")))

	welcome, err := f.coupons.GetCoupon(ctx, ref.WelcomeCoupon)
	require.NoError(t, err)
	assert.Equal(t, coupon.TypeFixed, welcome.Type)
	assert.True(t, welcome.Value.Equal(amount("100")))
	assert.True(t, welcome.MinOrderAmount.Equal(amount("499")))
	assert.True(t, welcome.FirstTimeOnly)
	assert.Equal(t, 1, welcome.UsageLimit)
	assert.Equal(t, "carol", welcome.AssignedTo)
	assert.Equal(t, t0.AddDate(0, 0, 30), welcome.ValidUntil)
}

func TestRegister_Rejections(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	code, err := f.svc.IssueCode(ctx, "alice")
	require.NoError(t, err)

	_, err = f.svc.Register(ctx, "NOSUCHCODE", "carol", "", "")
	assert.ErrorIs(t, err, referral.ErrUnknownCode)

	_, err = f.svc.Register(ctx, code, "alice", "", "")
	assert.ErrorIs(t, err, referral.ErrSelfReferral)

	_, err = f.svc.Register(ctx, code, "carol", "", "")
	require.NoError(t, err)
	_, err = f.svc.Register(ctx, code, "carol", "", "")
	assert.ErrorIs(t, err, referral.ErrAlreadyReferred)
}

func TestRegister_CodeIsCaseInsensitive(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	code, err := f.svc.IssueCode(ctx, "alice")
	require.NoError(t, err)

	_, err = f.svc.Register(ctx, "  "+strings.ToLower(code)+" ", "dave", "", "")
	require.NoError(t, err)
}

func TestRegister_ConcurrentSignupsReferOnce(t *testing.T) {
	// GIVEN: Two referrers
	// WHEN: The same new user registers with both codes at once
	// THEN: Exactly one referral exists for that user

	f := newFixture(t, nil)
	ctx := context.Background()
	aliceCode, err := f.svc.IssueCode(ctx, "alice")
	require.NoError(t, err)
	bobCode, err := f.svc.IssueCode(ctx, "bob")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, code := range []string{aliceCode, bobCode} {
		wg.Add(1)
		go func(i int, code string) {
			defer wg.Done()
			_, errs[i] = f.svc.Register(ctx, code, "erin", "", "")
		}(i, code)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, referral.ErrAlreadyReferred)
		}
	}
	assert.Equal(t, 1, succeeded)
}

// =============================================================================
// COMPLETION
// =============================================================================

func TestComplete_OnlyFromPendingWithQualifyingOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	code, _ := f.svc.IssueCode(ctx, "alice")
	_, err := f.svc.Register(ctx, code, "carol", "", "")
	require.NoError(t, err)

	_, err = f.svc.Complete(ctx, "carol", amount("298.99"))
	assert.ErrorIs(t, err, referral.ErrOrderBelowMinimum)

	ref, err := f.svc.Complete(ctx, "carol", amount("299"))
	require.NoError(t, err)
	assert.Equal(t, referral.StatusCompleted, ref.Status, "no payout configured")
	require.NotNil(t, ref.CompletedAt)
	assert.Equal(t, t0, *ref.CompletedAt)

	_, err = f.svc.Complete(ctx, "carol", amount("500"))
	assert.ErrorIs(t, err, referral.ErrNotPending)

	_, err = f.svc.Complete(ctx, "nobody", amount("500"))
	assert.ErrorIs(t, err, referral.ErrReferralNotFound)
}

func TestComplete_BonusPointsPayoutRewardsReferrerOnce(t *testing.T) {
	// GIVEN: The bonus_points payout policy backed by the loyalty program
	// WHEN: The referred user's first qualifying order completes the referral
	// THEN: Alice gets 50 bonus points and the referral is rewarded

	mem := store.NewMemory()
	program := loyalty.NewProgram(ledger.New(mem), coupon.NewMemoryStore())
	program.Now = func() time.Time { return t0 }

	payout, err := referral.PolicyFor(referral.PayoutBonusPoints, program, 0)
	require.NoError(t, err)
	f := newFixture(t, payout)
	ctx := context.Background()

	code, _ := f.svc.IssueCode(ctx, "alice")
	_, err = f.svc.Register(ctx, code, "carol", "", "")
	require.NoError(t, err)

	ref, err := f.svc.Complete(ctx, "carol", amount("799"))
	require.NoError(t, err)
	assert.Equal(t, referral.StatusRewarded, ref.Status)
	require.NotNil(t, ref.RewardedAt)

	txs, _ := mem.Load(ctx, "alice")
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.TxBonus, txs[0].Type)
	assert.Equal(t, int64(50), txs[0].Points)
	assert.Equal(t, "referral:"+ref.ID, txs[0].IdempotencyKey)

	// A replayed payout is absorbed by the idempotency key.
	paid, err := payout.Pay(ctx, ref)
	require.NoError(t, err)
	assert.True(t, paid)
	txs, _ = mem.Load(ctx, "alice")
	assert.Len(t, txs, 1)
}

// flakyPayout fails the first `failures` calls, then delegates to next.
type flakyPayout struct {
	next     referral.PayoutPolicy
	failures int
	calls    int
}

func (p *flakyPayout) Pay(ctx context.Context, ref referral.Referral) (bool, error) {
	p.calls++
	if p.calls <= p.failures {
		return false, errors.New("ledger unavailable")
	}
	return p.next.Pay(ctx, ref)
}

func TestComplete_FailedPayoutIsRetried(t *testing.T) {
	// GIVEN: A payout that fails the first time
	// WHEN: The referral completes, then Complete runs again on a later order
	// THEN: The referral stays completed after the failure and is rewarded
	//       by the retry, with one bonus transaction

	mem := store.NewMemory()
	program := loyalty.NewProgram(ledger.New(mem), coupon.NewMemoryStore())
	program.Now = func() time.Time { return t0 }
	bonus, err := referral.PolicyFor(referral.PayoutBonusPoints, program, 0)
	require.NoError(t, err)
	payout := &flakyPayout{next: bonus, failures: 1}

	f := newFixture(t, payout)
	ctx := context.Background()
	code, _ := f.svc.IssueCode(ctx, "alice")
	_, err = f.svc.Register(ctx, code, "carol", "", "")
	require.NoError(t, err)

	ref, err := f.svc.Complete(ctx, "carol", amount("799"))
	require.Error(t, err)
	assert.Equal(t, referral.StatusCompleted, ref.Status)

	stored, err := f.users.GetReferralByReferredUser(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, referral.StatusCompleted, stored.Status)

	ref, err = f.svc.Complete(ctx, "carol", amount("120"))
	require.NoError(t, err, "the retry does not need a qualifying amount")
	assert.Equal(t, referral.StatusRewarded, ref.Status)
	assert.Equal(t, 2, payout.calls)

	txs, _ := mem.Load(ctx, "alice")
	require.Len(t, txs, 1)
	assert.Equal(t, int64(50), txs[0].Points)

	_, err = f.svc.Complete(ctx, "carol", amount("799"))
	assert.ErrorIs(t, err, referral.ErrNotPending)
	assert.Equal(t, 2, payout.calls, "rewarded referrals are not paid again")
}

// refusingStore fails every CreateReferral after the pre-check passed.
type refusingStore struct{ *referral.MemoryStore }

func (refusingStore) CreateReferral(context.Context, referral.Referral) error {
	return referral.ErrAlreadyReferred
}

func TestRegister_FailedReferralWithdrawsWelcomeCoupon(t *testing.T) {
	// GIVEN: A store that refuses the referral insert (a concurrent signup won)
	// WHEN: The user registers with a code
	// THEN: The welcome coupon issued for the attempt is left inactive

	f := newFixture(t, nil)
	ctx := context.Background()
	code, err := f.svc.IssueCode(ctx, "alice")
	require.NoError(t, err)
	f.svc.Store = refusingStore{f.users}

	_, err = f.svc.Register(ctx, code, "carol", "", "")
	assert.ErrorIs(t, err, referral.ErrAlreadyReferred)

	all, err := f.coupons.ListCoupons(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "carol", all[0].AssignedTo)
	assert.False(t, all[0].IsActive)
}

func TestPolicyFor(t *testing.T) {
	p, err := referral.PolicyFor("", nil, 0)
	require.NoError(t, err)
	assert.IsType(t, referral.NoPayout{}, p)

	_, err = referral.PolicyFor(referral.PayoutBonusPoints, nil, 0)
	assert.Error(t, err)

	_, err = referral.PolicyFor("cash", nil, 0)
	assert.Error(t, err)
}

func TestListByReferrer(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	code, _ := f.svc.IssueCode(ctx, "alice")
	_, _ = f.svc.Register(ctx, code, "carol", "", "")
	_, _ = f.svc.Register(ctx, code, "dave", "", "")

	refs, err := f.svc.ListByReferrer(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, refs, 2)

	ref, err := f.svc.ForReferredUser(ctx, "dave")
	require.NoError(t, err)
	assert.Equal(t, "alice", ref.ReferrerID)
}
