/*
balance.go - Deriving loyalty stats from a user's stream

PURPOSE:
  Answers "how many points does this customer have, and what tier are
  they in?" by folding the ledger. Nothing here is stored.

FOLD:
  earned, bonus:     balance += points, lifetimeEarned += points
  redeemed:          balance -= points, totalRedeemed += points
  expired:           balance -= points, totalExpired += points

  The fold is commutative so transaction order does not matter.

NEGATIVE BALANCE:
  Expiry compensates the full earned amount even when part of it was
  already spent, so the fold can go below zero. TotalPoints is clamped
  to 0 and the shortfall is reported in Deficit.

POINTS VALUE:
  PointsValue = floor(TotalPoints * pointValue), pointValue = 0.10
*/
package loyalty

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/prayan/loyalty-engine/ledger"
)

// Stats is the derived loyalty view of one user.
type Stats struct {
	TotalPoints    int64
	CurrentTier    Tier
	NextTier       *Tier
	Progress       Progress
	LifetimeEarned int64
	TotalRedeemed  int64
	TotalExpired   int64
	Deficit        int64 // magnitude of a negative fold; 0 when healthy
	PointsValue    decimal.Decimal
	Transactions   []ledger.Transaction // newest first
}

// Balance folds txs into the raw, possibly negative, balance.
func Balance(txs []ledger.Transaction) int64 {
	var bal int64
	for _, tx := range txs {
		bal += tx.Signed()
	}
	return bal
}

// ComputeStats folds txs into Stats using the given tier table and value per point.
func ComputeStats(txs []ledger.Transaction, tiers TierTable, pointValue decimal.Decimal) Stats {
	var s Stats
	var raw int64
	for _, tx := range txs {
		raw += tx.Signed()
		switch tx.Type {
		case ledger.TxEarned, ledger.TxBonus:
			s.LifetimeEarned += tx.Points
		case ledger.TxRedeemed:
			s.TotalRedeemed += tx.Points
		case ledger.TxExpired:
			s.TotalExpired += tx.Points
		}
	}

	if raw < 0 {
		s.Deficit = -raw
		raw = 0
	}
	s.TotalPoints = raw

	s.CurrentTier = tiers.Resolve(s.TotalPoints)
	if next, ok := tiers.Next(s.CurrentTier); ok {
		s.NextTier = &next
	}
	s.Progress = tiers.Progress(s.TotalPoints, s.CurrentTier)
	s.PointsValue = decimal.NewFromInt(s.TotalPoints).Mul(pointValue).Floor()

	s.Transactions = make([]ledger.Transaction, len(txs))
	copy(s.Transactions, txs)
	sort.SliceStable(s.Transactions, func(i, j int) bool {
		return s.Transactions[i].Timestamp.After(s.Transactions[j].Timestamp)
	})
	return s
}
