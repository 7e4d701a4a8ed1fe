/*
expiry.go - Compensating points past their expiry date

PURPOSE:
  Earned and bonus points expire 12 months after they are granted. The
  sweeper never edits the original entry; it appends an expired entry
  for the same magnitude that points back at it.

IDEMPOTENCE:
  An original is compensated at most once:
  - metadata.originalTransactionId on the expired entry links it back
  - idempotency key expire:<originalId> makes a racing second sweep fail
  Re-running the sweep on an unchanged stream appends nothing.

SEE ALSO:
  - api/scheduler.go: Periodic sweep over every user
  - program.go: Stats sweeps lazily before reading
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prayan/loyalty-engine/ledger"
	"github.com/prayan/loyalty-engine/logging"
)

const expiryKeyPrefix = "expire:"

// ExpireOldPoints appends an expired entry for every overdue credit that
// has none yet, and returns the total points expired by this sweep.
func (p *Program) ExpireOldPoints(ctx context.Context, userID ledger.UserID) (int64, error) {
	now := p.now()
	appended, err := p.Ledger.Update(ctx, userID, func(current []ledger.Transaction) ([]ledger.Transaction, error) {
		return pendingExpirations(current, now), nil
	})
	if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		// Another sweeper compensated first.
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("expire points for %s: %w", userID, err)
	}

	var total int64
	for _, tx := range appended {
		total += tx.Points
	}
	if total > 0 {
		logging.FromContext(ctx).Info().
			Str("user_id", string(userID)).
			Int("entries", len(appended)).
			Int64("points", total).
			Msg("points expired")
	}
	return total, nil
}

// SweepReport summarizes an expiry pass over many users.
type SweepReport struct {
	Users   int
	Expired int64
	Failed  map[ledger.UserID]error
}

// ExpireAll sweeps every given user, continuing past individual failures.
func (p *Program) ExpireAll(ctx context.Context, users []ledger.UserID) SweepReport {
	report := SweepReport{Failed: make(map[ledger.UserID]error)}
	for _, u := range users {
		if ctx.Err() != nil {
			report.Failed[u] = ctx.Err()
			continue
		}
		n, err := p.ExpireOldPoints(ctx, u)
		if err != nil {
			report.Failed[u] = err
			continue
		}
		report.Users++
		report.Expired += n
	}
	return report
}

// pendingExpirations builds the compensations due at now.
func pendingExpirations(txs []ledger.Transaction, now time.Time) []ledger.Transaction {
	compensated := make(map[string]bool)
	for _, tx := range txs {
		if tx.Type == ledger.TxExpired {
			compensated[tx.Metadata[ledger.MetaOriginalTransactionID]] = true
		}
	}

	var out []ledger.Transaction
	for _, tx := range txs {
		if !tx.IsExpiredAt(now) || compensated[string(tx.ID)] {
			continue
		}
		exp := ledger.NewTransaction(tx.UserID, ledger.TxExpired, tx.Points, now)
		exp.OrderID = tx.OrderID
		exp.Description = fmt.Sprintf("Points expired (granted %s)", tx.Timestamp.Format("2006-01-02"))
		exp.IdempotencyKey = expiryKeyPrefix + string(tx.ID)
		exp.Metadata[ledger.MetaOriginalTransactionID] = string(tx.ID)
		exp.Metadata[ledger.MetaReason] = "expired"
		out = append(out, exp)
		compensated[string(tx.ID)] = true
	}
	return out
}
