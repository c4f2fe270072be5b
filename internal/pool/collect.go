package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/punchamoorthee/settleops/internal/custody"
	"github.com/punchamoorthee/settleops/internal/domain"
)

// Outcome is the result of charging one member during a collection.
type Outcome struct {
	Account  domain.Account `json:"account"`
	Paid     bool           `json:"paid"`
	Amount   uint64         `json:"amount,omitempty"`
	Failures int            `json:"failed_payments"`
	Evicted  bool           `json:"evicted,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// CollectionReport summarizes one CollectPayments cycle.
type CollectionReport struct {
	PoolID         uint64           `json:"pool_id"`
	Collected      uint64           `json:"collected"`
	Outcomes       []Outcome        `json:"outcomes"`
	Evicted        []domain.Account `json:"evicted,omitempty"`
	Payout         *Payout          `json:"payout,omitempty"`
	NextPaymentDue time.Time        `json:"next_payment_due"`
}

// CollectPayments charges every active member one share. A failed charge is
// recorded against that member only; the second consecutive failure evicts it.
// The due date always advances one period, then the cycle total is paid out.
// Pending out-of-cycle contributions are left for the eager payout.
func (e *Engine) CollectPayments(ctx context.Context, id uint64) (CollectionReport, error) {
	var report CollectionReport
	_, err := e.transition(ctx, id, "collectPayments", func(p *domain.Pool) error {
		if err := requireStatus(p, domain.PoolActive); err != nil {
			return err
		}
		now := e.now()
		if now.Before(p.NextPaymentDue) {
			return fmt.Errorf("%w: pool %d due at %s", domain.ErrNotDue, p.ID, p.NextPaymentDue.Format(time.RFC3339))
		}

		report.PoolID = p.ID
		share := p.Share()
		members := append([]domain.Account(nil), p.Active...)
		for _, acct := range members {
			out := e.charge(ctx, p, acct, share, now)
			if out.Paid {
				report.Collected += out.Amount
			}
			if out.Evicted {
				report.Evicted = append(report.Evicted, acct)
			}
			report.Outcomes = append(report.Outcomes, out)
		}

		p.NextPaymentDue = p.NextPaymentDue.Add(BillingPeriod)
		report.NextPaymentDue = p.NextPaymentDue
		e.log.InfoContext(ctx, "pool collection",
			"pool_id", p.ID, "collected", report.Collected, "members", len(members), "evicted", len(report.Evicted))

		payout, err := e.payout(ctx, p, report.Collected, "collectPayments", "")
		report.Payout = payout
		return err
	})
	return report, err
}

func (e *Engine) charge(ctx context.Context, p *domain.Pool, acct domain.Account, share uint64, now time.Time) Outcome {
	m := p.Members[acct]
	err := e.ledger.Debit(ctx, custody.PoolHold(p.ID), acct, p.Currency, share)
	if err == nil {
		m.FailedPaymentCount = 0
		m.LastPayment = now
		m.TotalPaid += share
		collectionsTotal.WithLabelValues("paid").Inc()
		e.emit(ctx, p, domain.EventPaymentCollected, "collectPayments", acct, map[string]uint64{"share": share}, "")
		return Outcome{Account: acct, Paid: true, Amount: share}
	}

	out := Outcome{Account: acct, Error: err.Error()}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		collectionsTotal.WithLabelValues("aborted").Inc()
		out.Failures = m.FailedPaymentCount
		return out
	}
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		e.log.WarnContext(ctx, "member charge failed", "pool_id", p.ID, "account", acct, "error", err)
	}
	m.FailedPaymentCount++
	out.Failures = m.FailedPaymentCount
	collectionsTotal.WithLabelValues("failed").Inc()
	e.emit(ctx, p, domain.EventPaymentFailed, "collectPayments", acct, map[string]uint64{
		"share": share, "failed_payments": uint64(m.FailedPaymentCount),
	}, err.Error())

	if m.FailedPaymentCount >= MaxFailedPayments {
		e.removeMember(ctx, p, acct, "collectPayments", "", ReasonFailedPayments)
		out.Evicted = true
	}
	return out
}
