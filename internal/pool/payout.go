package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/punchamoorthee/settleops/internal/custody"
	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/fee"
)

// Payout describes one transfer out of the pool hold to its owner.
type Payout struct {
	Total     uint64         `json:"total"`
	Owner     uint64         `json:"owner"`
	Fee       uint64         `json:"fee"`
	Recipient domain.Account `json:"fee_recipient"`
}

// eagerPayout pays out the pending contributions once they add up to a full
// cycle, so the owner does not wait for the next tick.
func (e *Engine) eagerPayout(ctx context.Context, p *domain.Pool, op string, actor domain.Account) (*Payout, error) {
	if p.Pending == 0 || p.Pending < p.CycleTarget() {
		return nil, nil
	}
	return e.payout(ctx, p, e.takePending(p), op, actor)
}

func (e *Engine) takePending(p *domain.Pool) uint64 {
	amount := p.Pending
	p.Pending = 0
	return amount
}

// payout releases amount plus any deferred payout from the hold: the owner's
// part and the fee in one movement. Callers remove amount from their own bucket
// first. A zero total moves nothing, so a repeated trigger for the same
// contributions pays once. Errors other than a shortfall defer the whole total
// to the next payout.
func (e *Engine) payout(ctx context.Context, p *domain.Pool, amount uint64, op string, actor domain.Account) (*Payout, error) {
	total := amount + p.Deferred
	if total == 0 {
		return nil, nil
	}
	hold := custody.PoolHold(p.ID)

	policy := e.fees.Current()
	owner, cut := fee.Split(total, policy.Bps)
	err := e.ledger.Release(ctx, hold, p.Currency,
		custody.Leg{Payee: p.Owner, Amount: owner, Memo: "pool payout"},
		custody.Leg{Payee: policy.Recipient, Amount: cut, Memo: "platform fee"},
	)
	if errors.Is(err, custody.ErrShortfall) {
		return nil, e.halt(ctx, p, op, err)
	}
	if err != nil {
		p.Deferred = total
		e.log.WarnContext(ctx, "pool payout deferred", "pool_id", p.ID, "operation", op, "amount", total, "error", err)
		return nil, nil
	}
	p.Deferred = 0

	payoutAmount.Add(float64(total))
	e.emit(ctx, p, domain.EventPayoutCompleted, op, actor, map[string]uint64{
		"total": total, "owner": owner, "fee": cut,
	}, "")

	if err := e.checkHold(ctx, p, op); err != nil {
		return nil, err
	}
	return &Payout{Total: total, Owner: owner, Fee: cut, Recipient: policy.Recipient}, nil
}

// checkHold halts the pool when custody no longer matches what it tracks.
func (e *Engine) checkHold(ctx context.Context, p *domain.Pool, op string) error {
	held, err := e.ledger.Held(ctx, custody.PoolHold(p.ID), p.Currency)
	if err != nil {
		e.log.WarnContext(ctx, "pool hold check failed", "pool_id", p.ID, "operation", op, "error", err)
		return nil
	}
	if want := p.Pending + p.Deferred; held != want {
		return e.halt(ctx, p, op, fmt.Errorf("hold carries %d, pool tracks %d", held, want))
	}
	return nil
}
