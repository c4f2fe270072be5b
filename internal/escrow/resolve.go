package escrow

import (
	"context"
	"fmt"
	"math/bits"

	"github.com/punchamoorthee/settleops/internal/custody"
	"github.com/punchamoorthee/settleops/internal/domain"
)

// ResolveDispute closes a disputed contract by splitting its amount between
// client and freelancer. The two shares must add up to the escrowed amount
// exactly. Mediated resolutions carry no platform fee.
func (e *Engine) ResolveDispute(ctx context.Context, caller domain.Account, id uint64, clientAmount, freelancerAmount uint64) (domain.EscrowContract, error) {
	return e.transition(ctx, id, "resolveDispute", func(c *domain.EscrowContract) error {
		if err := requireStatus(c, domain.EscrowDisputed); err != nil {
			return err
		}
		if err := requireCaller(caller, c.Mediator, "assigned mediator"); err != nil {
			return err
		}
		if err := conserves(c.Amount, clientAmount, freelancerAmount); err != nil {
			return err
		}
		err := e.release(ctx, c, "resolveDispute",
			custody.Leg{Payee: c.Freelancer, Amount: freelancerAmount, Memo: "dispute award"},
			custody.Leg{Payee: c.Client, Amount: clientAmount, Memo: "dispute refund"},
		)
		if err != nil {
			return err
		}
		e.advance(c, domain.EscrowCompleted)
		settledAmount.WithLabelValues("resolved").Add(float64(c.Amount))
		e.emit(ctx, c, domain.EventDisputeResolved, "resolveDispute", caller, map[string]uint64{
			"amount": c.Amount, "client": clientAmount, "freelancer": freelancerAmount,
		}, "")
		return e.checkResidue(ctx, c, "resolveDispute")
	})
}

func conserves(total, a, b uint64) error {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 || sum != total {
		return fmt.Errorf("%w: %d + %d != %d", domain.ErrConservation, a, b, total)
	}
	return nil
}
