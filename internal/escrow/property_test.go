package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/punchamoorthee/settleops/internal/audit"
	"github.com/punchamoorthee/settleops/internal/custody"
	"github.com/punchamoorthee/settleops/internal/domain"
)

// settle runs one contract to completion and returns the balances of every party.
func settle(amount uint64, bps uint32, dispute bool, clientShare uint64) (map[domain.Account]uint64, bool) {
	ctx := context.Background()
	ledger := custody.NewMemoryLedger()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e, err := NewEngine(ledger, audit.NewNoopRecorder(), Config{
		Admin: admin, FeeBps: bps, FeeRecipient: platform, Mediators: []domain.Account{mediator},
		Clock: func() time.Time { return now },
	})
	if err != nil {
		return nil, false
	}
	if err := ledger.Deposit(ctx, client, usdc, amount); err != nil {
		return nil, false
	}
	c, err := e.Create(ctx, client, CreateRequest{
		Freelancer: freelancer, Mediator: mediator, Amount: amount, Currency: usdc, Deadline: now.Add(time.Hour),
	})
	if err != nil {
		return nil, false
	}
	if _, err := e.Fund(ctx, client, c.ID); err != nil {
		return nil, false
	}
	if dispute {
		if _, err := e.RaiseDispute(ctx, client, c.ID); err != nil {
			return nil, false
		}
		if _, err := e.ResolveDispute(ctx, mediator, c.ID, clientShare, amount-clientShare); err != nil {
			return nil, false
		}
	} else {
		if _, err := e.SubmitWork(ctx, freelancer, c.ID, "delivery"); err != nil {
			return nil, false
		}
		if _, err := e.ApproveWork(ctx, client, c.ID); err != nil {
			return nil, false
		}
	}

	out := make(map[domain.Account]uint64)
	for _, a := range []domain.Account{client, freelancer, platform, mediator} {
		b, _ := ledger.Balance(ctx, a, usdc)
		out[a] = b
	}
	held, _ := ledger.Held(ctx, custody.EscrowHold(c.ID), usdc)
	return out, held == 0
}

func TestSettlementConservesFunds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("approval pays freelancer and fee recipient exactly the amount", prop.ForAll(
		func(amount uint64, bps uint32) bool {
			got, empty := settle(amount, bps, false, 0)
			if got == nil || !empty {
				return false
			}
			return got[freelancer]+got[platform] == amount && got[client] == 0 && got[mediator] == 0
		},
		gen.UInt64Range(1, domain.MaxAmount),
		gen.UInt32Range(0, MaxFeeBps),
	))

	properties.Property("resolution pays client and freelancer exactly the amount without fee", prop.ForAll(
		func(amount uint64, ratio float64) bool {
			share := uint64(float64(amount) * ratio)
			if share > amount {
				share = amount
			}
			got, empty := settle(amount, MaxFeeBps, true, share)
			if got == nil || !empty {
				return false
			}
			return got[client] == share && got[freelancer] == amount-share && got[platform] == 0
		},
		gen.UInt64Range(1, 1<<40),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}
