// Package custody holds the balances owned by the settlement engine.
//
// Funds live either in a wallet (an external account's spendable balance at the
// engine) or in a hold earmarked for one escrow or pool. Debit moves funds from a
// wallet into a hold; Release moves them out of a hold to one or more payees.
// Both are all-or-nothing.
package custody

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/punchamoorthee/settleops/internal/domain"
)

// ErrShortfall means a hold cannot cover the legs of a release. Engines treat it
// as a fatal inconsistency for the owning entity.
var ErrShortfall = errors.New("hold balance below release total")

// Hold names the custody bucket of one entity.
type Hold string

func EscrowHold(id uint64) Hold { return Hold(fmt.Sprintf("escrow/%d", id)) }

func PoolHold(id uint64) Hold { return Hold(fmt.Sprintf("pool/%d", id)) }

// Leg is one credit of a release.
type Leg struct {
	Payee  domain.Account
	Amount uint64
	Memo   string
}

// Ledger is the custody primitive consumed by the engines.
type Ledger interface {
	// Deposit credits an external account's wallet (on-ramp).
	Deposit(ctx context.Context, account domain.Account, currency domain.Currency, amount uint64) error
	// Balance returns the wallet balance of account.
	Balance(ctx context.Context, account domain.Account, currency domain.Currency) (uint64, error)
	// Debit moves amount from the payer's wallet into hold, or fails with
	// domain.ErrInsufficientFunds and no effect.
	Debit(ctx context.Context, hold Hold, payer domain.Account, currency domain.Currency, amount uint64) error
	// Release credits every leg from hold or none of them.
	Release(ctx context.Context, hold Hold, currency domain.Currency, legs ...Leg) error
	// Held returns the balance earmarked in hold.
	Held(ctx context.Context, hold Hold, currency domain.Currency) (uint64, error)
}

// Entry is one side of a custody movement. Deltas of a movement sum to zero.
type Entry struct {
	Movement string `json:"movement"`
	Owner    string `json:"owner"`
	Currency string `json:"currency"`
	Delta    int64  `json:"delta"`
}

func walletOwner(a domain.Account) string { return "wallet:" + string(a) }

func holdOwner(h Hold) string { return "hold:" + string(h) }

func checkAmount(amount uint64) error {
	if amount == 0 || amount > domain.MaxAmount {
		return fmt.Errorf("%w: %d", domain.ErrInvalidAmount, amount)
	}
	return nil
}

// releaseTotal validates legs and returns their sum, dropping zero-amount legs.
func releaseTotal(legs []Leg) ([]Leg, uint64, error) {
	var total uint64
	out := make([]Leg, 0, len(legs))
	for _, l := range legs {
		if l.Payee == "" {
			return nil, 0, fmt.Errorf("%w: release leg without payee", domain.ErrInvalidInput)
		}
		if l.Amount == 0 {
			continue
		}
		if l.Amount > domain.MaxAmount || total > domain.MaxAmount-l.Amount {
			return nil, 0, fmt.Errorf("%w: release total overflows", domain.ErrInvalidAmount)
		}
		total += l.Amount
		out = append(out, l)
	}
	return out, total, nil
}

// lockOrder returns the distinct owners sorted, the order every implementation
// acquires balance locks in.
func lockOrder(owners ...string) []string {
	seen := make(map[string]struct{}, len(owners))
	out := make([]string, 0, len(owners))
	for _, o := range owners {
		if _, ok := seen[o]; ok {
			continue
		}
		seen[o] = struct{}{}
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}
