package custody

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/punchamoorthee/settleops/internal/domain"
)

type balanceKey struct {
	owner    string
	currency string
}

type slot struct {
	mu     sync.Mutex
	amount uint64
}

// MemoryLedger is an in-process Ledger. Each (owner, currency) balance has its own
// lock; movements lock every touched balance in sorted order.
type MemoryLedger struct {
	mu      sync.Mutex
	slots   map[balanceKey]*slot
	entries []Entry
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{slots: make(map[balanceKey]*slot)}
}

func (l *MemoryLedger) slot(owner string, currency domain.Currency) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := balanceKey{owner: owner, currency: currency.String()}
	s, ok := l.slots[k]
	if !ok {
		s = &slot{}
		l.slots[k] = s
	}
	return s
}

// lock acquires the slots of owners in sorted order and returns them keyed by owner.
func (l *MemoryLedger) lock(currency domain.Currency, owners ...string) (map[string]*slot, func()) {
	ordered := lockOrder(owners...)
	held := make(map[string]*slot, len(ordered))
	for _, o := range ordered {
		s := l.slot(o, currency)
		s.mu.Lock()
		held[o] = s
	}
	return held, func() {
		for i := len(ordered) - 1; i >= 0; i-- {
			held[ordered[i]].mu.Unlock()
		}
	}
}

func (l *MemoryLedger) record(entries ...Entry) {
	l.mu.Lock()
	l.entries = append(l.entries, entries...)
	l.mu.Unlock()
}

func (l *MemoryLedger) Deposit(ctx context.Context, account domain.Account, currency domain.Currency, amount uint64) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if account == "" {
		return fmt.Errorf("%w: account required", domain.ErrInvalidInput)
	}
	owner := walletOwner(account)
	held, unlock := l.lock(currency, owner)
	defer unlock()

	s := held[owner]
	if s.amount > domain.MaxAmount-amount {
		return fmt.Errorf("%w: wallet balance overflow", domain.ErrInvalidAmount)
	}
	s.amount += amount
	l.record(Entry{Movement: uuid.NewString(), Owner: owner, Currency: currency.String(), Delta: int64(amount)})
	movementsTotal.WithLabelValues("deposit").Inc()
	return nil
}

func (l *MemoryLedger) Balance(ctx context.Context, account domain.Account, currency domain.Currency) (uint64, error) {
	return l.read(walletOwner(account), currency), nil
}

func (l *MemoryLedger) Held(ctx context.Context, hold Hold, currency domain.Currency) (uint64, error) {
	return l.read(holdOwner(hold), currency), nil
}

func (l *MemoryLedger) read(owner string, currency domain.Currency) uint64 {
	s := l.slot(owner, currency)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.amount
}

func (l *MemoryLedger) Debit(ctx context.Context, hold Hold, payer domain.Account, currency domain.Currency, amount uint64) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	from, to := walletOwner(payer), holdOwner(hold)
	held, unlock := l.lock(currency, from, to)
	defer unlock()

	if held[from].amount < amount {
		movementsTotal.WithLabelValues("debit_rejected").Inc()
		return fmt.Errorf("%w: %s holds %d, needs %d", domain.ErrInsufficientFunds, payer, held[from].amount, amount)
	}
	if held[to].amount > domain.MaxAmount-amount {
		return fmt.Errorf("%w: hold balance overflow", domain.ErrInvalidAmount)
	}
	held[from].amount -= amount
	held[to].amount += amount

	id := uuid.NewString()
	l.record(
		Entry{Movement: id, Owner: from, Currency: currency.String(), Delta: -int64(amount)},
		Entry{Movement: id, Owner: to, Currency: currency.String(), Delta: int64(amount)},
	)
	movementsTotal.WithLabelValues("debit").Inc()
	return nil
}

func (l *MemoryLedger) Release(ctx context.Context, hold Hold, currency domain.Currency, legs ...Leg) error {
	legs, total, err := releaseTotal(legs)
	if err != nil {
		return err
	}
	if total == 0 {
		return nil
	}
	from := holdOwner(hold)
	owners := []string{from}
	for _, leg := range legs {
		owners = append(owners, walletOwner(leg.Payee))
	}
	held, unlock := l.lock(currency, owners...)
	defer unlock()

	if held[from].amount < total {
		movementsTotal.WithLabelValues("release_rejected").Inc()
		return fmt.Errorf("%w: %s holds %d, release needs %d", ErrShortfall, hold, held[from].amount, total)
	}
	for _, leg := range legs {
		if held[walletOwner(leg.Payee)].amount > domain.MaxAmount-leg.Amount {
			return fmt.Errorf("%w: wallet balance overflow for %s", domain.ErrInvalidAmount, leg.Payee)
		}
	}

	id := uuid.NewString()
	entries := []Entry{{Movement: id, Owner: from, Currency: currency.String(), Delta: -int64(total)}}
	held[from].amount -= total
	for _, leg := range legs {
		to := walletOwner(leg.Payee)
		held[to].amount += leg.Amount
		entries = append(entries, Entry{Movement: id, Owner: to, Currency: currency.String(), Delta: int64(leg.Amount)})
	}
	l.record(entries...)
	movementsTotal.WithLabelValues("release").Inc()
	releasedAmount.Add(float64(total))
	return nil
}

// Entries returns a copy of every movement leg recorded so far.
func (l *MemoryLedger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}
