package pool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/settleops/internal/audit"
	"github.com/punchamoorthee/settleops/internal/custody"
	"github.com/punchamoorthee/settleops/internal/domain"
)

const (
	admin    domain.Account = "admin"
	platform domain.Account = "platform"
	owner    domain.Account = "owner"
)

var native = domain.Native()

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	engine *Engine
	ledger custody.Ledger
	events *audit.MemoryRecorder
	clock  *fakeClock
}

func newHarness(t *testing.T, ledger custody.Ledger) *harness {
	t.Helper()
	if ledger == nil {
		ledger = custody.NewMemoryLedger()
	}
	h := &harness{
		ledger: ledger,
		events: audit.NewMemoryRecorder(),
		clock:  &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	e, err := NewEngine(ledger, h.events, Config{
		Admin:        admin,
		FeeBps:       250,
		FeeRecipient: platform,
		Clock:        h.clock.Now,
	})
	require.NoError(t, err)
	h.engine = e
	return h
}

func (h *harness) create(t *testing.T, monthly uint64, max int) domain.Pool {
	t.Helper()
	p, err := h.engine.CreatePool(context.Background(), owner, CreateRequest{
		ServiceName: "streaming", MonthlyAmount: monthly, Currency: native, MaxMembers: max,
	})
	require.NoError(t, err)
	return p
}

func (h *harness) fund(t *testing.T, a domain.Account, amount uint64) {
	t.Helper()
	require.NoError(t, h.ledger.Deposit(context.Background(), a, native, amount))
}

func (h *harness) join(t *testing.T, p domain.Pool, a domain.Account) domain.Pool {
	t.Helper()
	got, err := h.engine.JoinPool(context.Background(), a, p.ID, domain.Payment{Currency: native, Amount: p.Share()})
	require.NoError(t, err)
	return got
}

func (h *harness) balance(t *testing.T, a domain.Account) uint64 {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), a, native)
	require.NoError(t, err)
	return b
}

func (h *harness) held(t *testing.T, id uint64) uint64 {
	t.Helper()
	b, err := h.ledger.Held(context.Background(), custody.PoolHold(id), native)
	require.NoError(t, err)
	return b
}

func member(i int) domain.Account { return domain.Account(fmt.Sprintf("member-%d", i)) }

func TestCreatePool(t *testing.T) {
	h := newHarness(t, nil)
	p := h.create(t, 400, 4)

	assert.Equal(t, uint64(1), p.ID)
	assert.Equal(t, domain.PoolActive, p.Status)
	assert.Equal(t, uint64(100), p.Share())
	assert.Equal(t, h.clock.Now().Add(BillingPeriod), p.NextPaymentDue)
	assert.Zero(t, p.CurrentMembers)
	require.Len(t, h.events.OfType(domain.EventPoolCreated), 1)
}

func TestCreatePoolValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	valid := CreateRequest{ServiceName: "music", MonthlyAmount: 1000, Currency: native, MaxMembers: 5}

	tests := []struct {
		name   string
		owner  domain.Account
		mutate func(r *CreateRequest)
		want   error
	}{
		{"no owner", "", func(r *CreateRequest) {}, domain.ErrUnauthorized},
		{"no service", owner, func(r *CreateRequest) { r.ServiceName = " " }, domain.ErrInvalidInput},
		{"one member", owner, func(r *CreateRequest) { r.MaxMembers = 1 }, domain.ErrInvalidInput},
		{"too many members", owner, func(r *CreateRequest) { r.MaxMembers = 21 }, domain.ErrInvalidInput},
		{"zero share", owner, func(r *CreateRequest) { r.MonthlyAmount = 4 }, domain.ErrInvalidAmount},
		{"huge amount", owner, func(r *CreateRequest) { r.MonthlyAmount = domain.MaxAmount + 1 }, domain.ErrInvalidAmount},
		{"bad currency", owner, func(r *CreateRequest) { r.Currency = domain.Currency{Kind: "gold"} }, domain.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, err := h.engine.CreatePool(ctx, tt.owner, req)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestShareUsesFloorDivision(t *testing.T) {
	h := newHarness(t, nil)
	p := h.create(t, 1000, 3)
	assert.Equal(t, uint64(333), p.Share())

	h.fund(t, member(1), 333)
	h.join(t, p, member(1))
	assert.Zero(t, h.balance(t, member(1)))
}

func TestJoinGuards(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := h.create(t, 200, 2)
	for i := 1; i <= 4; i++ {
		h.fund(t, member(i), 1000)
	}
	share := domain.Payment{Currency: native, Amount: 100}

	_, err := h.engine.JoinPool(ctx, owner, p.ID, share)
	require.ErrorIs(t, err, domain.ErrOwnerCannotJoin)
	_, err = h.engine.JoinPool(ctx, member(1), p.ID, domain.Payment{Currency: domain.Token("USDC"), Amount: 100})
	require.ErrorIs(t, err, domain.ErrCurrencyMismatch)
	_, err = h.engine.JoinPool(ctx, member(1), p.ID, domain.Payment{Currency: native, Amount: 99})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = h.engine.JoinPool(ctx, "broke", p.ID, share)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	_, err = h.engine.JoinPool(ctx, member(1), 42, share)
	require.ErrorIs(t, err, domain.ErrNotFound)

	h.join(t, p, member(1))
	_, err = h.engine.JoinPool(ctx, member(1), p.ID, share)
	require.ErrorIs(t, err, domain.ErrAlreadyMember)

	h.join(t, p, member(2))
	_, err = h.engine.JoinPool(ctx, member(3), p.ID, share)
	require.ErrorIs(t, err, domain.ErrPoolFull)

	got, err := h.engine.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentMembers)
	assert.Equal(t, uint64(1000), h.balance(t, member(3)), "rejected joins debit nothing")
	assert.Len(t, h.events.OfType(domain.EventMemberJoined), 2)
}

func TestJoinRequiresActivePool(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := h.create(t, 400, 4)
	h.fund(t, member(1), 100)

	_, err := h.engine.SetStatus(ctx, owner, p.ID, domain.PoolPaused)
	require.NoError(t, err)
	_, err = h.engine.JoinPool(ctx, member(1), p.ID, domain.Payment{Currency: native, Amount: 100})
	require.ErrorIs(t, err, domain.ErrInvalidStatus)
	assert.Equal(t, uint64(100), h.balance(t, member(1)))
}

func TestJoinPaysOutEagerlyOnceCycleIsCovered(t *testing.T) {
	h := newHarness(t, nil)
	p := h.create(t, 200, 2)
	h.fund(t, member(1), 100)
	h.fund(t, member(2), 100)

	got := h.join(t, p, member(1))
	assert.Equal(t, uint64(100), got.Pending)
	assert.Equal(t, uint64(100), h.held(t, p.ID))
	assert.Empty(t, h.events.OfType(domain.EventPayoutCompleted))

	got = h.join(t, p, member(2))
	assert.Zero(t, got.Pending)
	assert.Zero(t, h.held(t, p.ID))

	// 200 @ 250 bps: fee 5, owner 195.
	assert.Equal(t, uint64(195), h.balance(t, owner))
	assert.Equal(t, uint64(5), h.balance(t, platform))
	payouts := h.events.OfType(domain.EventPayoutCompleted)
	require.Len(t, payouts, 1)
	assert.Equal(t, map[string]uint64{"total": 200, "owner": 195, "fee": 5}, payouts[0].Amounts)
	assert.Equal(t, member(2), payouts[0].Actor)
}

func TestCollectionCycleWithPartialMembership(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := h.create(t, 400, 4)
	for i := 1; i <= 3; i++ {
		h.fund(t, member(i), 200)
		h.join(t, p, member(i))
	}
	assert.Equal(t, uint64(300), h.held(t, p.ID))
	assert.Empty(t, h.events.OfType(domain.EventPayoutCompleted), "300 of 400 does not trigger a payout")

	_, err := h.engine.CollectPayments(ctx, p.ID)
	require.ErrorIs(t, err, domain.ErrNotDue)

	h.clock.Advance(BillingPeriod)
	report, err := h.engine.CollectPayments(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), report.Collected)
	require.Len(t, report.Outcomes, 3)
	for _, o := range report.Outcomes {
		assert.True(t, o.Paid, "member %s", o.Account)
	}
	require.NotNil(t, report.Payout)
	assert.Equal(t, Payout{Total: 300, Owner: 293, Fee: 7, Recipient: platform}, *report.Payout)
	assert.Equal(t, p.NextPaymentDue.Add(BillingPeriod), report.NextPaymentDue)
	assert.Equal(t, uint64(300), h.held(t, p.ID), "join contributions wait for the fourth member")

	h.fund(t, member(4), 100)
	got := h.join(t, p, member(4))
	assert.Zero(t, got.Pending)
	assert.Zero(t, h.held(t, p.ID))

	payouts := h.events.OfType(domain.EventPayoutCompleted)
	require.Len(t, payouts, 2)
	assert.Equal(t, "joinPool", payouts[1].Operation)
	// 400 @ 250 bps: fee 10, owner 390.
	assert.Equal(t, map[string]uint64{"total": 400, "owner": 390, "fee": 10}, payouts[1].Amounts)

	assert.Equal(t, uint64(293+390), h.balance(t, owner))
	assert.Equal(t, uint64(7+10), h.balance(t, platform))
	var inMembers uint64
	for i := 1; i <= 4; i++ {
		inMembers += h.balance(t, member(i))
	}
	assert.Equal(t, uint64(3*200+100), inMembers+h.balance(t, owner)+h.balance(t, platform), "money is conserved")
}

func TestCollectAdvancesDueDateWhenNothingCollected(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := h.create(t, 400, 4)

	h.clock.Advance(BillingPeriod)
	report, err := h.engine.CollectPayments(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, report.Collected)
	assert.Nil(t, report.Payout)
	assert.Empty(t, h.events.OfType(domain.EventPayoutCompleted))

	got, _ := h.engine.Get(p.ID)
	assert.Equal(t, p.NextPaymentDue.Add(BillingPeriod), got.NextPaymentDue)

	_, err = h.engine.CollectPayments(ctx, p.ID)
	require.ErrorIs(t, err, domain.ErrNotDue)
}

func TestEvictionAfterTwoConsecutiveFailures(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := h.create(t, 300, 3)
	h.fund(t, member(1), 1000)
	h.fund(t, member(2), 100)
	h.fund(t, member(3), 1000)
	for i := 1; i <= 3; i++ {
		h.join(t, p, member(i))
	}

	h.clock.Advance(BillingPeriod)
	first, err := h.engine.CollectPayments(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), first.Collected, "one failure does not abort the batch")
	assert.Empty(t, first.Evicted)
	failed := h.events.OfType(domain.EventPaymentFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, member(2), failed[0].Actor)

	h.clock.Advance(BillingPeriod)
	second, err := h.engine.CollectPayments(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []domain.Account{member(2)}, second.Evicted)

	got, _ := h.engine.Get(p.ID)
	assert.Equal(t, 2, got.CurrentMembers)
	assert.NotContains(t, got.Active, member(2))
	assert.False(t, got.Members[member(2)].IsActive)
	assert.Equal(t, 2, got.Members[member(2)].FailedPaymentCount, "record retained for audit")

	removed := h.events.OfType(domain.EventMemberRemoved)
	require.Len(t, removed, 1)
	assert.Contains(t, removed[0].Reason, ReasonFailedPayments)
	assert.NotContains(t, removed[0].Reason, ReasonLeft)

	h.clock.Advance(BillingPeriod)
	third, err := h.engine.CollectPayments(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, third.Outcomes, 2, "evicted members are no longer charged")
}

func TestSuccessfulChargeResetsFailureCount(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := h.create(t, 200, 2)
	h.fund(t, member(1), 100)
	h.join(t, p, member(1))

	h.clock.Advance(BillingPeriod)
	_, err := h.engine.CollectPayments(ctx, p.ID)
	require.NoError(t, err)

	h.fund(t, member(1), 100)
	h.clock.Advance(BillingPeriod)
	_, err = h.engine.CollectPayments(ctx, p.ID)
	require.NoError(t, err)

	h.clock.Advance(BillingPeriod)
	report, err := h.engine.CollectPayments(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, report.Evicted, "failures were not consecutive")
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, 1, report.Outcomes[0].Failures)
}

func TestManualPaymentResetsFailures(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := h.create(t, 200, 2)
	h.fund(t, member(1), 100)
	h.join(t, p, member(1))

	h.clock.Advance(BillingPeriod)
	_, err := h.engine.CollectPayments(ctx, p.ID)
	require.NoError(t, err)
	got, _ := h.engine.Get(p.ID)
	assert.Equal(t, 1, got.Members[member(1)].FailedPaymentCount)

	_, err = h.engine.ManualPayment(ctx, member(1), p.ID, domain.Payment{Currency: native, Amount: 100})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	h.fund(t, member(1), 100)
	got, err = h.engine.ManualPayment(ctx, member(1), p.ID, domain.Payment{Currency: native, Amount: 100})
	require.NoError(t, err)
	assert.Zero(t, got.Members[member(1)].FailedPaymentCount)
	assert.Equal(t, uint64(200), got.Members[member(1)].TotalPaid)
	assert.Zero(t, h.held(t, p.ID), "eager payout after manual payment")

	_, err = h.engine.ManualPayment(ctx, member(2), p.ID, domain.Payment{Currency: native, Amount: 100})
	require.ErrorIs(t, err, domain.ErrNotMember)
}

func TestLeaveAndRejoin(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := h.create(t, 400, 4)
	for i := 1; i <= 3; i++ {
		h.fund(t, member(i), 200)
		h.join(t, p, member(i))
	}

	got, err := h.engine.LeavePool(ctx, member(1), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentMembers)
	assert.ElementsMatch(t, []domain.Account{member(2), member(3)}, got.Active)
	assert.Equal(t, uint64(100), h.balance(t, member(1)), "no refund on leave")

	removed := h.events.OfType(domain.EventMemberRemoved)
	require.Len(t, removed, 1)
	assert.Contains(t, removed[0].Reason, ReasonLeft)
	assert.Len(t, h.events.OfType(domain.EventMemberLeft), 1)

	_, err = h.engine.LeavePool(ctx, member(1), p.ID)
	require.ErrorIs(t, err, domain.ErrNotMember)

	got = h.join(t, p, member(1))
	assert.Equal(t, 3, got.CurrentMembers)
	assert.True(t, got.Members[member(1)].IsActive)
	assert.Zero(t, h.balance(t, member(1)))
}

func TestActiveListMatchesMemberCount(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := h.create(t, 2000, 20)
	for i := 1; i <= 10; i++ {
		h.fund(t, member(i), 100)
		h.join(t, p, member(i))
	}
	for _, i := range []int{3, 10, 1, 7} {
		_, err := h.engine.LeavePool(ctx, member(i), p.ID)
		require.NoError(t, err)
	}

	got, _ := h.engine.Get(p.ID)
	active := 0
	for _, m := range got.Members {
		if m.IsActive {
			active++
			assert.Contains(t, got.Active, m.Account)
		}
	}
	assert.Equal(t, 6, got.CurrentMembers)
	assert.Equal(t, active, got.CurrentMembers)
	assert.Len(t, got.Active, active)
}

func TestPayoutIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := h.create(t, 200, 2)
	for i := 1; i <= 2; i++ {
		h.fund(t, member(i), 100)
		h.join(t, p, member(i))
	}
	ownerBefore := h.balance(t, owner)
	require.Len(t, h.events.OfType(domain.EventPayoutCompleted), 1)

	internal, err := h.engine.lookup(p.ID)
	require.NoError(t, err)
	unlock := h.engine.locks.Lock(p.ID)
	again, err := h.engine.eagerPayout(ctx, internal, "test", "")
	require.NoError(t, err)
	assert.Nil(t, again)
	again, err = h.engine.payout(ctx, internal, h.engine.takePending(internal), "test", "")
	unlock()
	require.NoError(t, err)

	assert.Nil(t, again, "a paid cycle pays nothing twice")
	assert.Equal(t, ownerBefore, h.balance(t, owner))
	assert.Zero(t, h.held(t, p.ID))
	assert.Len(t, h.events.OfType(domain.EventPayoutCompleted), 1)
}

func TestStatusTransitions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := h.create(t, 400, 4)

	_, err := h.engine.SetStatus(ctx, member(1), p.ID, domain.PoolPaused)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = h.engine.SetStatus(ctx, owner, p.ID, domain.PoolActive)
	require.ErrorIs(t, err, domain.ErrInvalidStatus)
	_, err = h.engine.SetStatus(ctx, owner, p.ID, "archived")
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	got, err := h.engine.SetStatus(ctx, owner, p.ID, domain.PoolPaused)
	require.NoError(t, err)
	assert.Equal(t, domain.PoolPaused, got.Status)

	h.clock.Advance(BillingPeriod)
	_, err = h.engine.CollectPayments(ctx, p.ID)
	require.ErrorIs(t, err, domain.ErrInvalidStatus, "paused pools are not collected")
	assert.Empty(t, h.engine.DuePools(h.clock.Now()))

	_, err = h.engine.SetStatus(ctx, owner, p.ID, domain.PoolActive)
	require.NoError(t, err)
	_, err = h.engine.SetStatus(ctx, owner, p.ID, domain.PoolCancelled)
	require.NoError(t, err)
	_, err = h.engine.SetStatus(ctx, owner, p.ID, domain.PoolActive)
	require.ErrorIs(t, err, domain.ErrInvalidStatus, "cancelled is final")
	assert.Len(t, h.events.OfType(domain.EventPoolStatusChanged), 3)
}

// flakyLedger fails the next release with a transient conflict.
type flakyLedger struct {
	*custody.MemoryLedger
	mu   sync.Mutex
	fail int
}

func (l *flakyLedger) Release(ctx context.Context, hold custody.Hold, cur domain.Currency, legs ...custody.Leg) error {
	l.mu.Lock()
	if l.fail > 0 {
		l.fail--
		l.mu.Unlock()
		return domain.ErrConflict
	}
	l.mu.Unlock()
	return l.MemoryLedger.Release(ctx, hold, cur, legs...)
}

func TestDeferredPayoutFlushedOnCancel(t *testing.T) {
	ledger := &flakyLedger{MemoryLedger: custody.NewMemoryLedger(), fail: 1}
	h := newHarness(t, ledger)
	ctx := context.Background()
	p := h.create(t, 200, 2)
	h.fund(t, member(1), 100)
	h.fund(t, member(2), 100)

	h.join(t, p, member(1))
	got := h.join(t, p, member(2))
	assert.Equal(t, uint64(200), got.Deferred)
	assert.Zero(t, got.Pending)
	assert.Equal(t, uint64(200), h.held(t, p.ID), "transient failure leaves funds held")

	_, err := h.engine.ManualPayment(ctx, member(1), p.ID, domain.Payment{Currency: native, Amount: 100})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	got, err = h.engine.SetStatus(ctx, owner, p.ID, domain.PoolCancelled)
	require.NoError(t, err)
	assert.Zero(t, got.Deferred)
	assert.Zero(t, h.held(t, p.ID))
	assert.Equal(t, uint64(195), h.balance(t, owner))
	assert.Equal(t, uint64(5), h.balance(t, platform))

	_, err = h.engine.ManualPayment(ctx, member(1), p.ID, domain.Payment{Currency: native, Amount: 100})
	require.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestDeferredPayoutRetriedOnTick(t *testing.T) {
	ledger := &flakyLedger{MemoryLedger: custody.NewMemoryLedger(), fail: 1}
	h := newHarness(t, ledger)
	ctx := context.Background()
	p := h.create(t, 200, 2)
	for i := 1; i <= 2; i++ {
		h.fund(t, member(i), 200)
		h.join(t, p, member(i))
	}
	assert.Equal(t, uint64(200), h.held(t, p.ID))

	h.clock.Advance(BillingPeriod)
	report, err := h.engine.CollectPayments(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), report.Collected)
	require.NotNil(t, report.Payout)
	// 400 @ 250 bps: fee 10, owner 390.
	assert.Equal(t, Payout{Total: 400, Owner: 390, Fee: 10, Recipient: platform}, *report.Payout)
	assert.Zero(t, h.held(t, p.ID))
}

type leakyLedger struct {
	*custody.MemoryLedger
}

func (l leakyLedger) Release(context.Context, custody.Hold, domain.Currency, ...custody.Leg) error {
	return custody.ErrShortfall
}

func TestShortfallHaltsPool(t *testing.T) {
	h := newHarness(t, leakyLedger{custody.NewMemoryLedger()})
	ctx := context.Background()
	p := h.create(t, 200, 2)
	for i := 1; i <= 3; i++ {
		h.fund(t, member(i), 100)
	}

	h.join(t, p, member(1))
	_, err := h.engine.JoinPool(ctx, member(2), p.ID, domain.Payment{Currency: native, Amount: 100})
	require.ErrorIs(t, err, domain.ErrCorrupted)
	require.Len(t, h.events.OfType(domain.EventEntityHalted), 1)

	_, err = h.engine.LeavePool(ctx, member(1), p.ID)
	require.ErrorIs(t, err, domain.ErrHalted)
	_, err = h.engine.JoinPool(ctx, member(3), p.ID, domain.Payment{Currency: native, Amount: 100})
	require.ErrorIs(t, err, domain.ErrHalted)
	assert.Equal(t, uint64(100), h.balance(t, member(3)))

	h.clock.Advance(BillingPeriod)
	assert.Empty(t, h.engine.DuePools(h.clock.Now()), "halted pools are not scheduled")
}

// driftLedger reports one unit more in every hold than custody really carries.
type driftLedger struct {
	*custody.MemoryLedger
}

func (l driftLedger) Held(ctx context.Context, hold custody.Hold, cur domain.Currency) (uint64, error) {
	n, err := l.MemoryLedger.Held(ctx, hold, cur)
	return n + 1, err
}

func TestHoldDriftAfterPayoutHaltsPool(t *testing.T) {
	h := newHarness(t, driftLedger{custody.NewMemoryLedger()})
	ctx := context.Background()
	p := h.create(t, 200, 2)
	h.fund(t, member(1), 100)
	h.fund(t, member(2), 100)

	h.join(t, p, member(1))
	got, err := h.engine.JoinPool(ctx, member(2), p.ID, domain.Payment{Currency: native, Amount: 100})
	require.ErrorIs(t, err, domain.ErrCorrupted)
	assert.True(t, got.Halted)
	require.Len(t, h.events.OfType(domain.EventEntityHalted), 1)
}

func TestDuePools(t *testing.T) {
	h := newHarness(t, nil)
	a := h.create(t, 400, 4)
	h.clock.Advance(24 * time.Hour)
	b := h.create(t, 400, 4)

	assert.Empty(t, h.engine.DuePools(h.clock.Now()))
	assert.Equal(t, []uint64{a.ID}, h.engine.DuePools(a.NextPaymentDue))
	assert.Equal(t, []uint64{a.ID, b.ID}, h.engine.DuePools(b.NextPaymentDue.Add(time.Minute)))
}

func TestFeePolicyCap(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.ErrorIs(t, h.engine.SetFeePolicy(ctx, owner, 100), domain.ErrUnauthorized)
	require.ErrorIs(t, h.engine.SetFeePolicy(ctx, admin, MaxFeeBps+1), domain.ErrFeeTooHigh)
	require.NoError(t, h.engine.SetFeePolicy(ctx, admin, MaxFeeBps))
	require.NoError(t, h.engine.SetFeeRecipient(ctx, admin, "treasury"))

	p := h.create(t, 2000, 2)
	for i := 1; i <= 2; i++ {
		h.fund(t, member(i), 1000)
		h.join(t, p, member(i))
	}

	assert.Equal(t, uint64(1900), h.balance(t, owner))
	treasury, _ := h.ledger.Balance(ctx, "treasury", native)
	assert.Equal(t, uint64(100), treasury)
}

func TestConcurrentJoinsRespectCapacity(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := h.create(t, 500, 5)
	for i := 0; i < 30; i++ {
		h.fund(t, member(i), 100)
	}

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(a domain.Account) {
			defer wg.Done()
			_, _ = h.engine.JoinPool(ctx, a, p.ID, domain.Payment{Currency: native, Amount: 100})
		}(member(i))
	}
	wg.Wait()

	got, _ := h.engine.Get(p.ID)
	assert.Equal(t, 5, got.CurrentMembers)
	assert.Len(t, got.Active, 5)
	assert.Zero(t, h.held(t, p.ID))
	// One payout of the full cycle: 500 @ 250 bps, fee 12, owner 488.
	require.Len(t, h.events.OfType(domain.EventPayoutCompleted), 1)
	assert.Equal(t, uint64(488), h.balance(t, owner))
	assert.Equal(t, uint64(12), h.balance(t, platform))
}

func TestCreatedEventPrecedesConcurrentJoin(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.fund(t, member(1), 100)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				h.engine.JoinPool(ctx, member(1), 1, domain.Payment{Currency: native, Amount: 100})
			}
		}
	}()
	p := h.create(t, 400, 4)
	require.Eventually(t, func() bool {
		got, _ := h.engine.Get(p.ID)
		return got.CurrentMembers == 1
	}, time.Second, time.Millisecond)
	close(stop)
	wg.Wait()

	events := h.events.Events()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventPoolCreated, events[0].Type)
	assert.Equal(t, domain.EventMemberJoined, events[1].Type)
}
