// Package pool implements recurring subscription pools: an owner sells a
// monthly service, members each pay an equal share, and the engine forwards
// collected shares to the owner net of the platform fee.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/settleops/internal/audit"
	"github.com/punchamoorthee/settleops/internal/custody"
	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/fee"
	"github.com/punchamoorthee/settleops/internal/locker"
)

const (
	// MaxFeeBps caps the pool platform fee at 5%.
	MaxFeeBps     = 500
	DefaultFeeBps = 250

	BillingPeriod     = 30 * 24 * time.Hour
	MaxFailedPayments = 2
	MinMembers        = 2
	MaxMembers        = 20
)

// Removal reasons carried by MemberRemoved.
const (
	ReasonLeft           = "member left the pool"
	ReasonFailedPayments = "too many failed payments"
)

type Config struct {
	Admin        domain.Account
	FeeBps       uint32
	FeeRecipient domain.Account
	Clock        func() time.Time
	Logger       *slog.Logger
}

// CreateRequest carries the terms of a new pool. The caller becomes the owner.
type CreateRequest struct {
	ServiceName   string          `json:"service_name"`
	MonthlyAmount uint64          `json:"monthly_amount"`
	Currency      domain.Currency `json:"currency"`
	MaxMembers    int             `json:"max_members"`
}

type Engine struct {
	ledger   custody.Ledger
	recorder audit.Recorder
	fees     *fee.Schedule
	admin    domain.Account
	now      func() time.Time
	log      *slog.Logger
	locks    *locker.Keyed

	mu     sync.RWMutex
	pools  map[uint64]*domain.Pool
	nextID uint64
}

func NewEngine(ledger custody.Ledger, rec audit.Recorder, cfg Config) (*Engine, error) {
	if ledger == nil {
		return nil, errors.New("pool: custody ledger required")
	}
	if cfg.Admin == "" {
		return nil, fmt.Errorf("pool: %w: admin account required", domain.ErrInvalidInput)
	}
	if cfg.FeeRecipient == "" {
		cfg.FeeRecipient = cfg.Admin
	}
	fees, err := fee.NewSchedule(MaxFeeBps, fee.Policy{Bps: cfg.FeeBps, Recipient: cfg.FeeRecipient})
	if err != nil {
		return nil, fmt.Errorf("pool: %w", err)
	}
	if rec == nil {
		rec = audit.NewNoopRecorder()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		ledger:   ledger,
		recorder: rec,
		fees:     fees,
		admin:    cfg.Admin,
		now:      cfg.Clock,
		log:      cfg.Logger.With("component", "pool"),
		locks:    locker.NewKeyed(),
		pools:    make(map[uint64]*domain.Pool),
	}, nil
}

// CreatePool registers an Active pool whose first collection is due one
// billing period from now.
func (e *Engine) CreatePool(ctx context.Context, owner domain.Account, req CreateRequest) (domain.Pool, error) {
	if err := validateCreate(owner, req); err != nil {
		operationsTotal.WithLabelValues("createPool", "rejected").Inc()
		return domain.Pool{}, err
	}
	now := e.now()

	e.mu.Lock()
	e.nextID++
	unlock := e.locks.Lock(e.nextID)
	defer unlock()
	p := &domain.Pool{
		ID:             e.nextID,
		Owner:          owner,
		ServiceName:    strings.TrimSpace(req.ServiceName),
		MonthlyAmount:  req.MonthlyAmount,
		Currency:       req.Currency,
		MaxMembers:     req.MaxMembers,
		Status:         domain.PoolActive,
		NextPaymentDue: now.Add(BillingPeriod),
		CreatedAt:      now,
		Members:        make(map[domain.Account]*domain.Member),
	}
	e.pools[p.ID] = p
	e.mu.Unlock()

	operationsTotal.WithLabelValues("createPool", "ok").Inc()
	e.emit(ctx, p, domain.EventPoolCreated, "createPool", owner, map[string]uint64{
		"monthly_amount": p.MonthlyAmount, "share": p.Share(), "max_members": uint64(p.MaxMembers),
	}, p.ServiceName)
	return p.Clone(), nil
}

func validateCreate(owner domain.Account, req CreateRequest) error {
	switch {
	case strings.TrimSpace(string(owner)) == "":
		return fmt.Errorf("%w: owner required", domain.ErrUnauthorized)
	case strings.TrimSpace(req.ServiceName) == "":
		return fmt.Errorf("%w: service name required", domain.ErrInvalidInput)
	case req.MaxMembers < MinMembers || req.MaxMembers > MaxMembers:
		return fmt.Errorf("%w: max members %d outside %d..%d", domain.ErrInvalidInput, req.MaxMembers, MinMembers, MaxMembers)
	case req.MonthlyAmount > domain.MaxAmount:
		return fmt.Errorf("%w: monthly amount %d", domain.ErrInvalidAmount, req.MonthlyAmount)
	case req.MonthlyAmount/uint64(req.MaxMembers) == 0:
		return fmt.Errorf("%w: monthly amount %d leaves a zero share across %d members", domain.ErrInvalidAmount, req.MonthlyAmount, req.MaxMembers)
	}
	return req.Currency.Validate()
}

// JoinPool admits caller against the first cycle's share and attempts an
// eager payout.
func (e *Engine) JoinPool(ctx context.Context, caller domain.Account, id uint64, payment domain.Payment) (domain.Pool, error) {
	return e.transition(ctx, id, "joinPool", func(p *domain.Pool) error {
		if err := requireStatus(p, domain.PoolActive); err != nil {
			return err
		}
		if caller == "" {
			return fmt.Errorf("%w: caller required", domain.ErrUnauthorized)
		}
		if caller == p.Owner {
			return fmt.Errorf("%w: pool %d", domain.ErrOwnerCannotJoin, p.ID)
		}
		if m, ok := p.Members[caller]; ok && m.IsActive {
			return fmt.Errorf("%w: %s in pool %d", domain.ErrAlreadyMember, caller, p.ID)
		}
		if p.CurrentMembers >= p.MaxMembers {
			return fmt.Errorf("%w: pool %d has %d members", domain.ErrPoolFull, p.ID, p.CurrentMembers)
		}
		if err := requireShare(p, payment); err != nil {
			return err
		}
		if err := e.ledger.Debit(ctx, custody.PoolHold(p.ID), caller, p.Currency, p.Share()); err != nil {
			return fmt.Errorf("join pool %d: %w", p.ID, err)
		}

		now := e.now()
		m, ok := p.Members[caller]
		if !ok {
			m = &domain.Member{Account: caller}
			p.Members[caller] = m
		}
		m.IsActive = true
		m.JoinedAt = now
		m.LastPayment = now
		m.FailedPaymentCount = 0
		m.TotalPaid += p.Share()
		p.Active = append(p.Active, caller)
		p.CurrentMembers++
		p.Pending += p.Share()

		e.emit(ctx, p, domain.EventMemberJoined, "joinPool", caller, map[string]uint64{"share": p.Share()}, "")
		_, err := e.eagerPayout(ctx, p, "joinPool", caller)
		return err
	})
}

// LeavePool deactivates caller. Prior payments are not refunded.
func (e *Engine) LeavePool(ctx context.Context, caller domain.Account, id uint64) (domain.Pool, error) {
	return e.transition(ctx, id, "leavePool", func(p *domain.Pool) error {
		if err := requireActiveMember(p, caller); err != nil {
			return err
		}
		e.emit(ctx, p, domain.EventMemberLeft, "leavePool", caller, nil, "")
		e.removeMember(ctx, p, caller, "leavePool", caller, ReasonLeft)
		return nil
	})
}

// ManualPayment collects one share from caller out of cycle, clears its
// failure count and attempts an eager payout.
func (e *Engine) ManualPayment(ctx context.Context, caller domain.Account, id uint64, payment domain.Payment) (domain.Pool, error) {
	return e.transition(ctx, id, "manualPayment", func(p *domain.Pool) error {
		if p.Status == domain.PoolCancelled {
			return fmt.Errorf("%w: pool %d is cancelled", domain.ErrInvalidStatus, p.ID)
		}
		if err := requireActiveMember(p, caller); err != nil {
			return err
		}
		if err := requireShare(p, payment); err != nil {
			return err
		}
		if err := e.ledger.Debit(ctx, custody.PoolHold(p.ID), caller, p.Currency, p.Share()); err != nil {
			return fmt.Errorf("manual payment to pool %d: %w", p.ID, err)
		}
		m := p.Members[caller]
		m.FailedPaymentCount = 0
		m.LastPayment = e.now()
		m.TotalPaid += p.Share()
		p.Pending += p.Share()
		e.emit(ctx, p, domain.EventPaymentCollected, "manualPayment", caller, map[string]uint64{"share": p.Share()}, "")
		_, err := e.eagerPayout(ctx, p, "manualPayment", caller)
		return err
	})
}

// SetStatus lets the owner pause, resume or cancel the pool. Cancelling pays
// out the pending and deferred contributions.
func (e *Engine) SetStatus(ctx context.Context, caller domain.Account, id uint64, status domain.PoolStatus) (domain.Pool, error) {
	return e.transition(ctx, id, "setStatus", func(p *domain.Pool) error {
		if caller == "" || caller != p.Owner {
			return fmt.Errorf("%w: only the pool owner may change its status", domain.ErrUnauthorized)
		}
		if err := statusAllowed(p.Status, status); err != nil {
			return fmt.Errorf("pool %d: %w", p.ID, err)
		}
		from := p.Status
		p.Status = status
		e.emit(ctx, p, domain.EventPoolStatusChanged, "setStatus", caller, nil, fmt.Sprintf("%s -> %s", from, status))
		if status == domain.PoolCancelled {
			_, err := e.payout(ctx, p, e.takePending(p), "setStatus", caller)
			return err
		}
		return nil
	})
}

func statusAllowed(from, to domain.PoolStatus) error {
	switch {
	case from == domain.PoolCancelled:
		return fmt.Errorf("%w: pool is cancelled", domain.ErrInvalidStatus)
	case from == to:
		return fmt.Errorf("%w: pool already %s", domain.ErrInvalidStatus, to)
	case to == domain.PoolActive, to == domain.PoolPaused, to == domain.PoolCancelled:
		return nil
	}
	return fmt.Errorf("%w: unknown pool status %q", domain.ErrInvalidInput, to)
}

// Get returns a snapshot of pool id.
func (e *Engine) Get(id uint64) (domain.Pool, error) {
	p, err := e.lookup(id)
	if err != nil {
		return domain.Pool{}, err
	}
	unlock := e.locks.Lock(id)
	defer unlock()
	return p.Clone(), nil
}

// DuePools lists the Active pools whose collection is due at now, in id order.
func (e *Engine) DuePools(now time.Time) []uint64 {
	e.mu.RLock()
	ids := make([]uint64, 0, len(e.pools))
	for id := range e.pools {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	slices.Sort(ids)

	due := ids[:0]
	for _, id := range ids {
		p, err := e.lookup(id)
		if err != nil {
			continue
		}
		unlock := e.locks.Lock(id)
		ok := p.Status == domain.PoolActive && !p.Halted && !now.Before(p.NextPaymentDue)
		unlock()
		if ok {
			due = append(due, id)
		}
	}
	return due
}

func (e *Engine) lookup(id uint64) (*domain.Pool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.pools[id]
	if !ok {
		return nil, fmt.Errorf("%w: pool %d", domain.ErrNotFound, id)
	}
	return p, nil
}

// transition runs fn with the pool locked. Guards inside fn must fail before
// any mutation.
func (e *Engine) transition(ctx context.Context, id uint64, op string, fn func(p *domain.Pool) error) (domain.Pool, error) {
	p, err := e.lookup(id)
	if err != nil {
		operationsTotal.WithLabelValues(op, "not_found").Inc()
		return domain.Pool{}, err
	}
	unlock := e.locks.Lock(id)
	defer unlock()

	if p.Halted {
		operationsTotal.WithLabelValues(op, "halted").Inc()
		return p.Clone(), fmt.Errorf("%w: pool %d", domain.ErrHalted, id)
	}
	if err := fn(p); err != nil {
		operationsTotal.WithLabelValues(op, "rejected").Inc()
		e.log.DebugContext(ctx, "pool operation rejected", "pool_id", id, "operation", op, "error", err)
		return p.Clone(), err
	}
	operationsTotal.WithLabelValues(op, "ok").Inc()
	return p.Clone(), nil
}

// removeMember deactivates acct and drops it from the active list by
// swapping with the last element.
func (e *Engine) removeMember(ctx context.Context, p *domain.Pool, acct domain.Account, op string, actor domain.Account, reason string) {
	m, ok := p.Members[acct]
	if !ok || !m.IsActive {
		return
	}
	m.IsActive = false
	if i := slices.Index(p.Active, acct); i >= 0 {
		last := len(p.Active) - 1
		p.Active[i] = p.Active[last]
		p.Active = p.Active[:last]
	}
	p.CurrentMembers--
	if reason == ReasonFailedPayments {
		evictionsTotal.Inc()
	}
	e.emit(ctx, p, domain.EventMemberRemoved, op, actor, map[string]uint64{"failed_payments": uint64(m.FailedPaymentCount)}, reason+": "+string(acct))
}

func (e *Engine) halt(ctx context.Context, p *domain.Pool, op string, cause error) error {
	p.Halted = true
	haltsTotal.Inc()
	e.log.ErrorContext(ctx, "pool halted", "pool_id", p.ID, "operation", op, "error", cause)
	e.emit(ctx, p, domain.EventEntityHalted, op, "", nil, cause.Error())
	return fmt.Errorf("%w: pool %d: %v", domain.ErrCorrupted, p.ID, cause)
}

func (e *Engine) emit(ctx context.Context, p *domain.Pool, typ domain.EventType, op string, actor domain.Account, amounts map[string]uint64, reason string) {
	evt := domain.Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Entity:    domain.EntityPool,
		EntityID:  p.ID,
		Operation: op,
		Actor:     actor,
		Amounts:   amounts,
		Currency:  p.Currency.String(),
		Status:    string(p.Status),
		Reason:    reason,
		Timestamp: e.now(),
	}
	if err := e.recorder.Record(ctx, evt); err != nil {
		e.log.ErrorContext(ctx, "record audit event", "event", typ, "pool_id", p.ID, "error", err)
	}
}
