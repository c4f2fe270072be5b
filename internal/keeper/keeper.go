// Package keeper is the external tick for pool billing: on a cron schedule it
// asks the pool engine which pools are due and collects each of them.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/pool"
)

// DefaultSchedule runs a sweep at the top of every hour.
const DefaultSchedule = "0 0 * * * *"

// Collector is the slice of pool.Engine the keeper drives.
type Collector interface {
	DuePools(now time.Time) []uint64
	CollectPayments(ctx context.Context, id uint64) (pool.CollectionReport, error)
}

// Sweep summarizes one pass over the due pools.
type Sweep struct {
	Due       int
	Collected int
	Skipped   int
	Failed    int
	Evicted   int
}

type Keeper struct {
	cron  *cron.Cron
	pools Collector
	now   func() time.Time
	log   *slog.Logger
	ctx   context.Context
}

// New builds a keeper whose scheduled sweeps run under ctx.
func New(ctx context.Context, pools Collector, clock func() time.Time, logger *slog.Logger) *Keeper {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "keeper")
	cl := cronLogger{logger}
	return &Keeper{
		cron:  cron.New(cron.WithSeconds(), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		pools: pools,
		now:   clock,
		log:   logger,
		ctx:   ctx,
	}
}

// Register schedules sweeps with a six-field cron spec.
func (k *Keeper) Register(spec string) error {
	if spec == "" {
		spec = DefaultSchedule
	}
	if _, err := k.cron.AddFunc(spec, func() { k.RunNow(k.ctx) }); err != nil {
		return fmt.Errorf("register collection sweep %q: %w", spec, err)
	}
	return nil
}

func (k *Keeper) Start() {
	k.cron.Start()
	k.log.Info("keeper started")
}

// Stop halts scheduling and waits for a running sweep to finish.
func (k *Keeper) Stop() {
	<-k.cron.Stop().Done()
	k.log.Info("keeper stopped")
}

// RunNow sweeps every due pool once. A failing pool never stops the sweep.
func (k *Keeper) RunNow(ctx context.Context) Sweep {
	due := k.pools.DuePools(k.now())
	s := Sweep{Due: len(due)}
	for _, id := range due {
		if ctx.Err() != nil {
			k.log.WarnContext(ctx, "collection sweep interrupted", "remaining", len(due)-s.Collected-s.Skipped-s.Failed)
			break
		}
		report, err := k.pools.CollectPayments(ctx, id)
		switch {
		case errors.Is(err, domain.ErrNotDue), errors.Is(err, domain.ErrInvalidStatus), errors.Is(err, domain.ErrHalted):
			// state changed between DuePools and the collection
			s.Skipped++
			sweepsTotal.WithLabelValues("skipped").Inc()
			k.log.DebugContext(ctx, "pool skipped", "pool_id", id, "error", err)
		case err != nil:
			s.Failed++
			sweepsTotal.WithLabelValues("failed").Inc()
			k.log.ErrorContext(ctx, "pool collection failed", "pool_id", id, "error", err)
		default:
			s.Collected++
			s.Evicted += len(report.Evicted)
			sweepsTotal.WithLabelValues("collected").Inc()
		}
	}
	if s.Due > 0 {
		k.log.InfoContext(ctx, "collection sweep finished",
			"due", s.Due, "collected", s.Collected, "skipped", s.Skipped, "failed", s.Failed, "evicted", s.Evicted)
	}
	return s
}

// cronLogger routes cron's own logging into slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
