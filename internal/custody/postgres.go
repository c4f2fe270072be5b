package custody

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/settleops/internal/domain"
)

// Schema creates the custody tables. Balances never go negative; every movement
// writes entries whose deltas sum to zero.
const Schema = `
CREATE TABLE IF NOT EXISTS custody_balances (
	owner      TEXT        NOT NULL,
	currency   TEXT        NOT NULL,
	balance    BIGINT      NOT NULL DEFAULT 0 CHECK (balance >= 0),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (owner, currency)
);
CREATE TABLE IF NOT EXISTS custody_entries (
	id         BIGSERIAL   PRIMARY KEY,
	movement   UUID        NOT NULL,
	kind       TEXT        NOT NULL,
	owner      TEXT        NOT NULL,
	currency   TEXT        NOT NULL,
	delta      BIGINT      NOT NULL,
	memo       TEXT        NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_custody_entries_owner ON custody_entries (owner, currency);
`

// PostgresLedger keeps custody balances in Postgres. Each movement is one
// transaction that row-locks every touched balance in sorted owner order.
type PostgresLedger struct {
	db *pgxpool.Pool
}

func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// Migrate applies Schema.
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	if _, err := l.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("custody migrate: %w", err)
	}
	return nil
}

type posting struct {
	owner string
	delta int64
	memo  string
}

// move applies postings atomically. need is the amount the first posting's owner
// must hold before the movement; short is returned when it does not.
func (l *PostgresLedger) move(ctx context.Context, kind string, currency domain.Currency, need uint64, short error, postings ...posting) error {
	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	owners := make([]string, 0, len(postings))
	for _, p := range postings {
		owners = append(owners, p.owner)
	}
	ordered := lockOrder(owners...)
	cur := currency.String()

	for _, o := range ordered {
		if _, err := tx.Exec(ctx,
			"INSERT INTO custody_balances (owner, currency) VALUES ($1, $2) ON CONFLICT (owner, currency) DO NOTHING",
			o, cur,
		); err != nil {
			return mapPgError(fmt.Errorf("balance upsert failed: %w", err))
		}
	}

	// Deterministic locking (deadlock prevention)
	balances := make(map[string]int64, len(ordered))
	for _, o := range ordered {
		var b int64
		err := tx.QueryRow(ctx,
			"SELECT balance FROM custody_balances WHERE owner = $1 AND currency = $2 FOR UPDATE",
			o, cur,
		).Scan(&b)
		if err != nil {
			return mapPgError(fmt.Errorf("lock acquisition failed: %w", err))
		}
		balances[o] = b
	}

	if need > 0 && uint64(balances[postings[0].owner]) < need {
		return fmt.Errorf("%w: %s holds %d, needs %d", short, postings[0].owner, balances[postings[0].owner], need)
	}

	movement := uuid.New()
	for _, p := range postings {
		if p.delta > 0 && balances[p.owner] > int64(domain.MaxAmount)-p.delta {
			return fmt.Errorf("%w: balance overflow for %s", domain.ErrInvalidAmount, p.owner)
		}
		balances[p.owner] += p.delta
		if _, err := tx.Exec(ctx,
			"UPDATE custody_balances SET balance = balance + $1, updated_at = now() WHERE owner = $2 AND currency = $3",
			p.delta, p.owner, cur,
		); err != nil {
			return mapPgError(fmt.Errorf("balance update failed: %w", err))
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO custody_entries (movement, kind, owner, currency, delta, memo) VALUES ($1, $2, $3, $4, $5, $6)",
			movement, kind, p.owner, cur, p.delta, p.memo,
		); err != nil {
			return mapPgError(fmt.Errorf("ledger entry failed: %w", err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return mapPgError(fmt.Errorf("tx commit failed: %w", err))
	}
	movementsTotal.WithLabelValues(kind).Inc()
	return nil
}

func (l *PostgresLedger) Deposit(ctx context.Context, account domain.Account, currency domain.Currency, amount uint64) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if account == "" {
		return fmt.Errorf("%w: account required", domain.ErrInvalidInput)
	}
	return l.move(ctx, "deposit", currency, 0, nil, posting{owner: walletOwner(account), delta: int64(amount)})
}

func (l *PostgresLedger) Debit(ctx context.Context, hold Hold, payer domain.Account, currency domain.Currency, amount uint64) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	err := l.move(ctx, "debit", currency, amount, domain.ErrInsufficientFunds,
		posting{owner: walletOwner(payer), delta: -int64(amount)},
		posting{owner: holdOwner(hold), delta: int64(amount)},
	)
	if errors.Is(err, domain.ErrInsufficientFunds) {
		movementsTotal.WithLabelValues("debit_rejected").Inc()
	}
	return err
}

func (l *PostgresLedger) Release(ctx context.Context, hold Hold, currency domain.Currency, legs ...Leg) error {
	legs, total, err := releaseTotal(legs)
	if err != nil {
		return err
	}
	if total == 0 {
		return nil
	}
	postings := []posting{{owner: holdOwner(hold), delta: -int64(total)}}
	for _, leg := range legs {
		postings = append(postings, posting{owner: walletOwner(leg.Payee), delta: int64(leg.Amount), memo: leg.Memo})
	}
	err = l.move(ctx, "release", currency, total, ErrShortfall, postings...)
	if errors.Is(err, ErrShortfall) {
		movementsTotal.WithLabelValues("release_rejected").Inc()
	} else if err == nil {
		releasedAmount.Add(float64(total))
	}
	return err
}

func (l *PostgresLedger) Balance(ctx context.Context, account domain.Account, currency domain.Currency) (uint64, error) {
	return l.read(ctx, walletOwner(account), currency)
}

func (l *PostgresLedger) Held(ctx context.Context, hold Hold, currency domain.Currency) (uint64, error) {
	return l.read(ctx, holdOwner(hold), currency)
}

func (l *PostgresLedger) read(ctx context.Context, owner string, currency domain.Currency) (uint64, error) {
	var b int64
	err := l.db.QueryRow(ctx,
		"SELECT balance FROM custody_balances WHERE owner = $1 AND currency = $2",
		owner, currency.String(),
	).Scan(&b)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("balance query failed: %w", err)
	}
	return uint64(b), nil
}

// mapPgError turns serialization failures and deadlocks into domain.ErrConflict.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %v", domain.ErrConflict, err)
	}
	return err
}
