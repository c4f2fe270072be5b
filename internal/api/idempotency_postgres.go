package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const IdempotencySchema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	key             TEXT        PRIMARY KEY,
	request_hash    TEXT        NOT NULL,
	status          TEXT        NOT NULL,
	response_status INT,
	response_body   BYTEA,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresIdempotency shares keys across API replicas.
type PostgresIdempotency struct {
	db *pgxpool.Pool
}

func NewPostgresIdempotency(db *pgxpool.Pool) *PostgresIdempotency {
	return &PostgresIdempotency{db: db}
}

func (s *PostgresIdempotency) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, IdempotencySchema); err != nil {
		return fmt.Errorf("idempotency migrate: %w", err)
	}
	return nil
}

func (s *PostgresIdempotency) Reserve(ctx context.Context, key, hash string) (*IdempotencyRecord, error) {
	var (
		storedHash   string
		storedStatus string
		respStatus   *int
		respBody     []byte
	)
	err := s.db.QueryRow(ctx,
		"SELECT request_hash, status, response_status, response_body FROM idempotency_keys WHERE key = $1",
		key,
	).Scan(&storedHash, &storedStatus, &respStatus, &respBody)

	if err == nil {
		if storedHash != hash {
			return nil, ErrIdempotencyMismatch
		}
		if storedStatus != "completed" || respStatus == nil {
			return nil, ErrIdempotencyConflict
		}
		return &IdempotencyRecord{
			Key:            key,
			RequestHash:    storedHash,
			Completed:      true,
			ResponseStatus: *respStatus,
			ResponseBody:   respBody,
		}, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}

	_, err = s.db.Exec(ctx,
		"INSERT INTO idempotency_keys (key, request_hash, status) VALUES ($1, $2, 'in_progress')",
		key, hash,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrIdempotencyConflict
		}
		return nil, fmt.Errorf("key reservation failed: %w", err)
	}
	return nil, nil
}

func (s *PostgresIdempotency) Complete(ctx context.Context, key string, status int, body []byte) error {
	_, err := s.db.Exec(ctx,
		"UPDATE idempotency_keys SET status = 'completed', response_status = $2, response_body = $3 WHERE key = $1",
		key, status, body,
	)
	if err != nil {
		return fmt.Errorf("idempotency finalize failed: %w", err)
	}
	return nil
}

func (s *PostgresIdempotency) Release(ctx context.Context, key string) error {
	_, err := s.db.Exec(ctx, "DELETE FROM idempotency_keys WHERE key = $1 AND status = 'in_progress'", key)
	if err != nil {
		return fmt.Errorf("idempotency release failed: %w", err)
	}
	return nil
}
