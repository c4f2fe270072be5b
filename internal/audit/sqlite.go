package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/punchamoorthee/settleops/internal/domain"
)

// SQLiteRecorder appends audit events to a local SQLite database.
type SQLiteRecorder struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteRecorder opens (or creates) the database at path and migrates it.
func NewSQLiteRecorder(path string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL lets the reporting mirror read while the engine writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("sqlite audit recorder opened", "path", path)
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			id         TEXT PRIMARY KEY,
			timestamp  INTEGER NOT NULL,
			type       TEXT NOT NULL,
			entity     TEXT NOT NULL,
			entity_id  INTEGER NOT NULL,
			operation  TEXT NOT NULL,
			actor      TEXT,
			amounts    TEXT,
			currency   TEXT,
			status     TEXT,
			reason     TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_events(entity, entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(timestamp)`,
	}
	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

func (r *SQLiteRecorder) Record(ctx context.Context, evt domain.Event) error {
	amounts, err := json.Marshal(evt.Amounts)
	if err != nil {
		return fmt.Errorf("encode amounts: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.db.ExecContext(ctx, `INSERT INTO audit_events
		(id, timestamp, type, entity, entity_id, operation, actor, amounts, currency, status, reason)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		evt.ID, evt.Timestamp.UnixNano(), string(evt.Type), string(evt.Entity), int64(evt.EntityID),
		evt.Operation, string(evt.Actor), string(amounts), evt.Currency, evt.Status, evt.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// History returns the events of one entity in timestamp order.
func (r *SQLiteRecorder) History(ctx context.Context, entity domain.EntityKind, id uint64) ([]domain.Event, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, timestamp, type, operation, actor, amounts, currency, status, reason
		FROM audit_events WHERE entity = ? AND entity_id = ? ORDER BY timestamp, rowid`, string(entity), int64(id))
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var (
			evt     = domain.Event{Entity: entity, EntityID: id}
			ts      int64
			typ     string
			actor   string
			amounts string
		)
		if err := rows.Scan(&evt.ID, &ts, &typ, &evt.Operation, &actor, &amounts, &evt.Currency, &evt.Status, &evt.Reason); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		evt.Type = domain.EventType(typ)
		evt.Actor = domain.Account(actor)
		evt.Timestamp = time.Unix(0, ts).UTC()
		if amounts != "" && amounts != "null" {
			if err := json.Unmarshal([]byte(amounts), &evt.Amounts); err != nil {
				return nil, fmt.Errorf("decode amounts: %w", err)
			}
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}
