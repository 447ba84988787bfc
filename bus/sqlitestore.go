package bus

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/petal-labs/turnflow/core"
	"github.com/petal-labs/turnflow/runtime"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStoreConfig configures the SQLite event store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string

	// RetentionAge deletes events older than this duration (0 = no age pruning).
	RetentionAge time.Duration

	// RetentionCount keeps at most this many events per turn (0 = no count pruning).
	RetentionCount int

	// Now provides the current time for age pruning (default time.Now).
	Now func() time.Time
}

// SQLiteEventStore persists events to a SQLite database in WAL mode.
// Pruning is on demand; the serve command schedules it.
type SQLiteEventStore struct {
	db  *sql.DB
	cfg SQLiteStoreConfig
}

// NewSQLiteEventStore opens (or creates) a SQLite event store.
func NewSQLiteEventStore(cfg SQLiteStoreConfig) (*SQLiteEventStore, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}

	// Enable WAL mode for concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}

	return &SQLiteEventStore{db: db, cfg: cfg}, nil
}

// Append stores an event in the database.
func (s *SQLiteEventStore) Append(ctx context.Context, event runtime.Event) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (turn_id, tenant_id, seq, kind, stage, time, elapsed, payload, trace_id, span_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.TurnID,
		event.TenantID,
		event.Seq,
		string(event.Kind),
		string(event.Stage),
		event.Time.UnixNano(),
		int64(event.Elapsed),
		string(payloadJSON),
		event.TraceID,
		event.SpanID,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: append: %w", err)
	}
	return nil
}

// List returns events for a turn, optionally filtered by afterSeq and limit.
func (s *SQLiteEventStore) List(ctx context.Context, turnID string, afterSeq uint64, limit int) ([]runtime.Event, error) {
	query := `SELECT turn_id, tenant_id, seq, kind, stage, time, elapsed, payload, trace_id, span_id
	           FROM events WHERE turn_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{turnID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LatestSeq returns the highest Seq for a turn (0 if no events).
func (s *SQLiteEventStore) LatestSeq(ctx context.Context, turnID string) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM events WHERE turn_id = ?`, turnID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: latest seq: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil // #nosec G115 -- seq is always non-negative
}

// Turns returns a tenant's turn IDs, most recent first. limit <= 0 returns all.
func (s *SQLiteEventStore) Turns(ctx context.Context, tenantID string, limit int) ([]string, error) {
	query := `SELECT turn_id FROM events WHERE tenant_id = ?
	           GROUP BY turn_id ORDER BY MAX(time) DESC, turn_id`
	args := []any{tenantID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: turns: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan turn id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteEventStore) Close() error {
	return s.db.Close()
}

// Prune runs a single retention pass.
func (s *SQLiteEventStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge > 0 {
		cutoff := s.cfg.Now().Add(-s.cfg.RetentionAge).UnixNano()
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM events WHERE time < ?`, cutoff,
		); err != nil {
			return fmt.Errorf("sqlitestore: prune by age: %w", err)
		}
	}

	if s.cfg.RetentionCount > 0 {
		// Keep the newest RetentionCount events of every turn.
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM events WHERE id IN (
				SELECT id FROM (
					SELECT id, ROW_NUMBER() OVER (PARTITION BY turn_id ORDER BY seq DESC) AS rn FROM events
				) WHERE rn > ?
			)`, s.cfg.RetentionCount,
		); err != nil {
			return fmt.Errorf("sqlitestore: prune by count: %w", err)
		}
	}

	return nil
}

func scanEvents(rows *sql.Rows) ([]runtime.Event, error) {
	var events []runtime.Event
	for rows.Next() {
		var (
			e           runtime.Event
			kind        string
			stage       string
			timeNano    int64
			elapsedNano int64
			payloadJSON string
		)
		err := rows.Scan(
			&e.TurnID,
			&e.TenantID,
			&e.Seq,
			&kind,
			&stage,
			&timeNano,
			&elapsedNano,
			&payloadJSON,
			&e.TraceID,
			&e.SpanID,
		)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan event: %w", err)
		}

		e.Kind = runtime.EventKind(kind)
		e.Stage = core.StageName(stage)
		e.Time = time.Unix(0, timeNano)
		e.Elapsed = time.Duration(elapsedNano)

		e.Payload = map[string]any{}
		if payloadJSON != "" && payloadJSON != "{}" {
			if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
				return nil, fmt.Errorf("sqlitestore: unmarshal payload: %w", err)
			}
		}

		events = append(events, e)
	}
	return events, rows.Err()
}

// Compile-time interface check.
var _ EventStore = (*SQLiteEventStore)(nil)
