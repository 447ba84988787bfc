package memory

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"slices"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStoreConfig configures the SQLite memory store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string

	// MaxPerCustomer keeps at most this many records per conversation
	// (0 = unbounded).
	MaxPerCustomer int
}

// SQLiteStore persists conversation records to a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	cfg SQLiteStoreConfig
}

// NewSQLiteStore opens (or creates) a SQLite memory store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("memory sqlite: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("memory sqlite: set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("memory sqlite: create schema: %w", err)
	}

	return &SQLiteStore{db: db, cfg: cfg}, nil
}

// Append stores records in a single transaction.
func (s *SQLiteStore) Append(ctx context.Context, records ...Record) error {
	if err := validateAll(records); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memory sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	touched := make(map[conversationKey]struct{})
	for _, r := range records {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memory_records (tenant_id, customer_id, turn_id, role, content, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			r.TenantID, r.CustomerID, r.TurnID, r.Role, r.Content, r.CreatedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("memory sqlite: append: %w", err)
		}
		touched[conversationKey{r.TenantID, r.CustomerID}] = struct{}{}
	}

	if s.cfg.MaxPerCustomer > 0 {
		for k := range touched {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM memory_records WHERE tenant_id = ? AND customer_id = ? AND id NOT IN (
					SELECT id FROM memory_records WHERE tenant_id = ? AND customer_id = ? ORDER BY id DESC LIMIT ?
				)`, k.tenant, k.customer, k.tenant, k.customer, s.cfg.MaxPerCustomer,
			); err != nil {
				return fmt.Errorf("memory sqlite: trim %s/%s: %w", k.tenant, k.customer, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("memory sqlite: commit: %w", err)
	}
	return nil
}

// Recent returns the newest records of a conversation, oldest first.
func (s *SQLiteStore) Recent(ctx context.Context, tenantID, customerID string, limit int) ([]Record, error) {
	query := `SELECT tenant_id, customer_id, turn_id, role, content, created_at
	           FROM memory_records WHERE tenant_id = ? AND customer_id = ? ORDER BY id DESC`
	args := []any{tenantID, customerID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("memory sqlite: recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r     Record
			nanos int64
		)
		if err := rows.Scan(&r.TenantID, &r.CustomerID, &r.TurnID, &r.Role, &r.Content, &nanos); err != nil {
			return nil, fmt.Errorf("memory sqlite: scan record: %w", err)
		}
		r.CreatedAt = time.Unix(0, nanos)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory sqlite: rows: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

// Prune deletes records created before cutoff.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_records WHERE created_at < ?`, cutoff.UnixNano(),
	); err != nil {
		return fmt.Errorf("memory sqlite: prune: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)
