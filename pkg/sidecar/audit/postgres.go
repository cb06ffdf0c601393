package audit

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// PostgresLedger stores entries in the decision_ledger table.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresLedger, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("audit: dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	return &PostgresLedger{pool: pool}, nil
}

// Close releases the pool.
func (l *PostgresLedger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

// Migrate applies the embedded schema migrations.
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	if l == nil || l.pool == nil {
		return errors.New("audit: ledger is not open")
	}
	migrations, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("audit: migrations: %w", err)
	}
	db := stdlib.OpenDBFromPool(l.pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations)
	if err != nil {
		return fmt.Errorf("audit: migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("audit: migrate up: %w", err)
	}
	return nil
}

// Record validates entry and appends it as one row.
func (l *PostgresLedger) Record(ctx context.Context, entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	const q = `INSERT INTO decision_ledger
		(session_id, kind, outcome, delivered, action, amount, recipient, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, now()))`
	var recordedAt any
	if !entry.RecordedAt.IsZero() {
		recordedAt = entry.RecordedAt
	}
	_, err := l.pool.Exec(ctx, q,
		entry.SessionID, string(entry.Kind), entry.Outcome, entry.Delivered,
		entry.Action, entry.Amount, entry.Recipient, recordedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (l *PostgresLedger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `SELECT session_id, kind, outcome, delivered, action, amount, recipient, recorded_at
		FROM decision_ledger ORDER BY recorded_at DESC, id DESC LIMIT $1`
	rows, err := l.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var kind string
		if err := rows.Scan(&e.SessionID, &kind, &e.Outcome, &e.Delivered, &e.Action, &e.Amount, &e.Recipient, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.Kind = Kind(kind)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: rows: %w", err)
	}
	return out, nil
}
