package journal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists the order journal in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS order_journal (
			id TEXT PRIMARY KEY,
			speciality TEXT NOT NULL,
			staff_id TEXT NOT NULL DEFAULT '',
			customer_session_id TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_order_journal_started ON order_journal (started_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, record Record) error {
	fill(&record)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO order_journal (id, speciality, staff_id, customer_session_id, outcome, detail, started_at, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.ID,
		record.Speciality,
		record.StaffID,
		record.CustomerID,
		string(record.Outcome),
		record.Detail,
		record.StartedAt,
		record.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("append order: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, speciality, staff_id, customer_session_id, outcome, detail, started_at, duration_ms
		 FROM order_journal ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent orders: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0, limit)
	for rows.Next() {
		var (
			r          Record
			outcome    string
			durationMS int64
		)
		if err := rows.Scan(&r.ID, &r.Speciality, &r.StaffID, &r.CustomerID, &outcome, &r.Detail, &r.StartedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		r.Outcome = Outcome(outcome)
		r.Duration = time.Duration(durationMS) * time.Millisecond
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
