package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"catalog-migrator/internal/models"
)

// Store wraps pgxpool for progress persistence: append-only logs and results.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks database connectivity for /healthz.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// AppendLog inserts a log line and returns it with its id and timestamp.
func (s *Store) AppendLog(ctx context.Context, e models.LogEntry) (models.LogEntry, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.CreatedAt = e.CreatedAt.Truncate(time.Microsecond)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO import_logs (request_id, user_id, level, message, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, e.RequestID, e.UserID, e.Level, e.Message, e.CreatedAt).Scan(&e.ID)
	if err != nil {
		return e, fmt.Errorf("insert log: %w", err)
	}
	return e, nil
}

// LogsAfter returns up to limit entries ordered by (created_at, id) strictly after cursor.
func (s *Store) LogsAfter(ctx context.Context, userID, requestID string, cursor models.LogCursor, limit int) ([]models.LogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, request_id, user_id, level, message, created_at
		FROM import_logs
		WHERE user_id = $1 AND request_id = $2 AND (created_at, id) > ($3::timestamptz, $4::bigint)
		ORDER BY created_at, id
		LIMIT $5
	`, userID, requestID, cursor.CreatedAt, cursor.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	return collectLogs(rows)
}

// RecentLogs returns the newest limit entries in ascending order.
func (s *Store) RecentLogs(ctx context.Context, userID, requestID string, limit int) ([]models.LogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, request_id, user_id, level, message, created_at FROM (
			SELECT id, request_id, user_id, level, message, created_at
			FROM import_logs
			WHERE user_id = $1 AND request_id = $2
			ORDER BY created_at DESC, id DESC
			LIMIT $3
		) recent
		ORDER BY created_at, id
	`, userID, requestID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent logs: %w", err)
	}
	return collectLogs(rows)
}

func collectLogs(rows pgx.Rows) ([]models.LogEntry, error) {
	defer rows.Close()
	var out []models.LogEntry
	for rows.Next() {
		var e models.LogEntry
		if err := rows.Scan(&e.ID, &e.RequestID, &e.UserID, &e.Level, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logs: %w", err)
	}
	return out, nil
}

// AppendResult inserts a per-item outcome. Results are never updated.
func (s *Store) AppendResult(ctx context.Context, r models.ImportResult) (models.ImportResult, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.CreatedAt = r.CreatedAt.Truncate(time.Microsecond)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO import_results (request_id, user_id, status, item_key, name, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, r.RequestID, r.UserID, r.Status, r.ItemKey, r.Name, r.Message, r.CreatedAt).Scan(&r.ID)
	if err != nil {
		return r, fmt.Errorf("insert result: %w", err)
	}
	return r, nil
}

// ListResults pages a user's results newest first. requestID narrows to one import when set.
func (s *Store) ListResults(ctx context.Context, userID, requestID string, page, pageSize int) (models.ResultPage, error) {
	out := models.ResultPage{Page: page, PageSize: pageSize}
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM import_results
		WHERE user_id = $1 AND ($2::text = '' OR request_id = $2)
	`, userID, requestID).Scan(&out.Total); err != nil {
		return out, fmt.Errorf("count results: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, request_id, user_id, status, item_key, name, message, created_at
		FROM import_results
		WHERE user_id = $1 AND ($2::text = '' OR request_id = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, userID, requestID, pageSize, (page-1)*pageSize)
	if err != nil {
		return out, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r models.ImportResult
		if err := rows.Scan(&r.ID, &r.RequestID, &r.UserID, &r.Status, &r.ItemKey, &r.Name, &r.Message, &r.CreatedAt); err != nil {
			return out, fmt.Errorf("scan result: %w", err)
		}
		out.Results = append(out.Results, r)
	}
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}

// ResultCounts aggregates one request's results by status.
func (s *Store) ResultCounts(ctx context.Context, userID, requestID string) (models.ResultCounts, error) {
	var counts models.ResultCounts
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM import_results
		WHERE user_id = $1 AND request_id = $2
		GROUP BY status
	`, userID, requestID)
	if err != nil {
		return counts, fmt.Errorf("count results: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, fmt.Errorf("scan count: %w", err)
		}
		counts.AddN(status, n)
	}
	if err := rows.Err(); err != nil {
		return counts, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}
