// Package sqlite provides cgo-free SQLite credential and result stores for
// single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/serp-rank-tracker/internal/tracker"
)

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	id               TEXT PRIMARY KEY,
	secret           TEXT NOT NULL,
	source           TEXT NOT NULL,
	daily_limit      INTEGER NOT NULL,
	monthly_limit    INTEGER NOT NULL,
	used_today       INTEGER NOT NULL DEFAULT 0,
	used_this_month  INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	priority         INTEGER NOT NULL,
	last_used        INTEGER NOT NULL DEFAULT 0,
	error_count      INTEGER NOT NULL DEFAULT 0,
	success_rate     REAL NOT NULL DEFAULT 100,
	monthly_reset_at INTEGER NOT NULL,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS results (
	id                    TEXT PRIMARY KEY,
	keyword               TEXT NOT NULL,
	domain                TEXT NOT NULL,
	found                 BOOLEAN NOT NULL,
	position              INTEGER NOT NULL DEFAULT 0,
	url                   TEXT NOT NULL DEFAULT '',
	title                 TEXT NOT NULL DEFAULT '',
	description           TEXT NOT NULL DEFAULT '',
	country               TEXT NOT NULL,
	language              TEXT NOT NULL,
	device                TEXT NOT NULL,
	city                  TEXT NOT NULL DEFAULT '',
	state                 TEXT NOT NULL DEFAULT '',
	postal_code           TEXT NOT NULL DEFAULT '',
	total_results         INTEGER NOT NULL DEFAULT 0,
	searched_result_count INTEGER NOT NULL DEFAULT 0,
	processing_time_ms    INTEGER NOT NULL DEFAULT 0,
	credential_id_used    TEXT NOT NULL,
	metadata              TEXT NOT NULL DEFAULT '',
	searched_at           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS results_searched_at_idx ON results (searched_at);
`

const defaultListLimit = 100

// Store persists credentials and results in one SQLite database. Times are
// stored as Unix milliseconds.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite.path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serialises writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// LoadCredentials returns every stored credential ordered by priority.
func (s *Store) LoadCredentials(ctx context.Context) ([]tracker.Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, secret, source, daily_limit, monthly_limit, used_today, used_this_month, status, priority,
	last_used, error_count, success_rate, monthly_reset_at, created_at, updated_at
FROM credentials ORDER BY priority, id`)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var out []tracker.Credential
	for rows.Next() {
		var (
			c                                      tracker.Credential
			source, status                         string
			lastUsed, resetAt, createdAt, updateAt int64
		)
		if err := rows.Scan(
			&c.ID, &c.Secret, &source, &c.DailyLimit, &c.MonthlyLimit, &c.UsedToday, &c.UsedThisMonth,
			&status, &c.Priority, &lastUsed, &c.ErrorCount, &c.SuccessRate, &resetAt, &createdAt, &updateAt,
		); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		c.Source = tracker.CredentialSource(source)
		c.Status = tracker.CredentialStatus(status)
		c.LastUsed = fromMillis(lastUsed)
		c.MonthlyResetAt = fromMillis(resetAt)
		c.CreatedAt = fromMillis(createdAt)
		c.UpdatedAt = fromMillis(updateAt)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return out, nil
}

// UpsertCredentials writes the batch in one transaction.
func (s *Store) UpsertCredentials(ctx context.Context, creds []tracker.Credential) error {
	if len(creds) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin credential upsert: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO credentials (id, secret, source, daily_limit, monthly_limit, used_today, used_this_month,
	status, priority, last_used, error_count, success_rate, monthly_reset_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	secret = excluded.secret,
	source = excluded.source,
	daily_limit = excluded.daily_limit,
	monthly_limit = excluded.monthly_limit,
	used_today = excluded.used_today,
	used_this_month = excluded.used_this_month,
	status = excluded.status,
	priority = excluded.priority,
	last_used = excluded.last_used,
	error_count = excluded.error_count,
	success_rate = excluded.success_rate,
	monthly_reset_at = excluded.monthly_reset_at,
	updated_at = excluded.updated_at`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare credential upsert: %w", err)
	}
	defer stmt.Close()
	for _, c := range creds {
		if _, err := stmt.ExecContext(ctx,
			c.ID, c.Secret, string(c.Source), c.DailyLimit, c.MonthlyLimit, c.UsedToday, c.UsedThisMonth,
			string(c.Status), c.Priority, toMillis(c.LastUsed), c.ErrorCount, c.SuccessRate,
			toMillis(c.MonthlyResetAt), toMillis(c.CreatedAt), toMillis(c.UpdatedAt),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert credential %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit credential upsert: %w", err)
	}
	return nil
}

// DeleteCredentials removes records by id.
func (s *Store) DeleteCredentials(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := fmt.Sprintf(`DELETE FROM credentials WHERE id IN (%s)`, placeholders)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}

// SaveResult inserts a search result row.
func (s *Store) SaveResult(ctx context.Context, r tracker.SearchResult) error {
	if r.ID == "" {
		return fmt.Errorf("result id is required")
	}
	meta := ""
	if r.Metadata != nil {
		raw, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("marshal result metadata: %w", err)
		}
		meta = string(raw)
	}
	position := 0
	if r.Position != nil {
		position = *r.Position
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO results (id, keyword, domain, found, position, url, title, description, country, language,
	device, city, state, postal_code, total_results, searched_result_count, processing_time_ms,
	credential_id_used, metadata, searched_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Keyword, r.Domain, r.Found, position, r.URL, r.Title, r.Description, r.Country, r.Language,
		string(r.Device), r.City, r.State, r.PostalCode, r.TotalResults, r.SearchedResultCount,
		r.ProcessingTimeMs, r.CredentialIDUsed, meta, toMillis(r.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// ListResults returns matching results, newest first.
func (s *Store) ListResults(ctx context.Context, filter tracker.ResultFilter) ([]tracker.SearchResult, error) {
	query := `
SELECT id, keyword, domain, found, position, url, title, description, country, language, device, city,
	state, postal_code, total_results, searched_result_count, processing_time_ms, credential_id_used,
	metadata, searched_at
FROM results WHERE 1=1`
	var args []any
	if filter.Keyword != "" {
		query += ` AND keyword = ? COLLATE NOCASE`
		args = append(args, filter.Keyword)
	}
	if domain := tracker.NormalizeDomain(filter.Domain); domain != "" {
		query += ` AND domain LIKE '%' || ? || '%'`
		args = append(args, domain)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` ORDER BY searched_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []tracker.SearchResult
	for rows.Next() {
		var (
			r          tracker.SearchResult
			position   int
			device     string
			meta       string
			searchedAt int64
		)
		if err := rows.Scan(
			&r.ID, &r.Keyword, &r.Domain, &r.Found, &position, &r.URL, &r.Title, &r.Description, &r.Country,
			&r.Language, &device, &r.City, &r.State, &r.PostalCode, &r.TotalResults, &r.SearchedResultCount,
			&r.ProcessingTimeMs, &r.CredentialIDUsed, &meta, &searchedAt,
		); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Device = tracker.Device(device)
		r.Timestamp = fromMillis(searchedAt)
		if r.Found {
			r.Position = &position
		}
		if meta != "" {
			var m tracker.SearchMetadata
			if err := json.Unmarshal([]byte(meta), &m); err != nil {
				return nil, fmt.Errorf("decode result metadata: %w", err)
			}
			r.Metadata = &m
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}

// PurgeResultsBefore deletes results searched before cutoff.
func (s *Store) PurgeResultsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE searched_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge results: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge results: %w", err)
	}
	return n, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
