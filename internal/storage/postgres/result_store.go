package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/serp-rank-tracker/internal/tracker"
)

const (
	resultColumns = `id, keyword, domain, found, position, url, title, description, country, language,
	device, city, state, postal_code, total_results, searched_result_count, processing_time_ms,
	credential_id_used, metadata, searched_at`
	defaultListLimit = 100
)

// SaveResult inserts a search result row.
func (s *Store) SaveResult(ctx context.Context, r tracker.SearchResult) error {
	if r.ID == "" {
		return fmt.Errorf("result id is required")
	}
	meta := "{}"
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
	query := fmt.Sprintf(`
INSERT INTO %s (%s) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20
)`, s.results, resultColumns)
	if _, err := s.pool.Exec(ctx, query,
		r.ID, r.Keyword, r.Domain, r.Found, position, r.URL, r.Title, r.Description, r.Country, r.Language,
		string(r.Device), r.City, r.State, r.PostalCode, r.TotalResults, r.SearchedResultCount, r.ProcessingTimeMs,
		r.CredentialIDUsed, meta, r.Timestamp,
	); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// ListResults returns matching results, newest first.
func (s *Store) ListResults(ctx context.Context, filter tracker.ResultFilter) ([]tracker.SearchResult, error) {
	var (
		where []string
		args  []any
	)
	if filter.Keyword != "" {
		args = append(args, filter.Keyword)
		where = append(where, fmt.Sprintf("lower(keyword) = lower($%d)", len(args)))
	}
	if filter.Domain != "" {
		args = append(args, tracker.NormalizeDomain(filter.Domain))
		where = append(where, fmt.Sprintf("domain ILIKE '%%' || $%d || '%%'", len(args)))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s FROM %s`, resultColumns, s.results)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY searched_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []tracker.SearchResult
	for rows.Next() {
		var (
			r        tracker.SearchResult
			position int
			device   string
			meta     []byte
		)
		if err := rows.Scan(
			&r.ID, &r.Keyword, &r.Domain, &r.Found, &position, &r.URL, &r.Title, &r.Description, &r.Country,
			&r.Language, &device, &r.City, &r.State, &r.PostalCode, &r.TotalResults, &r.SearchedResultCount,
			&r.ProcessingTimeMs, &r.CredentialIDUsed, &meta, &r.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Device = tracker.Device(device)
		if r.Found {
			r.Position = &position
		}
		if len(meta) > 0 && string(meta) != "{}" {
			var m tracker.SearchMetadata
			if err := json.Unmarshal(meta, &m); err != nil {
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
	query := fmt.Sprintf(`DELETE FROM %s WHERE searched_at < $1`, s.results)
	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge results: %w", err)
	}
	return tag.RowsAffected(), nil
}
