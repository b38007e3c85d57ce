package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/serp-rank-tracker/internal/tracker"
)

const credentialColumns = `id, secret, source, daily_limit, monthly_limit, used_today, used_this_month,
	status, priority, last_used, error_count, success_rate, monthly_reset_at, created_at, updated_at`

// LoadCredentials returns every stored credential ordered by priority.
func (s *Store) LoadCredentials(ctx context.Context) ([]tracker.Credential, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY priority, id`, credentialColumns, s.credentials)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var out []tracker.Credential
	for rows.Next() {
		var (
			c              tracker.Credential
			source, status string
		)
		if err := rows.Scan(
			&c.ID, &c.Secret, &source, &c.DailyLimit, &c.MonthlyLimit, &c.UsedToday, &c.UsedThisMonth,
			&status, &c.Priority, &c.LastUsed, &c.ErrorCount, &c.SuccessRate, &c.MonthlyResetAt,
			&c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		c.Source = tracker.CredentialSource(source)
		c.Status = tracker.CredentialStatus(status)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return out, nil
}

// UpsertCredentials writes the batch in one transaction; the last write
// for an id wins.
func (s *Store) UpsertCredentials(ctx context.Context, creds []tracker.Credential) error {
	if len(creds) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (%s) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (id) DO UPDATE SET
	secret = EXCLUDED.secret,
	source = EXCLUDED.source,
	daily_limit = EXCLUDED.daily_limit,
	monthly_limit = EXCLUDED.monthly_limit,
	used_today = EXCLUDED.used_today,
	used_this_month = EXCLUDED.used_this_month,
	status = EXCLUDED.status,
	priority = EXCLUDED.priority,
	last_used = EXCLUDED.last_used,
	error_count = EXCLUDED.error_count,
	success_rate = EXCLUDED.success_rate,
	monthly_reset_at = EXCLUDED.monthly_reset_at,
	updated_at = EXCLUDED.updated_at`, s.credentials, credentialColumns)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin credential upsert: %w", err)
	}
	for _, c := range creds {
		if _, err := tx.Exec(ctx, query,
			c.ID, c.Secret, string(c.Source), c.DailyLimit, c.MonthlyLimit, c.UsedToday, c.UsedThisMonth,
			string(c.Status), c.Priority, c.LastUsed, c.ErrorCount, c.SuccessRate, c.MonthlyResetAt,
			c.CreatedAt, c.UpdatedAt,
		); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("upsert credential %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit credential upsert: %w", err)
	}
	return nil
}

// DeleteCredentials removes records by id.
func (s *Store) DeleteCredentials(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, s.credentials)
	if _, err := s.pool.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}
