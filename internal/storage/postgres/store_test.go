package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/serp-rank-tracker/internal/tracker"
)

var now = time.Unix(1700000000, 0).UTC()

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, "", "")
	require.NoError(t, err)
	return store, mock
}

func TestNewWithPoolValidatesTables(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "creds; DROP TABLE x", "")
	require.Error(t, err)
	_, err = NewWithPool(nil, "", "")
	require.Error(t, err)
}

func TestOpenRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{})
	require.Error(t, err)
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS serp_credentials").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS serp_results").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS serp_results_keyword_idx").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS serp_results_searched_at_idx").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCredentialsInTransaction(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	cred := tracker.Credential{
		ID: "serpapi_1", Secret: "secret", Source: tracker.SourceConfig, DailyLimit: 10, MonthlyLimit: 100,
		UsedToday: 2, UsedThisMonth: 20, Status: tracker.StatusActive, Priority: 1, LastUsed: now,
		SuccessRate: 97.5, MonthlyResetAt: now, CreatedAt: now, UpdatedAt: now,
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO serp_credentials").
		WithArgs(
			cred.ID, cred.Secret, "config", 10, 100, 2, 20,
			"active", 1, now, 0, 97.5, now, now, now,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.UpsertCredentials(context.Background(), []tracker.Credential{cred}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCredentialsRollsBack(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO serp_credentials").WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	err := store.UpsertCredentials(context.Background(), []tracker.Credential{{ID: "serpapi_1"}})
	require.ErrorContains(t, err, "serpapi_1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadCredentials(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rows := mock.NewRows([]string{
		"id", "secret", "source", "daily_limit", "monthly_limit", "used_today", "used_this_month",
		"status", "priority", "last_used", "error_count", "success_rate", "monthly_reset_at",
		"created_at", "updated_at",
	}).AddRow("key_1", "s", "runtime", 5, 50, 5, 9, "exhausted", 3, now, 1, 90.0, now, now, now)
	mock.ExpectQuery("SELECT .* FROM serp_credentials ORDER BY priority").WillReturnRows(rows)

	creds, err := store.LoadCredentials(context.Background())
	require.NoError(t, err)
	require.Len(t, creds, 1)
	require.Equal(t, tracker.SourceRuntime, creds[0].Source)
	require.Equal(t, tracker.StatusExhausted, creds[0].Status)
	require.Equal(t, 9, creds[0].UsedThisMonth)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteCredentials(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM serp_credentials WHERE id = ANY").
		WithArgs([]string{"a", "b"}).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	require.NoError(t, store.DeleteCredentials(context.Background(), []string{"a", "b"}))
	require.NoError(t, store.DeleteCredentials(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveAndListResults(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	pos := 3
	res := tracker.SearchResult{
		ID: "r1", Keyword: "shoes", Domain: "example.com", Found: true, Position: &pos,
		URL: "https://example.com/a", Country: "us", Language: "en", Device: tracker.DeviceDesktop,
		TotalResults: 1000, SearchedResultCount: 100, ProcessingTimeMs: 12, CredentialIDUsed: "serpapi_1",
		Metadata: &tracker.SearchMetadata{SearchID: "abc"}, Timestamp: now,
	}
	mock.ExpectExec("INSERT INTO serp_results").
		WithArgs(
			"r1", "shoes", "example.com", true, 3, "https://example.com/a", "", "", "us", "en",
			"desktop", "", "", "", int64(1000), 100, int64(12), "serpapi_1", `{"search_id":"abc"}`, now,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.SaveResult(context.Background(), res))

	rows := mock.NewRows([]string{
		"id", "keyword", "domain", "found", "position", "url", "title", "description", "country", "language",
		"device", "city", "state", "postal_code", "total_results", "searched_result_count", "processing_time_ms",
		"credential_id_used", "metadata", "searched_at",
	}).
		AddRow("r1", "shoes", "example.com", true, 3, "https://example.com/a", "", "", "us", "en",
			"desktop", "", "", "", int64(1000), 100, int64(12), "serpapi_1", []byte(`{"search_id":"abc"}`), now).
		AddRow("r0", "shoes", "example.com", false, 0, "", "", "", "us", "en",
			"mobile", "", "", "", int64(10), 100, int64(9), "user_supplied", []byte(`{}`), now.Add(-time.Hour))
	mock.ExpectQuery(`SELECT .* FROM serp_results WHERE lower\(keyword\) = lower\(\$1\) AND domain ILIKE .* LIMIT \$3`).
		WithArgs("Shoes", "example.com", 100).
		WillReturnRows(rows)

	got, err := store.ListResults(context.Background(), tracker.ResultFilter{Keyword: "Shoes", Domain: "www.example.com"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.NotNil(t, got[0].Position)
	require.Equal(t, 3, *got[0].Position)
	require.Equal(t, "abc", got[0].Metadata.SearchID)
	require.Nil(t, got[1].Position)
	require.Nil(t, got[1].Metadata)
	require.Equal(t, tracker.DeviceMobile, got[1].Device)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeResultsBefore(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM serp_results WHERE searched_at <").
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	n, err := store.PurgeResultsBefore(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, int64(7), n)
	require.NoError(t, mock.ExpectationsWereMet())
}
