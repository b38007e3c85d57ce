// Package postgres provides Postgres-backed credential and result stores.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Default table names.
const (
	DefaultCredentialTable = "serp_credentials"
	DefaultResultTable     = "serp_results"
)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	CredentialTable string
	ResultTable     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	AutoMigrate     bool
}

type database interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Store persists credentials and search results in Postgres. It implements
// both tracker.CredentialStore and tracker.ResultStore.
type Store struct {
	pool        database
	credentials string
	results     string
}

// Open connects to Postgres using cfg and optionally creates the tables.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pool, cfg.CredentialTable, cfg.ResultTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool database, credentialTable, resultTable string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if credentialTable == "" {
		credentialTable = DefaultCredentialTable
	}
	if resultTable == "" {
		resultTable = DefaultResultTable
	}
	for _, t := range []string{credentialTable, resultTable} {
		if !validTableName.MatchString(t) {
			return nil, fmt.Errorf("invalid table name %q", t)
		}
	}
	return &Store{pool: pool, credentials: credentialTable, results: resultTable}, nil
}

// EnsureSchema creates the tables and indexes when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id               TEXT PRIMARY KEY,
	secret           TEXT NOT NULL,
	source           TEXT NOT NULL,
	daily_limit      INTEGER NOT NULL,
	monthly_limit    INTEGER NOT NULL,
	used_today       INTEGER NOT NULL DEFAULT 0,
	used_this_month  INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	priority         INTEGER NOT NULL,
	last_used        TIMESTAMPTZ NOT NULL,
	error_count      INTEGER NOT NULL DEFAULT 0,
	success_rate     DOUBLE PRECISION NOT NULL DEFAULT 100,
	monthly_reset_at TIMESTAMPTZ NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
)`, s.credentials),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
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
	total_results         BIGINT NOT NULL DEFAULT 0,
	searched_result_count INTEGER NOT NULL DEFAULT 0,
	processing_time_ms    BIGINT NOT NULL DEFAULT 0,
	credential_id_used    TEXT NOT NULL,
	metadata              JSONB NOT NULL DEFAULT '{}',
	searched_at           TIMESTAMPTZ NOT NULL
)`, s.results),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_keyword_idx ON %[1]s (lower(keyword), searched_at DESC)`, s.results),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_searched_at_idx ON %[1]s (searched_at)`, s.results),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
