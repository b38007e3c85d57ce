package tracker

import (
	"context"
	"time"
)

// CredentialStore is the durable mirror of credential records.
type CredentialStore interface {
	LoadCredentials(ctx context.Context) ([]Credential, error)
	UpsertCredentials(ctx context.Context, creds []Credential) error
	DeleteCredentials(ctx context.Context, ids []string) error
}

// ResultStore persists tracked search results.
type ResultStore interface {
	SaveResult(ctx context.Context, result SearchResult) error
	ListResults(ctx context.Context, filter ResultFilter) ([]SearchResult, error)
	PurgeResultsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SearchProvider issues one query against the search results API.
type SearchProvider interface {
	Search(ctx context.Context, secret, keyword string, opts SearchOptions) (SearchPage, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes digests used to fingerprint secrets.
type Hasher interface {
	Hash(data []byte) (string, error)
}
