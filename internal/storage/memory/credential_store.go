// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/serp-rank-tracker/internal/tracker"
)

// CredentialStore keeps credential records in a map keyed by id.
type CredentialStore struct {
	mu    sync.RWMutex
	creds map[string]tracker.Credential
}

// NewCredentialStore constructs an empty CredentialStore.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{creds: make(map[string]tracker.Credential)}
}

// LoadCredentials returns every record ordered by priority, then id.
func (s *CredentialStore) LoadCredentials(_ context.Context) ([]tracker.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tracker.Credential, 0, len(s.creds))
	for _, c := range s.creds {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpsertCredentials replaces records by id.
func (s *CredentialStore) UpsertCredentials(_ context.Context, creds []tracker.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range creds {
		s.creds[c.ID] = c
	}
	return nil
}

// DeleteCredentials removes records; unknown ids are ignored.
func (s *CredentialStore) DeleteCredentials(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.creds, id)
	}
	return nil
}
