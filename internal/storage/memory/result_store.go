package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/serp-rank-tracker/internal/tracker"
)

// DefaultListLimit caps ListResults when the filter sets no limit.
const DefaultListLimit = 100

// ResultStore keeps search results in insertion order.
type ResultStore struct {
	mu      sync.RWMutex
	results []tracker.SearchResult
}

// NewResultStore constructs an empty ResultStore.
func NewResultStore() *ResultStore {
	return &ResultStore{}
}

// SaveResult appends a result.
func (s *ResultStore) SaveResult(_ context.Context, result tracker.SearchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return nil
}

// ListResults returns matching results, newest first. Keyword matching is
// case-insensitive; a domain filter matches stored domains containing it.
func (s *ResultStore) ListResults(_ context.Context, filter tracker.ResultFilter) ([]tracker.SearchResult, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	domain := tracker.NormalizeDomain(filter.Domain)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tracker.SearchResult, 0, min(limit, len(s.results)))
	for i := len(s.results) - 1; i >= 0 && len(out) < limit; i-- {
		r := s.results[i]
		if filter.Keyword != "" && !strings.EqualFold(r.Keyword, filter.Keyword) {
			continue
		}
		if domain != "" && !strings.Contains(tracker.NormalizeDomain(r.Domain), domain) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// PurgeResultsBefore drops results with a timestamp before cutoff.
func (s *ResultStore) PurgeResultsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.results[:0]
	var purged int64
	for _, r := range s.results {
		if r.Timestamp.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, r)
	}
	clear(s.results[len(kept):])
	s.results = kept
	return purged, nil
}
