package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/serp-rank-tracker/internal/tracker"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type searchFunc func(ctx context.Context, secret, keyword string, opts tracker.SearchOptions) (tracker.SearchPage, error)

type fakeProvider struct {
	mu       sync.Mutex
	fn       searchFunc
	calls    []string
	inFlight map[string]int
	maxSeen  map[string]int
}

func newFakeProvider(fn searchFunc) *fakeProvider {
	if fn == nil {
		fn = func(context.Context, string, string, tracker.SearchOptions) (tracker.SearchPage, error) {
			return pageWith("https://www.example.com/page?x=1"), nil
		}
	}
	return &fakeProvider{fn: fn, inFlight: map[string]int{}, maxSeen: map[string]int{}}
}

func (p *fakeProvider) Search(
	ctx context.Context,
	secret, keyword string,
	opts tracker.SearchOptions,
) (tracker.SearchPage, error) {
	p.mu.Lock()
	p.calls = append(p.calls, secret)
	p.inFlight[secret]++
	p.maxSeen[secret] = max(p.maxSeen[secret], p.inFlight[secret])
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.inFlight[secret]--
		p.mu.Unlock()
	}()
	return p.fn(ctx, secret, keyword, opts)
}

func (p *fakeProvider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakeProvider) MaxConcurrent(secret string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxSeen[secret]
}

type fakeCredentialStore struct {
	mu      sync.Mutex
	creds   []tracker.Credential
	loadErr error
}

func (s *fakeCredentialStore) LoadCredentials(context.Context) ([]tracker.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return append([]tracker.Credential(nil), s.creds...), nil
}

func (s *fakeCredentialStore) UpsertCredentials(context.Context, []tracker.Credential) error {
	return nil
}

func (s *fakeCredentialStore) DeleteCredentials(context.Context, []string) error {
	return nil
}

type fakeResultStore struct {
	mu      sync.Mutex
	results []tracker.SearchResult
}

func (s *fakeResultStore) SaveResult(_ context.Context, r tracker.SearchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

func (s *fakeResultStore) ListResults(context.Context, tracker.ResultFilter) ([]tracker.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]tracker.SearchResult(nil), s.results...), nil
}

func (s *fakeResultStore) PurgeResultsBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type recordingMirror struct {
	mu      sync.Mutex
	upserts map[string]tracker.Credential
	deletes []string
}

func newRecordingMirror() *recordingMirror {
	return &recordingMirror{upserts: map[string]tracker.Credential{}}
}

func (r *recordingMirror) Upsert(c tracker.Credential) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts[c.ID] = c
}

func (r *recordingMirror) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes = append(r.deletes, id)
	delete(r.upserts, id)
}

func (r *recordingMirror) Last(id string) (tracker.Credential, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.upserts[id]
	return c, ok
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return "id-" + string(rune('a'+s.n-1)), nil
}

func pageWith(links ...string) tracker.SearchPage {
	page := tracker.SearchPage{TotalResults: 1000}
	for _, l := range links {
		page.Organic = append(page.Organic, tracker.OrganicResult{Link: l, Title: "t", Snippet: "s"})
	}
	return page
}

var baseTime = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

type harness struct {
	mgr      *Manager
	provider *fakeProvider
	clock    *fakeClock
	store    *fakeCredentialStore
	results  *fakeResultStore
	mirror   *recordingMirror
}

func newHarness(t *testing.T, cfg Config, provider *fakeProvider, defs ...Definition) *harness {
	t.Helper()
	return newHarnessWithStore(t, cfg, provider, &fakeCredentialStore{}, defs...)
}

func newHarnessWithStore(
	t *testing.T,
	cfg Config,
	provider *fakeProvider,
	store *fakeCredentialStore,
	defs ...Definition,
) *harness {
	t.Helper()
	if provider == nil {
		provider = newFakeProvider(nil)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	h := &harness{
		provider: provider,
		clock:    newFakeClock(baseTime),
		store:    store,
		results:  &fakeResultStore{},
		mirror:   newRecordingMirror(),
	}
	mgr, err := New(cfg, Deps{
		Provider:    provider,
		Credentials: store,
		Results:     h.results,
		Mirror:      h.mirror,
		Clock:       h.clock,
		IDs:         &seqIDs{},
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, mgr.Initialize(context.Background(), defs))
	t.Cleanup(mgr.Close)
	h.mgr = mgr
	return h
}

func (h *harness) cred(t *testing.T, id string) tracker.Credential {
	t.Helper()
	c, ok := h.mgr.Credential(id)
	require.True(t, ok, "credential %s not found", id)
	return c
}

var usOpts = tracker.SearchOptions{Domain: "example.com", Country: "us"}
