package mirror

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/serp-rank-tracker/internal/tracker"
)

type stubStore struct {
	mu      sync.Mutex
	upserts [][]tracker.Credential
	deletes [][]string
	err     error
}

func (s *stubStore) LoadCredentials(context.Context) ([]tracker.Credential, error) {
	return nil, nil
}

func (s *stubStore) UpsertCredentials(_ context.Context, creds []tracker.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, append([]tracker.Credential(nil), creds...))
	return s.err
}

func (s *stubStore) DeleteCredentials(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, append([]string(nil), ids...))
	return s.err
}

func (s *stubStore) Upserts() [][]tracker.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]tracker.Credential(nil), s.upserts...)
}

func TestMirrorFlushBySize(t *testing.T) {
	t.Parallel()

	store := &stubStore{}
	m := New(Config{MaxBatch: 2, MaxWait: time.Minute}, store)
	defer func() {
		require.NoError(t, m.Close(context.Background()))
	}()

	m.Upsert(tracker.Credential{ID: "a"})
	m.Upsert(tracker.Credential{ID: "b"})
	require.Eventually(t, func() bool {
		return len(store.Upserts()) == 1 && len(store.Upserts()[0]) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestMirrorFlushByTimer(t *testing.T) {
	t.Parallel()

	store := &stubStore{}
	m := New(Config{MaxBatch: 100, MaxWait: 20 * time.Millisecond}, store)
	defer func() {
		require.NoError(t, m.Close(context.Background()))
	}()

	m.Upsert(tracker.Credential{ID: "a"})
	require.Eventually(t, func() bool {
		return len(store.Upserts()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMirrorCoalescesOnClose(t *testing.T) {
	t.Parallel()

	store := &stubStore{}
	m := New(Config{MaxBatch: 100, MaxWait: time.Minute}, store)

	m.Upsert(tracker.Credential{ID: "a", UsedToday: 1})
	m.Upsert(tracker.Credential{ID: "b", UsedToday: 1})
	m.Upsert(tracker.Credential{ID: "a", UsedToday: 2})
	m.Delete("b")
	require.NoError(t, m.Close(context.Background()))

	require.Len(t, store.upserts, 1)
	require.Equal(t, []tracker.Credential{{ID: "a", UsedToday: 2}}, store.upserts[0])
	require.Equal(t, [][]string{{"b"}}, store.deletes)

	// Closed mirrors ignore further writes.
	m.Upsert(tracker.Credential{ID: "c"})
	require.NoError(t, m.Close(context.Background()))
	require.Len(t, store.upserts, 1)
}

func TestMirrorStoreErrorsAreLogged(t *testing.T) {
	t.Parallel()

	store := &stubStore{err: errors.New("db down")}
	m := New(Config{Logger: zap.NewNop()}, store)
	m.Upsert(tracker.Credential{ID: "a"})
	require.NoError(t, m.Close(context.Background()))
	require.Len(t, store.upserts, 1)
}

func TestMirrorEnqueueNeverBlocks(t *testing.T) {
	t.Parallel()

	m := &Mirror{store: &stubStore{}, ops: make(chan op), logger: zap.NewNop()}
	start := time.Now()
	m.Upsert(tracker.Credential{ID: "a"})
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestNilMirrorIsNoop(t *testing.T) {
	t.Parallel()

	var m *Mirror
	m.Upsert(tracker.Credential{ID: "a"})
	m.Delete("a")
	require.NoError(t, m.Close(context.Background()))
}
