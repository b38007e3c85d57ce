// Package dispatcher contains tests for bulk keyword coordination.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/serp-rank-tracker/internal/tracker"
)

type fakeTracker struct {
	mu        sync.Mutex
	fn        func(ctx context.Context, kw string) (tracker.SearchResult, error)
	calls     map[string]int
	inFlight  int
	maxFlight int
}

func newFakeTracker(fn func(ctx context.Context, kw string) (tracker.SearchResult, error)) *fakeTracker {
	if fn == nil {
		fn = func(_ context.Context, kw string) (tracker.SearchResult, error) {
			return tracker.SearchResult{Keyword: kw, Found: true}, nil
		}
	}
	return &fakeTracker{fn: fn, calls: map[string]int{}}
}

func (f *fakeTracker) TrackKeyword(ctx context.Context, kw string, _ tracker.SearchOptions) (tracker.SearchResult, error) {
	f.mu.Lock()
	f.calls[kw]++
	f.inFlight++
	f.maxFlight = max(f.maxFlight, f.inFlight)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()
	return f.fn(ctx, kw)
}

func (f *fakeTracker) Stats() tracker.PoolStats {
	return tracker.PoolStats{Total: 2, Active: 2}
}

func (f *fakeTracker) Calls(kw string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kw]
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func keywords(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("kw-%d", i+1)
	}
	return out
}

var opts = tracker.SearchOptions{Domain: "example.com", Country: "us"}

// TestProcessSevenKeywordsTwoBatches covers the 5 + 2 batch split.
func TestProcessSevenKeywordsTwoBatches(t *testing.T) {
	t.Parallel()

	ft := newFakeTracker(nil)
	sleeps := &sleepRecorder{}
	d := New(DefaultConfig(), ft, zap.NewNop(), WithSleep(sleeps.Sleep))

	var progress []tracker.Progress
	res, err := d.Process(context.Background(), keywords(7), opts, func(p tracker.Progress) {
		progress = append(progress, p)
	})
	require.NoError(t, err)

	assert.Equal(t, 7, res.TotalProcessed)
	assert.Len(t, res.Successful, 7)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 2, res.PoolStats.Total)

	require.Len(t, progress, 2)
	assert.Equal(t, tracker.Progress{
		Total: 7, Processed: 5, Successful: 5, CurrentBatch: 1, TotalBatches: 2,
		PoolStats: tracker.PoolStats{Total: 2, Active: 2},
	}, progress[0])
	assert.Equal(t, 7, progress[1].Processed)
	assert.Equal(t, 2, progress[1].CurrentBatch)

	// One inter-batch delay, none after the final batch.
	assert.Equal(t, []time.Duration{time.Second}, sleeps.Delays())
}

func TestProcessBoundsConcurrency(t *testing.T) {
	t.Parallel()

	ft := newFakeTracker(func(_ context.Context, kw string) (tracker.SearchResult, error) {
		time.Sleep(5 * time.Millisecond)
		return tracker.SearchResult{Keyword: kw}, nil
	})
	cfg := DefaultConfig()
	cfg.BatchSize = 10
	cfg.MaxConcurrency = 3
	d := New(cfg, ft, zap.NewNop(), WithSleep((&sleepRecorder{}).Sleep))

	res, err := d.Process(context.Background(), keywords(10), opts, nil)
	require.NoError(t, err)
	assert.Len(t, res.Successful, 10)
	assert.LessOrEqual(t, ft.maxFlight, 3)
}

func TestProcessKeepsBatchOrder(t *testing.T) {
	t.Parallel()

	ft := newFakeTracker(nil)
	d := New(DefaultConfig(), ft, zap.NewNop(), WithSleep((&sleepRecorder{}).Sleep))
	res, err := d.Process(context.Background(), keywords(7), opts, nil)
	require.NoError(t, err)

	got := make([]string, 0, len(res.Successful))
	for _, r := range res.Successful {
		got = append(got, r.Keyword)
	}
	assert.Equal(t, keywords(7), got)
}

func TestProcessRetriesFailedKeywords(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	attempts := map[string]int{}
	ft := newFakeTracker(func(_ context.Context, kw string) (tracker.SearchResult, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts[kw]++
		switch {
		case kw == "kw-2" && attempts[kw] == 1:
			return tracker.SearchResult{}, &tracker.ExhaustedError{Keyword: kw, Attempts: 2}
		case kw == "kw-6":
			return tracker.SearchResult{}, errors.New("boom")
		}
		return tracker.SearchResult{Keyword: kw}, nil
	})
	sleeps := &sleepRecorder{}
	d := New(DefaultConfig(), ft, zap.NewNop(), WithSleep(sleeps.Sleep))

	var progress []tracker.Progress
	res, err := d.Process(context.Background(), keywords(7), opts, func(p tracker.Progress) {
		progress = append(progress, p)
	})
	require.NoError(t, err)

	assert.Len(t, res.Successful, 6)
	assert.Equal(t, []string{"kw-6"}, res.Failed)
	assert.Equal(t, 7, len(res.Successful)+len(res.Failed))
	assert.Equal(t, 2, ft.Calls("kw-2"))
	assert.Equal(t, 3, ft.Calls("kw-6"), "initial attempt plus two retry rounds")

	// Batch delay, then one retry delay per retried keyword.
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second}, sleeps.Delays())

	require.Len(t, progress, 5)
	assert.Equal(t, 2, progress[1].Failed)
	retry := progress[2]
	assert.Equal(t, 1, retry.RetryAttempt)
	assert.Equal(t, 2, retry.CurrentBatch)
	assert.Equal(t, 6, retry.Successful)
	assert.Equal(t, 1, retry.Failed)
	assert.Equal(t, 2, progress[4].RetryAttempt)
}

func TestProcessRetryDisabled(t *testing.T) {
	t.Parallel()

	ft := newFakeTracker(func(_ context.Context, kw string) (tracker.SearchResult, error) {
		if kw == "kw-1" {
			return tracker.SearchResult{}, errors.New("boom")
		}
		return tracker.SearchResult{Keyword: kw}, nil
	})
	cfg := DefaultConfig()
	cfg.RetryEnabled = false
	d := New(cfg, ft, zap.NewNop(), WithSleep((&sleepRecorder{}).Sleep))

	res, err := d.Process(context.Background(), keywords(3), opts, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"kw-1"}, res.Failed)
	assert.Equal(t, 1, ft.Calls("kw-1"))
}

func TestProcessDuplicatesAreIndependent(t *testing.T) {
	t.Parallel()

	ft := newFakeTracker(nil)
	d := New(DefaultConfig(), ft, zap.NewNop(), WithSleep((&sleepRecorder{}).Sleep))
	res, err := d.Process(context.Background(), []string{"a", "a", "b"}, opts, nil)
	require.NoError(t, err)
	assert.Len(t, res.Successful, 3)
	assert.Equal(t, 2, ft.Calls("a"))
}

func TestProcessEmpty(t *testing.T) {
	t.Parallel()

	d := New(DefaultConfig(), newFakeTracker(nil), nil)
	res, err := d.Process(context.Background(), nil, opts, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.TotalProcessed)
	assert.NotNil(t, res.Successful)
	assert.NotNil(t, res.Failed)
}

// TestProcessCancellation verifies unprocessed keywords are reported failed.
func TestProcessCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	ft := newFakeTracker(nil)
	d := New(DefaultConfig(), ft, zap.NewNop(), WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	res, err := d.Process(ctx, keywords(12), opts, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, res.Successful, 5)
	assert.Equal(t, keywords(12)[5:], res.Failed)
	assert.Equal(t, 0, ft.Calls("kw-6"))
}

func TestSleepContext(t *testing.T) {
	t.Parallel()

	require.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
