package pool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/serp-rank-tracker/internal/tracker"
)

func TestAddCredential(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{DailyLimit: 50}, nil,
		Definition{ID: "serpapi_1", Secret: "secret-1", Priority: 1},
		Definition{ID: "serpapi_4", Secret: "secret-4", Priority: 4},
	)
	cred, err := h.mgr.AddCredential(" new-secret ", 0, 0)
	require.NoError(t, err)

	assert.Equal(t, "key_id-a", cred.ID)
	assert.Equal(t, tracker.SourceRuntime, cred.Source)
	assert.Equal(t, 5, cred.Priority)
	assert.Equal(t, 50, cred.DailyLimit)
	assert.Equal(t, "new-secret", cred.Secret)
	assert.Equal(t, 3, h.mgr.Size())

	_, ok := h.mirror.Last(cred.ID)
	assert.True(t, ok)

	_, err = h.mgr.AddCredential("secret-1", 0, 0)
	require.ErrorIs(t, err, tracker.ErrDuplicateCredential)

	_, err = h.mgr.AddCredential("", 0, 0)
	require.ErrorIs(t, err, tracker.ErrInvalidInput)
}

func TestRemoveCredential(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil,
		Definition{ID: "serpapi_1", Secret: "secret-1", Priority: 1},
		Definition{ID: "serpapi_2", Secret: "secret-2", Priority: 2},
	)
	require.NoError(t, h.mgr.RemoveCredential("serpapi_1"))
	assert.Equal(t, 1, h.mgr.Size())
	assert.Equal(t, []string{"serpapi_1"}, h.mirror.deletes)

	res, err := h.mgr.TrackKeyword(context.Background(), "kw", usOpts)
	require.NoError(t, err)
	assert.Equal(t, "serpapi_2", res.CredentialIDUsed)

	err = h.mgr.RemoveCredential("serpapi_1")
	require.ErrorIs(t, err, tracker.ErrCredentialNotFound)
}

func TestUpdateCredential(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{DailyLimit: 1}, nil, Definition{ID: "serpapi_1", Secret: "secret-1"})
	_, err := h.mgr.TrackKeyword(context.Background(), "kw", usOpts)
	require.NoError(t, err)
	require.Equal(t, tracker.StatusExhausted, h.cred(t, "serpapi_1").Status)

	daily, priority := 10, 3
	cred, err := h.mgr.UpdateCredential("serpapi_1", tracker.CredentialUpdate{DailyLimit: &daily, Priority: &priority})
	require.NoError(t, err)
	assert.Equal(t, tracker.StatusActive, cred.Status)
	assert.Equal(t, 10, cred.DailyLimit)
	assert.Equal(t, 3, cred.Priority)

	low := 1
	cred, err = h.mgr.UpdateCredential("serpapi_1", tracker.CredentialUpdate{DailyLimit: &low})
	require.NoError(t, err)
	assert.Equal(t, tracker.StatusExhausted, cred.Status)

	zero := 0
	_, err = h.mgr.UpdateCredential("serpapi_1", tracker.CredentialUpdate{MonthlyLimit: &zero})
	require.ErrorIs(t, err, tracker.ErrInvalidInput)

	bogus := tracker.CredentialStatus("sleeping")
	_, err = h.mgr.UpdateCredential("serpapi_1", tracker.CredentialUpdate{Status: &bogus})
	require.ErrorIs(t, err, tracker.ErrInvalidInput)

	errStatus := tracker.StatusError
	_, err = h.mgr.UpdateCredential("serpapi_1", tracker.CredentialUpdate{Status: &errStatus})
	require.ErrorIs(t, err, tracker.ErrInvalidInput)

	_, err = h.mgr.UpdateCredential("missing", tracker.CredentialUpdate{Priority: &priority})
	require.ErrorIs(t, err, tracker.ErrCredentialNotFound)
}

func TestTestCredentialNeverMutatesPool(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider(func(_ context.Context, secret, keyword string, opts tracker.SearchOptions) (tracker.SearchPage, error) {
		if secret == "bad" {
			return tracker.SearchPage{}, tracker.NewProviderError("", 401, "Invalid API key. Your API key should be here", nil)
		}
		assert.Equal(t, "test", keyword)
		assert.Equal(t, "example.com", opts.Domain)
		assert.Equal(t, "us", opts.Country)
		return pageWith("https://example.com"), nil
	})
	h := newHarness(t, Config{}, provider, Definition{ID: "serpapi_1", Secret: "secret-1"})
	before := h.mgr.DetailedStats()

	res := h.mgr.TestCredential(context.Background(), "bad")
	assert.False(t, res.Valid)
	assert.Equal(t, tracker.KindProvider, res.Kind)
	assert.Contains(t, res.Message, "Invalid API key")

	ok := h.mgr.TestCredential(context.Background(), "good")
	assert.True(t, ok.Valid)
	assert.Equal(t, int64(1000), ok.TotalResults)

	empty := h.mgr.TestCredential(context.Background(), " ")
	assert.False(t, empty.Valid)
	assert.Equal(t, tracker.KindConfiguration, empty.Kind)

	assert.Equal(t, before, h.mgr.DetailedStats())
	assert.Equal(t, 1, h.mgr.Size())
}

func TestVerifyCredentialMarksError(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider(func(_ context.Context, secret, _ string, _ tracker.SearchOptions) (tracker.SearchPage, error) {
		if secret == "secret-1" {
			return tracker.SearchPage{}, tracker.NewProviderError("", 401, "Invalid API key", nil)
		}
		return pageWith("https://example.com"), nil
	})
	h := newHarness(t, Config{}, provider,
		Definition{ID: "serpapi_1", Secret: "secret-1", Priority: 1},
		Definition{ID: "serpapi_2", Secret: "secret-2", Priority: 2},
	)
	res, err := h.mgr.VerifyCredential(context.Background(), "serpapi_1")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, tracker.StatusError, h.cred(t, "serpapi_1").Status)
	assert.Equal(t, 0, h.cred(t, "serpapi_1").UsedToday)

	track, err := h.mgr.TrackKeyword(context.Background(), "kw", usOpts)
	require.NoError(t, err)
	assert.Equal(t, "serpapi_2", track.CredentialIDUsed)

	_, err = h.mgr.VerifyCredential(context.Background(), "nope")
	require.ErrorIs(t, err, tracker.ErrCredentialNotFound)
}

func TestMaskSecret(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "****", MaskSecret("abc"))
	assert.Equal(t, "****6789", MaskSecret("0123456789"))
}
