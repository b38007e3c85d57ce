package tracker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyMessage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		msg  string
		want ErrorKind
	}{
		{"Your account has run out of searches.", KindQuotaExceeded},
		{"Monthly quota reached", KindQuotaExceeded},
		{"usage limit hit", KindQuotaExceeded},
		{"Plan searches exceeded", KindQuotaExceeded},
		{"HTTP 429: Too Many Requests", KindRateLimited},
		{"request rate too high", KindRateLimited},
		{"ratelimited, slow down", KindRateLimited},
		// Quota phrasing wins over rate-limit phrasing.
		{"rate limit exceeded", KindQuotaExceeded},
		{`HTTP 429: {"error":"Your account has run out of searches."}`, KindQuotaExceeded},
		{"Invalid API key.", KindProvider},
		{"HTTP 500: internal", KindProvider},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ClassifyMessage(tc.msg), tc.msg)
	}
}

func TestClassifyTypedErrors(t *testing.T) {
	t.Parallel()

	timeout := NewProviderError(KindTimeout, 0, "request timeout exceeded", context.DeadlineExceeded)
	require.Equal(t, KindTimeout, Classify(timeout), "typed timeout wins over the word exceeded")
	require.Equal(t, KindTimeout, Classify(fmt.Errorf("wrapped: %w", timeout)))

	derived := NewProviderError("", 429, "HTTP 429: slow down", nil)
	require.Equal(t, KindRateLimited, derived.Kind)
	require.True(t, IsRateLimited(derived))

	quota := errors.New("quota exhausted")
	require.True(t, IsQuotaExceeded(quota))

	exhausted := &ExhaustedError{Keyword: "coffee", Attempts: 2, Last: quota}
	require.Equal(t, KindExhausted, Classify(exhausted))
	require.ErrorIs(t, exhausted, ErrPoolExhausted)
	require.ErrorIs(t, exhausted, quota)
	require.Contains(t, exhausted.Error(), "quota exhausted")

	require.Equal(t, KindConfiguration, Classify(fmt.Errorf("init: %w", ErrNoCredentials)))
	require.Equal(t, KindTimeout, Classify(context.DeadlineExceeded))
	require.Equal(t, ErrorKind(""), Classify(nil))
}
