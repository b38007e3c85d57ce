package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies provider and pool failures.
type ErrorKind string

// Error kinds. Provider failures that match no rule are KindProvider.
const (
	KindConfiguration     ErrorKind = "configuration"
	KindQuotaExceeded     ErrorKind = "quota_exceeded"
	KindRateLimited       ErrorKind = "rate_limited"
	KindTimeout           ErrorKind = "timeout"
	KindMalformedResponse ErrorKind = "malformed_response"
	KindExhausted         ErrorKind = "exhausted"
	KindProvider          ErrorKind = "provider_error"
)

var (
	// ErrNoCredentials is returned when no usable credential is configured.
	ErrNoCredentials = errors.New("no valid credentials configured")
	// ErrPoolExhausted is returned when no credential could serve a request.
	ErrPoolExhausted = errors.New("all credentials exhausted or failed")
	// ErrCredentialNotFound is returned for unknown credential ids.
	ErrCredentialNotFound = errors.New("credential not found")
	// ErrDuplicateCredential is returned when a secret is already pooled.
	ErrDuplicateCredential = errors.New("credential already registered")
	// ErrInvalidInput wraps request validation failures.
	ErrInvalidInput = errors.New("invalid input")
)

// Phrases inspected by ClassifyMessage. Quota phrases are checked first, so
// "rate limit exceeded" and an HTTP 429 carrying "run out of searches" both
// exhaust the credential instead of pausing it.
var (
	QuotaPhrases     = []string{"quota", "usage limit", "limit", "exceeded", "run out of searches"}
	RateLimitPhrases = []string{"rate", "too many", "429"}
)

// ProviderError is a failure reported by the search provider or the
// transport in front of it.
type ProviderError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

// NewProviderError builds a ProviderError. An empty kind is derived from msg.
func NewProviderError(kind ErrorKind, statusCode int, msg string, err error) *ProviderError {
	if kind == "" {
		kind = ClassifyMessage(msg)
	}
	return &ProviderError{Kind: kind, StatusCode: statusCode, Message: msg, Err: err}
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ExhaustedError is returned by the pool when every attempt failed or no
// credential was selectable. It unwraps to ErrPoolExhausted and the last
// underlying error.
type ExhaustedError struct {
	Keyword  string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("%s for %q after %d attempts", ErrPoolExhausted, e.Keyword, e.Attempts)
	}
	return fmt.Sprintf("%s for %q after %d attempts: %v", ErrPoolExhausted, e.Keyword, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrPoolExhausted}
	}
	return []error{ErrPoolExhausted, e.Last}
}

// Classify maps err onto an ErrorKind. Typed errors win; anything else is
// classified from its text.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) || errors.Is(err, ErrPoolExhausted) {
		return KindExhausted
	}
	if errors.Is(err, ErrNoCredentials) {
		return KindConfiguration
	}
	var perr *ProviderError
	if errors.As(err, &perr) && perr.Kind != "" {
		return perr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage applies the phrase rules to an error message.
func ClassifyMessage(msg string) ErrorKind {
	text := strings.ToLower(msg)
	switch {
	case containsAny(text, QuotaPhrases):
		return KindQuotaExceeded
	case containsAny(text, RateLimitPhrases):
		return KindRateLimited
	default:
		return KindProvider
	}
}

// IsQuotaExceeded reports whether err means the credential is out of quota.
func IsQuotaExceeded(err error) bool {
	return Classify(err) == KindQuotaExceeded
}

// IsRateLimited reports whether err is a transient rate-limit signal.
func IsRateLimited(err error) bool {
	return Classify(err) == KindRateLimited
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
