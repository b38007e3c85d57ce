// Package serpapi issues ranking queries against the SerpApi Google engine
// and parses the JSON response.
package serpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/JakeFAU/serp-rank-tracker/internal/tracker"
)

const (
	// DefaultBaseURL is the provider search endpoint.
	DefaultBaseURL     = "https://serpapi.com/search"
	defaultTimeout     = 30 * time.Second
	defaultResultCount = 200
	defaultUserAgent   = "serp-rank-tracker/1.0"
	maxBodyBytes       = 16 << 20
	maxErrorBodyBytes  = 512
)

// Config controls the provider client.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	UserAgent   string
	ResultCount int
}

// Client implements tracker.SearchProvider.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New constructs a Client. A nil httpClient uses a fresh http.Client; the
// per-request timeout is applied through the request context.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.ResultCount <= 0 {
		cfg.ResultCount = defaultResultCount
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger}
}

// Search runs one query with the given secret.
func (c *Client) Search(
	ctx context.Context,
	secret, keyword string,
	opts tracker.SearchOptions,
) (tracker.SearchPage, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	endpoint := c.cfg.BaseURL + "?" + BuildQuery(keyword, secret, opts, c.cfg.ResultCount).Encode()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return tracker.SearchPage{}, fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return tracker.SearchPage{}, c.transportError(ctx, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close provider response", zap.Error(cerr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return tracker.SearchPage{}, c.transportError(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(strings.TrimSpace(string(body)), maxErrorBodyBytes))
		return tracker.SearchPage{}, tracker.NewProviderError("", resp.StatusCode, msg, nil)
	}
	return ParsePage(body)
}

func (c *Client) transportError(parent context.Context, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("provider request: %w", parent.Err())
	}
	// *url.Error carries the request URL, which includes the api_key.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return tracker.NewProviderError(tracker.KindTimeout, 0, "request timeout exceeded", err)
	}
	return tracker.NewProviderError(tracker.KindProvider, 0, "provider request failed", err)
}

// BuildQuery returns the canonical query parameters for one lookup.
func BuildQuery(keyword, secret string, opts tracker.SearchOptions, resultCount int) url.Values {
	opts = opts.WithDefaults()
	if resultCount <= 0 {
		resultCount = defaultResultCount
	}
	q := url.Values{}
	q.Set("engine", "google")
	q.Set("q", strings.TrimSpace(keyword))
	q.Set("api_key", secret)
	q.Set("gl", strings.ToLower(opts.Country))
	q.Set("hl", opts.Language)
	q.Set("num", strconv.Itoa(resultCount))
	q.Set("device", string(opts.Device))
	q.Set("safe", "off")
	q.Set("filter", "0")
	if loc := BuildLocation(opts.City, opts.State, opts.PostalCode); loc != "" {
		q.Set("location", loc)
	}
	return q
}

// BuildLocation joins city and state with ", " and appends the postal code
// as a trailing token.
func BuildLocation(city, state, postalCode string) string {
	city, state, postalCode = strings.TrimSpace(city), strings.TrimSpace(state), strings.TrimSpace(postalCode)
	loc := city
	switch {
	case city != "" && state != "":
		loc = city + ", " + state
	case state != "":
		loc = state
	}
	if postalCode != "" {
		if loc != "" {
			loc += " "
		}
		loc += postalCode
	}
	return loc
}

// ParsePage decodes a provider response body.
func ParsePage(body []byte) (tracker.SearchPage, error) {
	if !gjson.ValidBytes(body) {
		return tracker.SearchPage{}, tracker.NewProviderError(
			tracker.KindMalformedResponse, 0, "provider response is not valid JSON", nil)
	}
	doc := gjson.ParseBytes(body)
	if e := doc.Get("error"); e.Exists() {
		return tracker.SearchPage{}, tracker.NewProviderError("", 0, e.String(), nil)
	}
	info := doc.Get("search_information")
	if !info.Exists() {
		return tracker.SearchPage{}, tracker.NewProviderError(
			tracker.KindMalformedResponse, 0, "provider response missing search_information", nil)
	}

	page := tracker.SearchPage{TotalResults: info.Get("total_results").Int()}
	doc.Get("organic_results").ForEach(func(_, r gjson.Result) bool {
		page.Organic = append(page.Organic, tracker.OrganicResult{
			Position: int(r.Get("position").Int()),
			Link:     r.Get("link").String(),
			Title:    r.Get("title").String(),
			Snippet:  r.Get("snippet").String(),
		})
		return true
	})

	meta := doc.Get("search_metadata")
	params := doc.Get("search_parameters")
	if meta.Exists() || params.Exists() {
		page.Metadata = &tracker.SearchMetadata{
			SearchID:       meta.Get("id").String(),
			TotalTimeTaken: meta.Get("total_time_taken").Float(),
			LocationUsed:   params.Get("location_used").String(),
			Device:         params.Get("device").String(),
		}
	}
	return page, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
