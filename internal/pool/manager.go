// Package pool owns the in-memory credential pool: it selects which
// credential serves each provider request, enforces per-credential quotas,
// turns provider failures into state transitions and exposes statistics.
package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/serp-rank-tracker/internal/clock/system"
	"github.com/JakeFAU/serp-rank-tracker/internal/hash/sha256"
	"github.com/JakeFAU/serp-rank-tracker/internal/id/uuid"
	"github.com/JakeFAU/serp-rank-tracker/internal/metrics"
	"github.com/JakeFAU/serp-rank-tracker/internal/tracker"
)

// UserCredentialID is recorded on results served by a caller-supplied secret.
const UserCredentialID = "user_supplied"

const (
	defaultMaxRetries    = 3
	defaultPauseDuration = 60 * time.Second
	defaultDailyLimit    = 5000
	defaultMonthlyLimit  = 100000
	defaultSuccessRate   = 100.0
	// successRateWeight is the share of each new observation in the
	// exponentially weighted success rate.
	successRateWeight = 0.05
	runtimeIDPrefix   = "key_"
)

var errNoCandidate = errors.New("no selectable credential")

// Config tunes pool behaviour.
type Config struct {
	Strategy      Strategy
	MaxRetries    int
	PauseDuration time.Duration
	// DailyLimit and MonthlyLimit apply to definitions and runtime
	// additions that do not carry their own limits.
	DailyLimit   int
	MonthlyLimit int
	// Location defines "today" for ETA and missed-reset detection.
	Location    *time.Location
	DomainMatch tracker.DomainMatchPolicy
}

// Definition is one configured credential.
type Definition struct {
	ID           string
	Secret       string
	Priority     int
	DailyLimit   int
	MonthlyLimit int
}

// Mirror receives credential snapshots for durable storage.
type Mirror interface {
	Upsert(cred tracker.Credential)
	Delete(id string)
}

// Throttle paces requests per credential.
type Throttle interface {
	Wait(ctx context.Context, key string) error
}

// Deps are the collaborators of a Manager. Provider is required; Clock, IDs
// and Hasher default to the system implementations.
type Deps struct {
	Provider    tracker.SearchProvider
	Credentials tracker.CredentialStore
	Results     tracker.ResultStore
	Mirror      Mirror
	Throttle    Throttle
	Clock       tracker.Clock
	IDs         tracker.IDGenerator
	Hasher      tracker.Hasher
	Logger      *zap.Logger
}

type entry struct {
	cred        tracker.Credential
	fingerprint string
	// inFlight is held for the duration of one provider call.
	inFlight    sync.Mutex
	prePause    tracker.CredentialStatus
	pausedUntil time.Time
	pauseTimer  *time.Timer
	pauseGen    int
	removed     bool
}

// Manager is the credential pool. One Manager exists per process and is
// owned by the composition root.
type Manager struct {
	cfg      Config
	deps     Deps
	logger   *zap.Logger
	selector Selector
	matcher  tracker.DomainMatcher

	mu       sync.Mutex
	entries  []*entry
	byID     map[string]*entry
	released chan struct{}
}

// New validates cfg and builds an empty Manager. Call Initialize before use.
func New(cfg Config, deps Deps) (*Manager, error) {
	if deps.Provider == nil {
		return nil, errors.New("pool: search provider is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.PauseDuration <= 0 {
		cfg.PauseDuration = defaultPauseDuration
	}
	if cfg.DailyLimit <= 0 {
		cfg.DailyLimit = defaultDailyLimit
	}
	if cfg.MonthlyLimit <= 0 {
		cfg.MonthlyLimit = defaultMonthlyLimit
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyPriority
	}
	selector, err := NewSelector(cfg.Strategy)
	if err != nil {
		return nil, fmt.Errorf("pool: %w", err)
	}
	matcher, err := tracker.MatcherFor(cfg.DomainMatch)
	if err != nil {
		return nil, fmt.Errorf("pool: %w", err)
	}
	if deps.Clock == nil {
		deps.Clock = system.NewIn(cfg.Location)
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if deps.Hasher == nil {
		deps.Hasher = sha256.NewFingerprinter()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		selector: selector,
		matcher:  matcher,
		byID:     make(map[string]*entry),
		released: make(chan struct{}),
	}, nil
}

// Initialize loads the configured credentials, reconciles their usage with
// the durable store and runs the monthly reset check. It fails with
// tracker.ErrNoCredentials when no definition carries a secret.
func (m *Manager) Initialize(ctx context.Context, defs []Definition) error {
	now := m.deps.Clock.Now()
	stored := m.loadStored(ctx)
	dayStart := startOfDay(now, m.cfg.Location)

	var entries []*entry
	secrets := make(map[string]struct{})
	ids := make(map[string]struct{})
	for _, def := range defs {
		secret := strings.TrimSpace(def.Secret)
		if secret == "" || def.ID == "" {
			continue
		}
		if _, dup := secrets[secret]; dup {
			m.logger.Warn("duplicate credential secret ignored", zap.String("credential_id", def.ID))
			continue
		}
		if _, dup := ids[def.ID]; dup {
			m.logger.Warn("duplicate credential id ignored", zap.String("credential_id", def.ID))
			continue
		}
		cred := m.freshCredential(def.ID, secret, tracker.SourceConfig, def.Priority,
			def.DailyLimit, def.MonthlyLimit, now)
		if s, ok := stored[def.ID]; ok && (s.Secret == "" || s.Secret == secret) {
			restoreUsage(&cred, s, dayStart)
		}
		secrets[secret] = struct{}{}
		ids[def.ID] = struct{}{}
		entries = append(entries, m.newEntry(cred))
	}
	if len(entries) == 0 {
		return fmt.Errorf("initialize pool: %w", tracker.ErrNoCredentials)
	}

	for _, s := range stored {
		if s.Source != tracker.SourceRuntime || s.Secret == "" {
			continue
		}
		if _, dup := ids[s.ID]; dup {
			continue
		}
		if _, dup := secrets[s.Secret]; dup {
			continue
		}
		cred := m.freshCredential(s.ID, s.Secret, tracker.SourceRuntime, s.Priority,
			s.DailyLimit, s.MonthlyLimit, now)
		restoreUsage(&cred, s, dayStart)
		secrets[s.Secret] = struct{}{}
		ids[s.ID] = struct{}{}
		entries = append(entries, m.newEntry(cred))
	}

	m.mu.Lock()
	m.entries = entries
	m.byID = make(map[string]*entry, len(entries))
	for _, e := range entries {
		m.byID[e.cred.ID] = e
		m.publishLocked(e)
	}
	m.mu.Unlock()

	m.logger.Info("credential pool initialized",
		zap.Int("credentials", len(entries)),
		zap.String("strategy", string(m.cfg.Strategy)))
	m.CheckMonthlyReset()
	return nil
}

func (m *Manager) loadStored(ctx context.Context) map[string]tracker.Credential {
	out := make(map[string]tracker.Credential)
	if m.deps.Credentials == nil {
		return out
	}
	creds, err := m.deps.Credentials.LoadCredentials(ctx)
	if err != nil {
		m.logger.Warn("load stored credentials failed; starting with fresh counters", zap.Error(err))
		return out
	}
	for _, c := range creds {
		out[c.ID] = c
	}
	return out
}

func (m *Manager) freshCredential(
	id, secret string,
	source tracker.CredentialSource,
	priority, daily, monthly int,
	now time.Time,
) tracker.Credential {
	if daily <= 0 {
		daily = m.cfg.DailyLimit
	}
	if monthly <= 0 {
		monthly = m.cfg.MonthlyLimit
	}
	return tracker.Credential{
		ID:             id,
		Secret:         secret,
		Source:         source,
		DailyLimit:     daily,
		MonthlyLimit:   monthly,
		Status:         tracker.StatusActive,
		Priority:       priority,
		SuccessRate:    defaultSuccessRate,
		MonthlyResetAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// restoreUsage copies durable counters onto a freshly defined credential.
// An exhausted record is reactivated only when its daily counter has been
// reset, either explicitly or because its last use predates today.
func restoreUsage(c *tracker.Credential, s tracker.Credential, dayStart time.Time) {
	c.UsedToday = s.UsedToday
	c.UsedThisMonth = s.UsedThisMonth
	c.LastUsed = s.LastUsed
	c.ErrorCount = s.ErrorCount
	c.SuccessRate = s.SuccessRate
	if !s.MonthlyResetAt.IsZero() {
		c.MonthlyResetAt = s.MonthlyResetAt
	}
	if !s.CreatedAt.IsZero() {
		c.CreatedAt = s.CreatedAt
	}
	if !s.LastUsed.IsZero() && s.LastUsed.Before(dayStart) {
		c.UsedToday = 0
	}
	switch s.Status {
	case tracker.StatusError:
		c.Status = tracker.StatusError
	case tracker.StatusExhausted:
		if c.UsedToday != 0 {
			c.Status = tracker.StatusExhausted
		}
	}
	if c.Status == tracker.StatusActive && saturated(*c) {
		c.Status = tracker.StatusExhausted
	}
}

func (m *Manager) newEntry(cred tracker.Credential) *entry {
	e := &entry{cred: cred}
	if sum, err := m.deps.Hasher.Hash([]byte(cred.Secret)); err == nil {
		e.fingerprint = sum[:min(len(sum), sha256.FingerprintLength)]
	}
	return e
}

// Size returns the number of pooled credentials.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close stops pending pause timers.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.pauseTimer != nil {
			e.pauseTimer.Stop()
		}
	}
}

// TrackKeyword looks up the rank of opts.Domain for keyword. With
// opts.UserCredential set the pool is bypassed; otherwise up to
// min(pool size, MaxRetries) credentials are tried in selection order.
func (m *Manager) TrackKeyword(
	ctx context.Context,
	keyword string,
	opts tracker.SearchOptions,
) (tracker.SearchResult, error) {
	keyword = strings.TrimSpace(keyword)
	if err := tracker.ValidateKeyword(keyword); err != nil {
		return tracker.SearchResult{}, err
	}
	opts = opts.WithDefaults()
	if opts.UserCredential != "" {
		return m.trackWithUserCredential(ctx, keyword, opts)
	}

	attempts := min(m.Size(), m.cfg.MaxRetries)
	tried := 0
	var lastErr error
	for tried < attempts {
		e, err := m.acquire(ctx)
		if errors.Is(err, errNoCandidate) {
			break
		}
		if err != nil {
			return tracker.SearchResult{}, fmt.Errorf("track %q: %w", keyword, err)
		}
		tried++
		result, err := m.attempt(ctx, e, keyword, opts)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return tracker.SearchResult{}, fmt.Errorf("track %q: %w", keyword, err)
		}
		lastErr = err
	}
	metrics.ObserveTrack("failed")
	m.logger.Warn("keyword lookup exhausted the pool",
		zap.String("keyword", keyword),
		zap.Int("attempts", tried),
		zap.Error(lastErr))
	return tracker.SearchResult{}, &tracker.ExhaustedError{Keyword: keyword, Attempts: tried, Last: lastErr}
}

// acquire selects a credential and takes its in-flight lock. When selectable
// credentials exist but are all busy it waits for one to be released.
func (m *Manager) acquire(ctx context.Context) (*entry, error) {
	for {
		m.mu.Lock()
		var candidates []*entry
		var creds []tracker.Credential
		for _, e := range m.entries {
			if e.cred.Selectable() {
				candidates = append(candidates, e)
				creds = append(creds, e.cred)
			}
		}
		if len(candidates) == 0 {
			m.mu.Unlock()
			return nil, errNoCandidate
		}
		for _, i := range m.selector.Order(creds) {
			if candidates[i].inFlight.TryLock() {
				m.mu.Unlock()
				return candidates[i], nil
			}
		}
		wait := m.released
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Manager) release(e *entry) {
	e.inFlight.Unlock()
	m.mu.Lock()
	m.broadcastLocked()
	m.mu.Unlock()
}

func (m *Manager) broadcastLocked() {
	close(m.released)
	m.released = make(chan struct{})
}

func (m *Manager) attempt(
	ctx context.Context,
	e *entry,
	keyword string,
	opts tracker.SearchOptions,
) (tracker.SearchResult, error) {
	defer m.release(e)

	m.mu.Lock()
	id, secret := e.cred.ID, e.cred.Secret
	m.mu.Unlock()

	if m.deps.Throttle != nil {
		if err := m.deps.Throttle.Wait(ctx, id); err != nil {
			return tracker.SearchResult{}, err
		}
	}

	start := time.Now()
	page, err := m.deps.Provider.Search(ctx, secret, keyword, opts)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return tracker.SearchResult{}, err
		}
		kind := tracker.Classify(err)
		m.mu.Lock()
		m.recordFailureLocked(e, kind)
		m.mu.Unlock()
		metrics.ObserveProviderRequest(id, string(kind), elapsed)
		m.logger.Warn("provider request failed",
			zap.String("credential_id", id),
			zap.String("keyword", keyword),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return tracker.SearchResult{}, err
	}

	m.mu.Lock()
	m.recordSuccessLocked(e)
	m.mu.Unlock()
	metrics.ObserveProviderRequest(id, "success", elapsed)

	result := m.buildResult(keyword, opts, page, id, elapsed)
	m.saveResult(ctx, result)
	return result, nil
}

func (m *Manager) trackWithUserCredential(
	ctx context.Context,
	keyword string,
	opts tracker.SearchOptions,
) (tracker.SearchResult, error) {
	start := time.Now()
	page, err := m.deps.Provider.Search(ctx, opts.UserCredential, keyword, opts)
	if err != nil {
		metrics.ObserveTrack("failed")
		return tracker.SearchResult{}, fmt.Errorf("track %q with supplied credential: %w", keyword, err)
	}
	result := m.buildResult(keyword, opts, page, UserCredentialID, time.Since(start))
	m.saveResult(ctx, result)
	return result, nil
}

func (m *Manager) buildResult(
	keyword string,
	opts tracker.SearchOptions,
	page tracker.SearchPage,
	credentialID string,
	elapsed time.Duration,
) tracker.SearchResult {
	id, err := m.deps.IDs.NewID()
	if err != nil {
		m.logger.Warn("generate result id failed", zap.Error(err))
	}
	result := tracker.SearchResult{
		ID:                  id,
		Keyword:             keyword,
		Domain:              opts.Domain,
		Country:             opts.Country,
		Language:            opts.Language,
		Device:              opts.Device,
		City:                opts.City,
		State:               opts.State,
		PostalCode:          opts.PostalCode,
		TotalResults:        page.TotalResults,
		SearchedResultCount: len(page.Organic),
		Timestamp:           m.deps.Clock.Now(),
		ProcessingTimeMs:    elapsed.Milliseconds(),
		CredentialIDUsed:    credentialID,
		Metadata:            page.Metadata,
	}
	if p, ok := tracker.LocateDomain(page.Organic, opts.Domain, m.matcher); ok {
		pos := p.Position
		result.Position = &pos
		result.Found = true
		result.URL = p.Result.Link
		result.Title = p.Result.Title
		result.Description = p.Result.Snippet
		metrics.ObserveTrack("found")
	} else {
		metrics.ObserveTrack("not_found")
	}
	return result
}

func (m *Manager) saveResult(ctx context.Context, result tracker.SearchResult) {
	if m.deps.Results == nil {
		return
	}
	if err := m.deps.Results.SaveResult(ctx, result); err != nil {
		m.logger.Warn("save search result failed",
			zap.String("keyword", result.Keyword),
			zap.Error(err))
	}
}
