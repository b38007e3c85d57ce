package pool

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/serp-rank-tracker/internal/metrics"
	"github.com/JakeFAU/serp-rank-tracker/internal/tracker"
)

// Probe parameters used by TestCredential and VerifyCredential.
const (
	probeKeyword = "test"
	probeDomain  = "example.com"
	probeCountry = "us"
)

// AddCredential registers a runtime credential. Zero limits fall back to the
// pool defaults; the new credential gets the lowest preference.
func (m *Manager) AddCredential(secret string, dailyLimit, monthlyLimit int) (tracker.Credential, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return tracker.Credential{}, fmt.Errorf("%w: secret is required", tracker.ErrInvalidInput)
	}
	if dailyLimit < 0 || monthlyLimit < 0 {
		return tracker.Credential{}, fmt.Errorf("%w: limits must be >= 0", tracker.ErrInvalidInput)
	}
	raw, err := m.deps.IDs.NewID()
	if err != nil {
		return tracker.Credential{}, fmt.Errorf("add credential: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	priority := 1
	for _, e := range m.entries {
		if e.cred.Secret == secret {
			return tracker.Credential{}, fmt.Errorf("add credential: %w (id %s)", tracker.ErrDuplicateCredential, e.cred.ID)
		}
		priority = max(priority, e.cred.Priority+1)
	}
	cred := m.freshCredential(runtimeIDPrefix+raw, secret, tracker.SourceRuntime, priority,
		dailyLimit, monthlyLimit, m.deps.Clock.Now())
	e := m.newEntry(cred)
	m.entries = append(m.entries, e)
	m.byID[cred.ID] = e
	m.publishLocked(e)
	m.broadcastLocked()
	m.logger.Info("credential added",
		zap.String("credential_id", cred.ID),
		zap.String("fingerprint", e.fingerprint),
		zap.Int("priority", priority))
	return cred, nil
}

// RemoveCredential drops a credential from the pool and the durable store.
// A call in flight on it completes but its outcome is discarded.
func (m *Manager) RemoveCredential(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("remove credential %q: %w", id, tracker.ErrCredentialNotFound)
	}
	e.removed = true
	if e.pauseTimer != nil {
		e.pauseTimer.Stop()
	}
	delete(m.byID, id)
	m.entries = slices.DeleteFunc(m.entries, func(x *entry) bool { return x == e })
	if m.deps.Mirror != nil {
		m.deps.Mirror.Delete(id)
	}
	if f, ok := m.deps.Throttle.(interface{ Forget(string) }); ok {
		f.Forget(id)
	}
	metrics.DeleteCredential(id)
	m.logger.Info("credential removed", zap.String("credential_id", id))
	return nil
}

// UpdateCredential applies a partial update. Raising a limit above current
// usage reactivates an exhausted credential; lowering it below usage
// exhausts an active one.
func (m *Manager) UpdateCredential(id string, upd tracker.CredentialUpdate) (tracker.Credential, error) {
	if upd.DailyLimit != nil && *upd.DailyLimit <= 0 {
		return tracker.Credential{}, fmt.Errorf("%w: daily_limit must be > 0", tracker.ErrInvalidInput)
	}
	if upd.MonthlyLimit != nil && *upd.MonthlyLimit <= 0 {
		return tracker.Credential{}, fmt.Errorf("%w: monthly_limit must be > 0", tracker.ErrInvalidInput)
	}
	if upd.Status != nil && !upd.Status.Valid() {
		return tracker.Credential{}, fmt.Errorf("%w: unknown status %q", tracker.ErrInvalidInput, *upd.Status)
	}
	if upd.Status != nil && *upd.Status == tracker.StatusError {
		return tracker.Credential{}, fmt.Errorf("%w: error status is only set by verification", tracker.ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return tracker.Credential{}, fmt.Errorf("update credential %q: %w", id, tracker.ErrCredentialNotFound)
	}
	now := m.deps.Clock.Now()
	c := &e.cred
	limitsChanged := false
	if upd.DailyLimit != nil {
		c.DailyLimit = *upd.DailyLimit
		limitsChanged = true
	}
	if upd.MonthlyLimit != nil {
		c.MonthlyLimit = *upd.MonthlyLimit
		limitsChanged = true
	}
	if upd.Priority != nil {
		c.Priority = *upd.Priority
	}
	if upd.Status != nil && *upd.Status != c.Status {
		switch *upd.Status {
		case tracker.StatusPaused:
			m.pauseLocked(e, now)
		default:
			if c.Status == tracker.StatusPaused {
				m.unpauseLocked(e)
			}
			c.Status = *upd.Status
		}
	}
	if limitsChanged {
		if saturated(*c) {
			m.markExhaustedLocked(e, "limit lowered below usage")
		} else if upd.Status == nil {
			m.reactivateLocked(e)
		}
	}
	c.UpdatedAt = now
	m.publishLocked(e)
	m.broadcastLocked()
	m.logger.Info("credential updated",
		zap.String("credential_id", id),
		zap.String("status", string(c.Status)))
	return *c, nil
}

// TestCredential issues one probe query with secret without registering it.
// Pool state is never touched.
func (m *Manager) TestCredential(ctx context.Context, secret string) tracker.CredentialTestResult {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return tracker.CredentialTestResult{
			Kind:    tracker.KindConfiguration,
			Message: "secret is required",
		}
	}
	return m.probe(ctx, secret)
}

// VerifyCredential probes a pooled credential. A provider or malformed
// response failure marks it error; a success clears a previous error.
// Timeouts leave the status unchanged.
func (m *Manager) VerifyCredential(ctx context.Context, id string) (tracker.CredentialTestResult, error) {
	m.mu.Lock()
	e, ok := m.byID[id]
	m.mu.Unlock()
	if !ok {
		return tracker.CredentialTestResult{}, fmt.Errorf("verify credential %q: %w", id, tracker.ErrCredentialNotFound)
	}
	if err := m.lockEntry(ctx, e); err != nil {
		return tracker.CredentialTestResult{}, fmt.Errorf("verify credential %q: %w", id, err)
	}
	defer m.release(e)

	m.mu.Lock()
	secret := e.cred.Secret
	m.mu.Unlock()

	res := m.probe(ctx, secret)
	if ctx.Err() != nil {
		return res, fmt.Errorf("verify credential %q: %w", id, ctx.Err())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e.removed {
		return res, nil
	}
	now := m.deps.Clock.Now()
	switch {
	case res.Valid:
		if e.cred.Status == tracker.StatusError {
			e.cred.Status = tracker.StatusActive
			if saturated(e.cred) {
				e.cred.Status = tracker.StatusExhausted
			}
		}
	case res.Kind == tracker.KindQuotaExceeded:
		m.markExhaustedLocked(e, "verification reported quota exceeded")
	case res.Kind == tracker.KindRateLimited:
		m.pauseLocked(e, now)
	case res.Kind == tracker.KindProvider || res.Kind == tracker.KindMalformedResponse:
		if e.cred.Status == tracker.StatusPaused {
			m.unpauseLocked(e)
		}
		e.cred.Status = tracker.StatusError
		m.logger.Warn("credential failed verification",
			zap.String("credential_id", id),
			zap.String("kind", string(res.Kind)),
			zap.String("message", res.Message))
	}
	e.cred.UpdatedAt = now
	m.publishLocked(e)
	return res, nil
}

func (m *Manager) probe(ctx context.Context, secret string) tracker.CredentialTestResult {
	opts := tracker.SearchOptions{Domain: probeDomain, Country: probeCountry}.WithDefaults()
	start := time.Now()
	page, err := m.deps.Provider.Search(ctx, secret, probeKeyword, opts)
	res := tracker.CredentialTestResult{ResponseTimeMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Kind = tracker.Classify(err)
		res.Message = err.Error()
		return res
	}
	res.Valid = true
	res.Message = "credential is valid"
	res.TotalResults = page.TotalResults
	return res
}

// lockEntry takes e's in-flight lock, waiting for a release while busy.
func (m *Manager) lockEntry(ctx context.Context, e *entry) error {
	for {
		m.mu.Lock()
		if e.inFlight.TryLock() {
			m.mu.Unlock()
			return nil
		}
		wait := m.released
		m.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
