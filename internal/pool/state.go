package pool

import (
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/serp-rank-tracker/internal/metrics"
	"github.com/JakeFAU/serp-rank-tracker/internal/tracker"
)

// recordSuccessLocked charges one unit of quota to e. Reaching a limit
// flips the credential to exhausted in the same update.
func (m *Manager) recordSuccessLocked(e *entry) {
	now := m.deps.Clock.Now()
	c := &e.cred
	c.UsedToday++
	c.UsedThisMonth++
	c.LastUsed = now
	c.UpdatedAt = now
	c.SuccessRate = blend(c.SuccessRate, 100)
	if saturated(*c) {
		m.markExhaustedLocked(e, "usage limit reached")
	}
	m.publishLocked(e)
}

// recordFailureLocked applies the state transition for a classified
// provider failure. Usage counters are never incremented.
func (m *Manager) recordFailureLocked(e *entry, kind tracker.ErrorKind) {
	now := m.deps.Clock.Now()
	c := &e.cred
	c.LastUsed = now
	c.UpdatedAt = now
	c.SuccessRate = blend(c.SuccessRate, 0)
	switch kind {
	case tracker.KindQuotaExceeded:
		c.ErrorCount++
		m.markExhaustedLocked(e, "provider reported quota exceeded")
	case tracker.KindRateLimited:
		m.pauseLocked(e, now)
	default:
		c.ErrorCount++
	}
	m.publishLocked(e)
}

func (m *Manager) markExhaustedLocked(e *entry, reason string) {
	switch e.cred.Status {
	case tracker.StatusError, tracker.StatusExhausted:
		return
	case tracker.StatusPaused:
		e.prePause = tracker.StatusExhausted
	default:
		e.cred.Status = tracker.StatusExhausted
	}
	m.logger.Warn("credential exhausted",
		zap.String("credential_id", e.cred.ID),
		zap.String("reason", reason),
		zap.Int("used_today", e.cred.UsedToday),
		zap.Int("used_this_month", e.cred.UsedThisMonth))
}

// pauseLocked takes e out of rotation for PauseDuration. A timer restores
// the status the credential had before it was paused.
func (m *Manager) pauseLocked(e *entry, now time.Time) {
	if e.cred.Status == tracker.StatusError {
		return
	}
	if e.cred.Status != tracker.StatusPaused {
		e.prePause = e.cred.Status
		e.cred.Status = tracker.StatusPaused
	}
	e.pausedUntil = now.Add(m.cfg.PauseDuration)
	e.pauseGen++
	gen := e.pauseGen
	if e.pauseTimer != nil {
		e.pauseTimer.Stop()
	}
	e.pauseTimer = time.AfterFunc(m.cfg.PauseDuration, func() { m.resume(e, gen) })
	m.logger.Warn("credential paused after rate limit",
		zap.String("credential_id", e.cred.ID),
		zap.Duration("pause", m.cfg.PauseDuration),
		zap.String("resume_status", string(e.prePause)))
}

func (m *Manager) resume(e *entry, gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.removed || e.pauseGen != gen || e.cred.Status != tracker.StatusPaused {
		return
	}
	m.unpauseLocked(e)
	m.publishLocked(e)
	m.broadcastLocked()
	m.logger.Info("credential resumed",
		zap.String("credential_id", e.cred.ID),
		zap.String("status", string(e.cred.Status)))
}

func (m *Manager) unpauseLocked(e *entry) {
	next := e.prePause
	if next == "" || next == tracker.StatusPaused {
		next = tracker.StatusActive
	}
	if next == tracker.StatusActive && saturated(e.cred) {
		next = tracker.StatusExhausted
	}
	e.cred.Status = next
	e.cred.UpdatedAt = m.deps.Clock.Now()
	e.prePause = ""
	e.pausedUntil = time.Time{}
	e.pauseGen++
	if e.pauseTimer != nil {
		e.pauseTimer.Stop()
		e.pauseTimer = nil
	}
}

// ResetDailyUsage zeroes usedToday and errorCount on every credential and
// reactivates those held back only by the daily limit. It is idempotent.
func (m *Manager) ResetDailyUsage() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.deps.Clock.Now()
	reactivated := 0
	for _, e := range m.entries {
		c := &e.cred
		c.UsedToday = 0
		c.ErrorCount = 0
		c.UpdatedAt = now
		if m.reactivateLocked(e) {
			reactivated++
		}
		m.publishLocked(e)
	}
	m.broadcastLocked()
	m.logger.Info("daily usage reset",
		zap.Int("credentials", len(m.entries)),
		zap.Int("reactivated", reactivated))
}

// ResetMonthlyUsage zeroes usedThisMonth and errorCount on every credential,
// stamps monthlyResetAt and reactivates those held back only by the monthly
// limit. It is idempotent.
func (m *Manager) ResetMonthlyUsage() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetMonthlyLocked(m.deps.Clock.Now())
}

func (m *Manager) resetMonthlyLocked(now time.Time) {
	reactivated := 0
	for _, e := range m.entries {
		c := &e.cred
		c.UsedThisMonth = 0
		c.ErrorCount = 0
		c.MonthlyResetAt = now
		c.UpdatedAt = now
		if m.reactivateLocked(e) {
			reactivated++
		}
		m.publishLocked(e)
	}
	m.broadcastLocked()
	m.logger.Info("monthly usage reset",
		zap.Int("credentials", len(m.entries)),
		zap.Int("reactivated", reactivated))
}

// reactivateLocked moves an exhausted credential back to active when both
// counters are below their limits. Paused credentials get their resume
// status updated instead.
func (m *Manager) reactivateLocked(e *entry) bool {
	if saturated(e.cred) {
		return false
	}
	switch {
	case e.cred.Status == tracker.StatusExhausted:
		e.cred.Status = tracker.StatusActive
		return true
	case e.cred.Status == tracker.StatusPaused && e.prePause == tracker.StatusExhausted:
		e.prePause = tracker.StatusActive
		return true
	}
	return false
}

// CheckMonthlyReset runs ResetMonthlyUsage once if any credential was last
// reset in an earlier calendar month. It reports whether a reset ran.
func (m *Manager) CheckMonthlyReset() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.deps.Clock.Now()
	ny, nm, _ := now.In(m.cfg.Location).Date()
	stale := false
	for _, e := range m.entries {
		y, mo, _ := e.cred.MonthlyResetAt.In(m.cfg.Location).Date()
		if y != ny || mo != nm {
			stale = true
			break
		}
	}
	if !stale {
		return false
	}
	m.resetMonthlyLocked(now)
	return true
}

// publishLocked mirrors e to the durable store and refreshes its gauges.
func (m *Manager) publishLocked(e *entry) {
	if e.removed {
		return
	}
	if m.deps.Mirror != nil {
		m.deps.Mirror.Upsert(e.cred)
	}
	metrics.SetCredentialState(e.cred.ID, string(e.cred.Status), e.cred.UsedToday, e.cred.UsedThisMonth)
}

func blend(current, observation float64) float64 {
	return current*(1-successRateWeight) + observation*successRateWeight
}

func saturated(c tracker.Credential) bool {
	return c.UsedToday >= c.DailyLimit || c.UsedThisMonth >= c.MonthlyLimit
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	y, mo, d := t.In(loc).Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, loc)
}
