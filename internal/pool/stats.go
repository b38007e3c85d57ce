package pool

import (
	"math"
	"time"

	"github.com/JakeFAU/serp-rank-tracker/internal/tracker"
)

const maxETA = 365 * 24 * time.Hour

// Stats returns an aggregate snapshot. It never mutates the pool.
func (m *Manager) Stats() tracker.PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.deps.Clock.Now()
	s := tracker.PoolStats{
		Total:       len(m.entries),
		Strategy:    string(m.cfg.Strategy),
		GeneratedAt: now,
	}
	remaining := 0
	for _, e := range m.entries {
		c := e.cred
		switch c.Status {
		case tracker.StatusActive:
			s.Active++
		case tracker.StatusExhausted:
			s.Exhausted++
		case tracker.StatusPaused:
			s.Paused++
		case tracker.StatusError:
			s.Errored++
		}
		s.UsedToday += c.UsedToday
		s.DailyCapacity += c.DailyLimit
		s.UsedThisMonth += c.UsedThisMonth
		s.MonthlyCapacity += c.MonthlyLimit
		daily := percent(c.UsedToday, c.DailyLimit)
		if daily >= 75 {
			s.Above75Percent++
		}
		if daily >= 90 {
			s.Above90Percent++
		}
		if c.Status == tracker.StatusActive || c.Status == tracker.StatusPaused {
			remaining += max(c.DailyLimit-c.UsedToday, 0)
		}
	}
	s.DailyUsagePercent = percent(s.UsedToday, s.DailyCapacity)
	s.MonthlyUsagePercent = percent(s.UsedThisMonth, s.MonthlyCapacity)
	s.ExhaustionETA = exhaustionETA(s.UsedToday, remaining, now.Sub(startOfDay(now, m.cfg.Location)))
	return s
}

// DetailedStats returns one masked snapshot per credential, in pool order.
func (m *Manager) DetailedStats() []tracker.CredentialDetail {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.deps.Clock.Now()
	elapsed := now.Sub(startOfDay(now, m.cfg.Location))
	out := make([]tracker.CredentialDetail, 0, len(m.entries))
	for _, e := range m.entries {
		c := e.cred
		d := tracker.CredentialDetail{
			ID:                  c.ID,
			MaskedSecret:        MaskSecret(c.Secret),
			Fingerprint:         e.fingerprint,
			Source:              c.Source,
			Status:              c.Status,
			Priority:            c.Priority,
			UsedToday:           c.UsedToday,
			DailyLimit:          c.DailyLimit,
			UsedThisMonth:       c.UsedThisMonth,
			MonthlyLimit:        c.MonthlyLimit,
			DailyUsagePercent:   percent(c.UsedToday, c.DailyLimit),
			MonthlyUsagePercent: percent(c.UsedThisMonth, c.MonthlyLimit),
			SuccessRate:         round2(c.SuccessRate),
			ErrorCount:          c.ErrorCount,
		}
		if !c.LastUsed.IsZero() {
			t := c.LastUsed
			d.LastUsed = &t
		}
		if c.Status == tracker.StatusPaused && !e.pausedUntil.IsZero() {
			t := e.pausedUntil
			d.PausedUntil = &t
		}
		if c.Status == tracker.StatusActive || c.Status == tracker.StatusPaused {
			d.ExhaustionETA = exhaustionETA(c.UsedToday, max(c.DailyLimit-c.UsedToday, 0), elapsed)
		}
		out = append(out, d)
	}
	return out
}

// Credential returns a copy of one pooled credential.
func (m *Manager) Credential(id string) (tracker.Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return tracker.Credential{}, false
	}
	return e.cred, true
}

// MaskSecret keeps only the last four characters of a secret.
func MaskSecret(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

// exhaustionETA extrapolates today's usage rate over the remaining quota.
// It is nil until something has been used today.
func exhaustionETA(used, remaining int, elapsed time.Duration) *time.Duration {
	if used <= 0 || elapsed <= 0 {
		return nil
	}
	perUnit := float64(elapsed) / float64(used)
	eta := time.Duration(math.Min(perUnit*float64(remaining), float64(maxETA)))
	return &eta
}

func percent(used, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return round2(float64(used) / float64(limit) * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
