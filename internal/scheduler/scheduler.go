// Package scheduler runs the pool's periodic maintenance on cron schedules:
// the daily usage reset with its monthly check, the weekly result purge and
// the hourly health log.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/serp-rank-tracker/internal/metrics"
	"github.com/JakeFAU/serp-rank-tracker/internal/tracker"
)

// Task names used in logs and metrics.
const (
	TaskDailyReset = "daily_reset"
	TaskPurge      = "purge_results"
	TaskHealth     = "health"
)

const defaultRetention = 90 * 24 * time.Hour

// Pool is the maintenance surface of the credential pool.
type Pool interface {
	ResetDailyUsage()
	CheckMonthlyReset() bool
	Stats() tracker.PoolStats
}

// ResultPurger deletes result records older than a cutoff.
type ResultPurger interface {
	PurgeResultsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds the cron expressions (standard five-field syntax). An empty
// expression disables that task.
type Config struct {
	DailyReset   string
	Purge        string
	Health       string
	Retention    time.Duration
	PurgeTimeout time.Duration
	Location     *time.Location
}

// DefaultConfig returns the stock schedules.
func DefaultConfig() Config {
	return Config{
		DailyReset:   "0 0 * * *",
		Purge:        "0 2 * * 0",
		Health:       "0 * * * *",
		Retention:    defaultRetention,
		PurgeTimeout: time.Minute,
		Location:     time.Local,
	}
}

// Scheduler owns a cron runner.
type Scheduler struct {
	cfg     Config
	pool    Pool
	results ResultPurger
	clock   tracker.Clock
	logger  *zap.Logger
	cron    *cron.Cron
}

// New validates the schedules and registers the tasks. results may be nil,
// in which case the purge task is skipped.
func New(cfg Config, pool Pool, results ResultPurger, clock tracker.Clock, logger *zap.Logger) (*Scheduler, error) {
	if pool == nil {
		return nil, errors.New("scheduler: pool is required")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.PurgeTimeout <= 0 {
		cfg.PurgeTimeout = time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cfg:     cfg,
		pool:    pool,
		results: results,
		clock:   clock,
		logger:  logger,
		cron: cron.New(
			cron.WithLocation(cfg.Location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}

	tasks := []struct {
		name     string
		schedule string
		run      func()
	}{
		{TaskDailyReset, cfg.DailyReset, s.RunDailyReset},
		{TaskPurge, cfg.Purge, s.runPurgeTask},
		{TaskHealth, cfg.Health, s.RunHealthCheck},
	}
	for _, task := range tasks {
		if task.schedule == "" {
			continue
		}
		if task.name == TaskPurge && results == nil {
			continue
		}
		if _, err := s.cron.AddFunc(task.schedule, task.run); err != nil {
			return nil, fmt.Errorf("scheduler: %s schedule %q: %w", task.name, task.schedule, err)
		}
	}
	return s, nil
}

// Start runs the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("maintenance scheduler started", zap.Int("tasks", len(s.cron.Entries())))
}

// Stop halts scheduling and waits for running tasks or ctx, whichever ends
// first.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// RunDailyReset resets daily usage and then runs the monthly check.
func (s *Scheduler) RunDailyReset() {
	s.pool.ResetDailyUsage()
	monthly := s.pool.CheckMonthlyReset()
	metrics.ObserveMaintenance(TaskDailyReset, nil)
	s.logger.Info("daily maintenance complete", zap.Bool("monthly_reset", monthly))
}

// RunPurge deletes results older than the retention window.
func (s *Scheduler) RunPurge(ctx context.Context) error {
	if s.results == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PurgeTimeout)
	defer cancel()
	cutoff := s.now().Add(-s.cfg.Retention)
	n, err := s.results.PurgeResultsBefore(ctx, cutoff)
	metrics.ObserveMaintenance(TaskPurge, err)
	if err != nil {
		return fmt.Errorf("purge results before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	s.logger.Info("result purge complete", zap.Time("cutoff", cutoff), zap.Int64("deleted", n))
	return nil
}

// runPurgeTask is the cron entry for RunPurge and logs its failure.
func (s *Scheduler) runPurgeTask() {
	if err := s.RunPurge(context.Background()); err != nil {
		s.logger.Error("result purge failed", zap.Error(err))
	}
}

// RunHealthCheck logs aggregate pool health and warns when capacity runs low.
func (s *Scheduler) RunHealthCheck() {
	st := s.pool.Stats()
	fields := []zap.Field{
		zap.Int("total", st.Total),
		zap.Int("active", st.Active),
		zap.Int("exhausted", st.Exhausted),
		zap.Int("paused", st.Paused),
		zap.Int("errored", st.Errored),
		zap.Float64("daily_usage_percent", st.DailyUsagePercent),
		zap.Float64("monthly_usage_percent", st.MonthlyUsagePercent),
		zap.Int("above_90_percent", st.Above90Percent),
	}
	if st.ExhaustionETA != nil {
		fields = append(fields, zap.Duration("exhaustion_eta", *st.ExhaustionETA))
	}
	metrics.ObserveMaintenance(TaskHealth, nil)
	if st.Active == 0 {
		s.logger.Warn("pool health: no active credentials", fields...)
		return
	}
	s.logger.Info("pool health", fields...)
}

func (s *Scheduler) now() time.Time {
	if s.clock != nil {
		return s.clock.Now()
	}
	return time.Now()
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
