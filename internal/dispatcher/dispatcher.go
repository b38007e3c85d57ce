// Package dispatcher runs bulk keyword jobs: fixed-size batches processed in
// order, bounded concurrency inside each batch and sequential retry rounds
// for the keywords that failed.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/serp-rank-tracker/internal/metrics"
	"github.com/JakeFAU/serp-rank-tracker/internal/policy/concurrency"
	"github.com/JakeFAU/serp-rank-tracker/internal/tracker"
)

// Tracker is the part of the credential pool the dispatcher drives.
type Tracker interface {
	TrackKeyword(ctx context.Context, keyword string, opts tracker.SearchOptions) (tracker.SearchResult, error)
	Stats() tracker.PoolStats
}

// ProgressFunc receives cumulative progress after each batch and each retry.
type ProgressFunc func(tracker.Progress)

// Config controls batching and retries.
type Config struct {
	BatchSize      int
	MaxConcurrency int
	BatchDelay     time.Duration
	RetryEnabled   bool
	MaxRetryRounds int
	RetryDelay     time.Duration
}

// DefaultConfig returns the stock batching parameters.
func DefaultConfig() Config {
	return Config{
		BatchSize:      5,
		MaxConcurrency: 3,
		BatchDelay:     time.Second,
		RetryEnabled:   true,
		MaxRetryRounds: 2,
		RetryDelay:     2 * time.Second,
	}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithSleep replaces the delay implementation, mainly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.sleep = fn
		}
	}
}

// Dispatcher fans bulk keyword lists out to the pool.
type Dispatcher struct {
	cfg     Config
	tracker Tracker
	logger  *zap.Logger
	sleep   SleepFunc
}

// New creates a Dispatcher. Non-positive sizes fall back to DefaultConfig.
func New(cfg Config, t Tracker, logger *zap.Logger, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{cfg: cfg, tracker: t, logger: logger, sleep: sleepContext}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type outcome struct {
	result tracker.SearchResult
	err    error
}

type job struct {
	keywords   []string
	successful []tracker.SearchResult
	failed     []string
	processed  int
	onProgress ProgressFunc
}

// Process tracks every keyword. Duplicates are independent entries, so
// len(Successful)+len(Failed) always equals len(keywords). When ctx ends the
// unprocessed keywords are reported as failed and the partial result is
// returned with the context error.
func (d *Dispatcher) Process(
	ctx context.Context,
	keywords []string,
	opts tracker.SearchOptions,
	onProgress ProgressFunc,
) (tracker.BulkResult, error) {
	start := time.Now()
	j := &job{keywords: keywords, onProgress: onProgress}
	total := len(keywords)
	batches := (total + d.cfg.BatchSize - 1) / d.cfg.BatchSize
	limiter := concurrency.New(d.cfg.MaxConcurrency)

	d.logger.Info("bulk job started",
		zap.Int("keywords", total),
		zap.Int("batches", batches),
		zap.Int("batch_size", d.cfg.BatchSize),
		zap.Int("max_concurrency", d.cfg.MaxConcurrency))

	var runErr error
	for b := 0; b < batches; b++ {
		lo := b * d.cfg.BatchSize
		hi := min(lo+d.cfg.BatchSize, total)
		d.runBatch(ctx, limiter, keywords[lo:hi], opts, j)
		d.report(j, b+1, batches)

		if err := ctx.Err(); err != nil {
			j.abandon(keywords[hi:])
			runErr = err
			break
		}
		if b < batches-1 && d.cfg.BatchDelay > 0 {
			if err := d.sleep(ctx, d.cfg.BatchDelay); err != nil {
				j.abandon(keywords[hi:])
				runErr = err
				break
			}
		}
	}

	if runErr == nil && d.cfg.RetryEnabled {
		runErr = d.retry(ctx, opts, j, batches)
	}

	elapsed := time.Since(start)
	result := tracker.BulkResult{
		TotalProcessed:   total,
		Successful:       j.successful,
		Failed:           j.failed,
		ProcessingTimeMs: elapsed.Milliseconds(),
		PoolStats:        d.tracker.Stats(),
	}
	if result.Successful == nil {
		result.Successful = []tracker.SearchResult{}
	}
	if result.Failed == nil {
		result.Failed = []string{}
	}
	metrics.ObserveBulkJob(len(result.Successful), len(result.Failed), elapsed)
	d.logger.Info("bulk job finished",
		zap.Int("keywords", total),
		zap.Int("successful", len(result.Successful)),
		zap.Int("failed", len(result.Failed)),
		zap.Duration("elapsed", elapsed),
		zap.Error(runErr))
	if runErr != nil {
		return result, fmt.Errorf("bulk job interrupted: %w", runErr)
	}
	return result, nil
}

func (d *Dispatcher) runBatch(
	ctx context.Context,
	limiter *concurrency.Limiter,
	batch []string,
	opts tracker.SearchOptions,
	j *job,
) {
	outcomes := make([]outcome, len(batch))
	var wg sync.WaitGroup
	for i, kw := range batch {
		wg.Add(1)
		go func(i int, kw string) {
			defer wg.Done()
			res, err := concurrency.Run(ctx, limiter, func(ctx context.Context) (tracker.SearchResult, error) {
				return d.tracker.TrackKeyword(ctx, kw, opts)
			})
			outcomes[i] = outcome{result: res, err: err}
		}(i, kw)
	}
	wg.Wait()

	for i, o := range outcomes {
		j.processed++
		if o.err != nil {
			d.logger.Warn("keyword failed",
				zap.String("keyword", batch[i]),
				zap.String("kind", string(tracker.Classify(o.err))),
				zap.Error(o.err))
			j.failed = append(j.failed, batch[i])
			continue
		}
		j.successful = append(j.successful, o.result)
	}
}

// retry re-runs failed keywords one at a time, waiting RetryDelay before
// each attempt.
func (d *Dispatcher) retry(ctx context.Context, opts tracker.SearchOptions, j *job, batches int) error {
	for round := 1; round <= d.cfg.MaxRetryRounds && len(j.failed) > 0; round++ {
		pending := j.failed
		j.failed = nil
		d.logger.Info("retrying failed keywords", zap.Int("round", round), zap.Int("keywords", len(pending)))
		for i, kw := range pending {
			if err := d.sleep(ctx, d.cfg.RetryDelay); err != nil {
				j.failed = append(j.failed, pending[i:]...)
				return err
			}
			res, err := d.tracker.TrackKeyword(ctx, kw, opts)
			if err != nil {
				j.failed = append(j.failed, kw)
			} else {
				j.successful = append(j.successful, res)
			}
			d.reportRetry(j, batches, round, len(pending)-i-1)
			if ctxErr := ctx.Err(); ctxErr != nil {
				j.failed = append(j.failed, pending[i+1:]...)
				return ctxErr
			}
		}
	}
	return nil
}

func (j *job) abandon(rest []string) {
	j.failed = append(j.failed, rest...)
	j.processed += len(rest)
}

func (d *Dispatcher) report(j *job, batch, batches int) {
	if j.onProgress == nil {
		return
	}
	j.onProgress(tracker.Progress{
		Total:        len(j.keywords),
		Processed:    j.processed,
		Successful:   len(j.successful),
		Failed:       len(j.failed),
		CurrentBatch: batch,
		TotalBatches: batches,
		PoolStats:    d.tracker.Stats(),
	})
}

// reportRetry counts keywords still queued in the current round as failed.
func (d *Dispatcher) reportRetry(j *job, batches, round, queued int) {
	if j.onProgress == nil {
		return
	}
	j.onProgress(tracker.Progress{
		Total:        len(j.keywords),
		Processed:    j.processed,
		Successful:   len(j.successful),
		Failed:       len(j.failed) + queued,
		CurrentBatch: batches,
		TotalBatches: batches,
		PoolStats:    d.tracker.Stats(),
		RetryAttempt: round,
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
