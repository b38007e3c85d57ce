// Package mirror persists credential snapshots in the background. Writes are
// batched, coalesced by credential id (last writer wins) and flushed to a
// tracker.CredentialStore without ever blocking the pool.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/serp-rank-tracker/internal/metrics"
	"github.com/JakeFAU/serp-rank-tracker/internal/tracker"
)

// Config controls buffering and batching for the Mirror.
//   - BufferSize: size of the internal channel (default 1024).
//   - MaxBatch: flush once this many operations queue (default 100).
//   - MaxWait: flush after this duration even if the batch is small (default 250ms).
//   - WriteTimeout: per-flush store timeout (default 10s).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize   int
	MaxBatch     int
	MaxWait      time.Duration
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

const (
	defaultBufferSize   = 1024
	defaultMaxBatch     = 100
	defaultMaxWait      = 250 * time.Millisecond
	defaultWriteTimeout = 10 * time.Second
	dropLogInterval     = 5 * time.Second
)

type op struct {
	cred   tracker.Credential
	id     string
	delete bool
}

// Mirror is safe for concurrent use and never blocks callers.
type Mirror struct {
	cfg     Config
	store   tracker.CredentialStore
	ops     chan op
	stopCh  chan struct{}
	doneCh  chan struct{}
	logger  *zap.Logger
	lastLog atomic.Int64
	dropped atomic.Int64
	closed  atomic.Bool

	closeOnce sync.Once
}

// New starts the background flusher. A nil store yields a Mirror that
// discards everything.
func New(cfg Config, store tracker.CredentialStore) *Mirror {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Mirror{
		cfg:    cfg,
		store:  store,
		ops:    make(chan op, cfg.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: logger,
	}
	go m.run()
	return m
}

// Upsert schedules a snapshot write.
func (m *Mirror) Upsert(cred tracker.Credential) {
	m.enqueue(op{cred: cred, id: cred.ID})
}

// Delete schedules removal of a credential record.
func (m *Mirror) Delete(id string) {
	m.enqueue(op{id: id, delete: true})
}

func (m *Mirror) enqueue(o op) {
	if m == nil || m.store == nil || m.closed.Load() {
		return
	}
	select {
	case m.ops <- o:
	default:
		m.dropped.Add(1)
		metrics.IncMirrorDropped(1)
		now := time.Now().UnixNano()
		last := m.lastLog.Load()
		if now-last >= dropLogInterval.Nanoseconds() && m.lastLog.CompareAndSwap(last, now) {
			m.logger.Warn("credential snapshots dropped due to backpressure",
				zap.Int64("dropped", m.dropped.Swap(0)))
		}
	}
}

// Close drains pending operations, flushes them and waits for the
// background goroutine. It is safe to call multiple times.
func (m *Mirror) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		close(m.stopCh)
	})
	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mirror close wait: %w", ctx.Err())
	}
}

func (m *Mirror) run() {
	defer close(m.doneCh)
	batch := make([]op, 0, m.cfg.MaxBatch)
	ticker := time.NewTicker(m.cfg.MaxWait)
	defer ticker.Stop()
	for {
		select {
		case o := <-m.ops:
			batch = append(batch, o)
			if len(batch) >= m.cfg.MaxBatch {
				m.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				m.flush(batch)
				batch = batch[:0]
			}
		case <-m.stopCh:
			for {
				select {
				case o := <-m.ops:
					batch = append(batch, o)
				default:
					m.flush(batch)
					return
				}
			}
		}
	}
}

func (m *Mirror) flush(batch []op) {
	if len(batch) == 0 {
		return
	}
	upserts, deletes := coalesce(batch)
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
	defer cancel()
	var errs []error
	if len(deletes) > 0 {
		if err := m.store.DeleteCredentials(ctx, deletes); err != nil {
			errs = append(errs, err)
		}
	}
	if len(upserts) > 0 {
		if err := m.store.UpsertCredentials(ctx, upserts); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		m.logger.Warn("credential mirror flush failed",
			zap.Int("upserts", len(upserts)),
			zap.Int("deletes", len(deletes)),
			zap.Error(err))
	}
}

// coalesce keeps the last operation per id, in first-seen order.
func coalesce(batch []op) ([]tracker.Credential, []string) {
	last := make(map[string]op, len(batch))
	order := make([]string, 0, len(batch))
	for _, o := range batch {
		if _, seen := last[o.id]; !seen {
			order = append(order, o.id)
		}
		last[o.id] = o
	}
	var upserts []tracker.Credential
	var deletes []string
	for _, id := range order {
		o := last[id]
		if o.delete {
			deletes = append(deletes, id)
			continue
		}
		upserts = append(upserts, o.cred)
	}
	return upserts, deletes
}
