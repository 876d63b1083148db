// Package reaper retires expired data: it expires conversations, hard-deletes messages
// past their TTL, finishes interrupted cascades and purges old tombstones.
//
// Every step is idempotent, so an interrupted sweep simply resumes on the next run.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	jww "github.com/spf13/jwalterweatherman"

	"ephemera/hint"
	"ephemera/storage"
)

const (
	// DefaultInterval is the time between sweeps.
	DefaultInterval = time.Hour
	// DefaultBatchSize bounds rows touched per statement.
	DefaultBatchSize = 1000
	// DefaultBatchTimeout bounds one batch.
	DefaultBatchTimeout = 30 * time.Second
	// DefaultTombstoneRetention is how long expired or deleted conversation rows are kept.
	DefaultTombstoneRetention = 30 * 24 * time.Hour
)

// Store is the storage the reaper sweeps.
type Store interface {
	ExpireConversations(ctx context.Context, nowMillis int64, limit int) ([]string, error)
	ListParticipants(ctx context.Context, conversationID string) ([]string, error)
	DeleteExpiredMessages(ctx context.Context, nowMillis int64, batchSize int) (storage.DeletedBatch, error)
	DeleteOrphanedMessages(ctx context.Context, batchSize int) (storage.DeletedBatch, error)
	PurgeTombstones(ctx context.Context, cutoffMillis int64, limit int) (int64, error)
}

// Evictor drops cached conversations.
type Evictor interface {
	Evict(conversationID string)
}

// Notifier tells participants that a conversation vanished.
type Notifier interface {
	EnqueueVanished(kind hint.Kind, conversationID string, recipients []string) bool
}

// Config controls the reaper.
type Config struct {
	Interval           time.Duration
	BatchSize          int
	BatchTimeout       time.Duration
	TombstoneRetention time.Duration
	Clock              clock.Clock
}

// Report summarizes one sweep.
type Report struct {
	ExpiredConversations int
	DeletedMessages      int64
	PurgedConversations  int64
}

// Reaper runs sweeps on a fixed interval.
type Reaper struct {
	store    Store
	evictor  Evictor
	notifier Notifier
	cfg      Config

	sweepMu sync.Mutex

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a reaper. evictor and notifier may be nil.
func New(store Store, evictor Evictor, notifier Notifier, cfg Config) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultBatchTimeout
	}
	if cfg.TombstoneRetention <= 0 {
		cfg.TombstoneRetention = DefaultTombstoneRetention
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reaper{
		store:    store,
		evictor:  evictor,
		notifier: notifier,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins sweeping every interval. The first sweep runs immediately.
func (r *Reaper) Start() {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.loop()
	})
}

// Stop cancels a running sweep and waits for the loop to exit.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		r.cancel()
		r.wg.Wait()
	})
}

func (r *Reaper) loop() {
	defer r.wg.Done()

	ticker := r.cfg.Clock.Ticker(r.cfg.Interval)
	defer ticker.Stop()

	r.runOnce()

	for {
		select {
		case <-ticker.C:
			r.runOnce()
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Reaper) runOnce() {
	report, err := r.Sweep(r.ctx)
	if err != nil {
		if r.ctx.Err() != nil {
			return
		}
		jww.ERROR.Printf("[Reaper] sweep incomplete, retrying next cycle: %v", err)
	}
	if report.ExpiredConversations > 0 || report.DeletedMessages > 0 || report.PurgedConversations > 0 {
		jww.INFO.Printf("[Reaper] expired %d conversations, deleted %d messages, purged %d tombstones",
			report.ExpiredConversations, report.DeletedMessages, report.PurgedConversations)
	}
}

// Sweep runs all steps once. A failing step does not prevent the following ones; the
// returned error joins every step failure.
func (r *Reaper) Sweep(ctx context.Context) (Report, error) {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	now := r.cfg.Clock.Now()
	nowMillis := now.UnixMilli()

	var report Report
	var errs []error

	expired, err := r.expireConversations(ctx, nowMillis)
	report.ExpiredConversations = expired
	if err != nil {
		errs = append(errs, fmt.Errorf("expire conversations: %w", err))
	}

	deleted, err := r.deleteMessages(ctx, func(batchCtx context.Context) (storage.DeletedBatch, error) {
		return r.store.DeleteExpiredMessages(batchCtx, nowMillis, r.cfg.BatchSize)
	})
	report.DeletedMessages += deleted
	if err != nil {
		errs = append(errs, fmt.Errorf("delete expired messages: %w", err))
	}

	deleted, err = r.deleteMessages(ctx, func(batchCtx context.Context) (storage.DeletedBatch, error) {
		return r.store.DeleteOrphanedMessages(batchCtx, r.cfg.BatchSize)
	})
	report.DeletedMessages += deleted
	if err != nil {
		errs = append(errs, fmt.Errorf("delete orphaned messages: %w", err))
	}

	purged, err := r.purgeTombstones(ctx, now.Add(-r.cfg.TombstoneRetention).UnixMilli())
	report.PurgedConversations = purged
	if err != nil {
		errs = append(errs, fmt.Errorf("purge tombstones: %w", err))
	}

	return report, errors.Join(errs...)
}

func (r *Reaper) expireConversations(ctx context.Context, nowMillis int64) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		batchCtx, cancel := context.WithTimeout(ctx, r.cfg.BatchTimeout)
		ids, err := r.store.ExpireConversations(batchCtx, nowMillis, r.cfg.BatchSize)
		if err != nil {
			cancel()
			return total, err
		}
		for _, id := range ids {
			r.conversationVanished(batchCtx, id)
		}
		cancel()

		total += len(ids)
		if len(ids) < r.cfg.BatchSize {
			return total, nil
		}
	}
}

// conversationVanished evicts the cache entry and wakes the participants.
func (r *Reaper) conversationVanished(ctx context.Context, conversationID string) {
	if r.evictor != nil {
		r.evictor.Evict(conversationID)
	}
	if r.notifier == nil {
		return
	}
	participants, err := r.store.ListParticipants(ctx, conversationID)
	if err != nil {
		jww.WARN.Printf("[Reaper] list participants of an expired conversation: %v", err)
		return
	}
	r.notifier.EnqueueVanished(hint.KindExpired, conversationID, participants)
}

func (r *Reaper) deleteMessages(ctx context.Context, deleteBatch func(context.Context) (storage.DeletedBatch, error)) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		batchCtx, cancel := context.WithTimeout(ctx, r.cfg.BatchTimeout)
		batch, err := deleteBatch(batchCtx)
		cancel()
		if err != nil {
			return total, err
		}

		total += batch.Count
		if r.evictor != nil {
			for _, id := range batch.ConversationIDs {
				r.evictor.Evict(id)
			}
		}
		if batch.Count < int64(r.cfg.BatchSize) {
			return total, nil
		}
	}
}

func (r *Reaper) purgeTombstones(ctx context.Context, cutoffMillis int64) (int64, error) {
	if cutoffMillis <= 0 {
		return 0, nil
	}
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		batchCtx, cancel := context.WithTimeout(ctx, r.cfg.BatchTimeout)
		purged, err := r.store.PurgeTombstones(batchCtx, cutoffMillis, r.cfg.BatchSize)
		cancel()
		if err != nil {
			return total, err
		}

		total += purged
		if purged < int64(r.cfg.BatchSize) {
			return total, nil
		}
	}
}
