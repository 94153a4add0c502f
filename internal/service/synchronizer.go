package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Guizzs26/curral-sync/internal/apiclient"
	"github.com/Guizzs26/curral-sync/internal/db"
	"github.com/Guizzs26/curral-sync/internal/models"
	"github.com/Guizzs26/curral-sync/internal/notify"
	"github.com/Guizzs26/curral-sync/pkg/metrics"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const MaxBatchMemoryThresholdMB = 20

// Store is the slice of the local store the sync engine works against
type Store interface {
	SaveWithOutbox(ctx context.Context, collection string, rec models.Record) (int64, int64, error)
	EnqueueOutbox(ctx context.Context, e models.OutboxEntry) (int64, error)
	GetEntry(ctx context.Context, id int64) (models.OutboxEntry, error)
	ListPending(ctx context.Context) ([]models.OutboxEntry, error)
	MarkSynced(ctx context.Context, id int64) error
	IncrementRetry(ctx context.Context, id int64, lastErr string) (models.OutboxEntry, error)
	MarkRecordSynced(ctx context.Context, collection string, id int64, serverID any) error
	CountPending(ctx context.Context) (int, error)
	CountFailed(ctx context.Context) (int, error)
}

// Sender delivers one entry to the remote API
type Sender interface {
	Send(ctx context.Context, e models.OutboxEntry) (apiclient.Result, error)
}

type ConnectivityState interface {
	Online() bool
}

type SyncOptions struct {
	Interval time.Duration
}

type outcome int

const (
	outcomeSynced outcome = iota
	outcomeRetry
	outcomeExhausted
	outcomeError
	outcomeInterrupted
)

// SyncEngine drains the outbox against the remote API, one pass at a time
type SyncEngine struct {
	store    Store
	sender   Sender
	state    ConnectivityState
	notifier notify.Notifier
	logger   *slog.Logger
	interval time.Duration

	sem *semaphore.Weighted

	mu       sync.Mutex
	baseCtx  context.Context
	cancel   context.CancelFunc
	stopTick context.CancelFunc
	wg       sync.WaitGroup
}

func NewSyncEngine(s Store, snd Sender, st ConnectivityState, n notify.Notifier, l *slog.Logger, opts SyncOptions) *SyncEngine {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if n == nil {
		n = notify.Discard
	}
	return &SyncEngine{
		store:    s,
		sender:   snd,
		state:    st,
		notifier: n,
		logger:   l.With("component", "sync_engine"),
		interval: opts.Interval,
		sem:      semaphore.NewWeighted(1),
	}
}

// Start binds the engine to ctx; background passes stop when ctx ends or Dispose is called
func (e *SyncEngine) Start(ctx context.Context) {
	e.mu.Lock()
	e.baseCtx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	e.refreshBacklog(ctx)
}

func (e *SyncEngine) Dispose() {
	e.StopPeriodic()
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *SyncEngine) ctx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.baseCtx == nil {
		return context.Background()
	}
	return e.baseCtx
}

// StartPeriodic runs a pass every interval until StopPeriodic. Calling it twice is a no-op.
func (e *SyncEngine) StartPeriodic() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopTick != nil {
		return
	}

	parent := e.baseCtx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	e.stopTick = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		e.logger.Info("Periodic sync started", "interval", e.interval)
		for {
			select {
			case <-ctx.Done():
				e.logger.Info("Periodic sync stopped")
				return
			case <-ticker.C:
				if _, err := e.RunPass(ctx); err != nil {
					e.logger.Error("Periodic sync pass failed", "error", err)
				}
			}
		}
	}()
}

func (e *SyncEngine) StopPeriodic() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopTick != nil {
		e.stopTick()
		e.stopTick = nil
	}
}

// passContext detaches a pass from its caller. A stopped ticker or a client that hung up
// must not cut the snapshot short; only Dispose or the Start context ends it.
func (e *SyncEngine) passContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(e.ctx(), cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Trigger starts a pass in the background and returns immediately
func (e *SyncEngine) Trigger() {
	ctx := e.ctx()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.RunPass(ctx); err != nil {
			e.logger.Error("Triggered sync pass failed", "error", err)
		}
	}()
}

// ForceSync is the manual "sincronizar agora" path
func (e *SyncEngine) ForceSync(ctx context.Context) (models.Report, error) {
	e.logger.Info("Manual sync requested")
	return e.RunPass(ctx)
}

// RunPass delivers every pending entry sequentially. It returns a skipped report, without waiting,
// when offline or when another pass holds the guard. A failed entry never aborts the batch.
func (e *SyncEngine) RunPass(ctx context.Context) (models.Report, error) {
	report := models.Report{CorrelationID: uuid.NewString(), StartedAt: time.Now()}

	if !e.state.Online() {
		report.Skipped = models.SkipOffline
		metrics.SyncPasses.WithLabelValues("offline").Inc()
		return report, nil
	}
	if !e.sem.TryAcquire(1) {
		report.Skipped = models.SkipInProgress
		metrics.SyncPasses.WithLabelValues("in_progress").Inc()
		return report, nil
	}
	defer e.sem.Release(1)

	ctx, cancel := e.passContext(ctx)
	defer cancel()

	l := e.logger.With("correlation_id", report.CorrelationID)

	entries, err := e.store.ListPending(ctx)
	if err != nil {
		metrics.SyncPasses.WithLabelValues("error").Inc()
		return report, fmt.Errorf("fetch failure: %w", err)
	}
	if len(entries) == 0 {
		metrics.SyncPasses.WithLabelValues("empty").Inc()
		return report, nil
	}

	metrics.SyncPasses.WithLabelValues("ran").Inc()
	defer func() {
		metrics.SyncPassDuration.Observe(time.Since(report.StartedAt).Seconds())
	}()

	var batchBytes int
	for _, en := range entries {
		batchBytes += en.EstimateBytes()
	}
	if batchMB := batchBytes / (1024 * 1024); batchMB > MaxBatchMemoryThresholdMB {
		l.Warn("Heavy outbox detected: memory pressure risk", "size_mb", batchMB, "threshold_mb", MaxBatchMemoryThresholdMB, "count", len(entries))
	}

	for _, en := range entries {
		// Only engine shutdown gets here; remaining entries stay pending for the next start
		if ctx.Err() != nil {
			l.Warn("Context cancelled mid-pass, leaving remaining entries pending", "remaining", len(entries)-report.Attempted)
			break
		}

		report.Attempted++
		switch e.deliver(ctx, l, en) {
		case outcomeSynced:
			report.Succeeded++
		case outcomeExhausted:
			report.Failed++
			report.Exhausted++
		case outcomeInterrupted:
		default:
			report.Failed++
		}
	}

	report.Duration = time.Since(report.StartedAt)
	report.Pending = e.refreshBacklog(ctx)

	l.Info("Sync pass finished",
		"attempted", report.Attempted,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"exhausted", report.Exhausted,
		"pending", report.Pending,
		"duration_ms", report.Duration.Milliseconds(),
	)
	e.notifyReport(ctx, report)
	return report, nil
}

func (e *SyncEngine) deliver(ctx context.Context, l *slog.Logger, en models.OutboxEntry) (out outcome) {
	l = l.With("entry_id", en.ID, "kind", en.Kind)

	defer func() {
		if r := recover(); r != nil {
			l.Error("Panic while delivering entry", "panic", r)
			out = e.fail(ctx, l, en, fmt.Sprintf("panic: %v", r))
		}
	}()

	res, err := e.sender.Send(ctx, en)
	if err != nil {
		if ctx.Err() != nil {
			l.Warn("Delivery interrupted by shutdown, entry stays pending", "error", err)
			metrics.SyncEntries.WithLabelValues("interrupted", en.Kind).Inc()
			return outcomeInterrupted
		}
		l.Warn("Delivery failed", "error", err)
		return e.fail(ctx, l, en, err.Error())
	}

	if err := e.acknowledge(ctx, en, res); err != nil {
		l.Error("Entry delivered but failed to update status", "error", err)
		metrics.SyncEntries.WithLabelValues("error", en.Kind).Inc()
		return outcomeError
	}

	metrics.SyncEntries.WithLabelValues("synced", en.Kind).Inc()
	return outcomeSynced
}

// acknowledge closes a delivered entry and merges the server id into its record
func (e *SyncEngine) acknowledge(ctx context.Context, en models.OutboxEntry, res apiclient.Result) error {
	if err := e.store.MarkSynced(ctx, en.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}
	if en.HasRecord() {
		if err := e.store.MarkRecordSynced(ctx, en.Collection, en.RecordID, res.ServerID); err != nil {
			e.logger.Warn("Could not merge server id into record", "collection", en.Collection, "record_id", en.RecordID, "error", err)
		}
	}
	return nil
}

func (e *SyncEngine) fail(ctx context.Context, l *slog.Logger, en models.OutboxEntry, reason string) outcome {
	updated, err := e.store.IncrementRetry(ctx, en.ID, reason)
	if err != nil {
		l.Error("Failed to record retry", "error", err)
		metrics.SyncEntries.WithLabelValues("error", en.Kind).Inc()
		return outcomeError
	}

	if updated.Status == models.StatusFailed {
		l.Warn("Entry exhausted its retries and needs manual requeue", "retries", updated.Retries)
		metrics.SyncEntries.WithLabelValues("exhausted", en.Kind).Inc()
		return outcomeExhausted
	}

	metrics.SyncEntries.WithLabelValues("retry", en.Kind).Inc()
	return outcomeRetry
}

// refreshBacklog updates the gauges and returns the pending count (-1 if unknown)
func (e *SyncEngine) refreshBacklog(ctx context.Context) int {
	pending, err := e.store.CountPending(ctx)
	if err != nil {
		e.logger.Warn("Could not count pending entries", "error", err)
		return -1
	}
	metrics.OutboxPending.Set(float64(pending))

	if failed, err := e.store.CountFailed(ctx); err == nil {
		metrics.OutboxFailed.Set(float64(failed))
	}
	return pending
}

func (e *SyncEngine) notifyReport(ctx context.Context, r models.Report) {
	n := notify.Notification{
		Kind:      notify.KindSyncReport,
		Succeeded: r.Succeeded,
		Failed:    r.Failed,
		Pending:   r.Pending,
		Online:    true,
	}
	switch {
	case r.Failed == 0:
		n.Level = notify.LevelSuccess
		n.Message = fmt.Sprintf("%d registro(s) sincronizado(s)", r.Succeeded)
	case r.Succeeded == 0:
		n.Level = notify.LevelError
		n.Message = fmt.Sprintf("%d registro(s) falharam ao sincronizar", r.Failed)
	default:
		n.Level = notify.LevelWarning
		n.Message = fmt.Sprintf("%d sincronizado(s), %d com falha", r.Succeeded, r.Failed)
	}
	e.notifier.Notify(ctx, n)
	e.notifyPending(ctx, r.Pending)
}

func (e *SyncEngine) notifyPending(ctx context.Context, pending int) {
	if pending < 0 {
		return
	}
	e.notifier.Notify(ctx, notify.Notification{
		Kind:    notify.KindPendingCount,
		Level:   notify.LevelInfo,
		Pending: pending,
		Online:  e.state.Online(),
	})
}
