package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/Guizzs26/curral-sync/pkg/metrics"
)

type janitorStore interface {
	PurgeSynced(ctx context.Context, before time.Time) (int64, error)
	CountPending(ctx context.Context) (int, error)
	CountFailed(ctx context.Context) (int, error)
}

// runMaintenance purges synced audit rows past retention and refreshes the backlog gauges
func runMaintenance(ctx context.Context, store janitorStore, retention, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			slog.Info("🧹 Janitor: Starting outbox maintenance")

			if retention > 0 {
				purged, err := store.PurgeSynced(ctx, time.Now().Add(-retention))
				if err != nil {
					slog.Error("Janitor: Failed to purge synced entries", "error", err)
				} else if purged > 0 {
					slog.Info("Janitor: Purged synced entries", "count", purged, "retention", retention)
				}
			}

			if n, err := store.CountPending(ctx); err == nil {
				metrics.OutboxPending.Set(float64(n))
			}
			if n, err := store.CountFailed(ctx); err == nil {
				metrics.OutboxFailed.Set(float64(n))
				if n > 0 {
					slog.Warn("Janitor: Entries waiting for manual requeue", "count", n)
				}
			}

		case <-ctx.Done():
			slog.Info("🛑 Janitor: Stopping maintenance goroutine")
			return
		}
	}
}
