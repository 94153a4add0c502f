package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Guizzs26/curral-sync/internal/models"
	"github.com/Guizzs26/curral-sync/pkg/metrics"
)

// PendingSource is what the background drain needs from the store
type PendingSource interface {
	ListPending(ctx context.Context) ([]models.OutboxEntry, error)
	MarkSynced(ctx context.Context, id int64) error
}

// BackgroundDrainer is the coarse path run by registered background-sync tasks.
// Failures are only logged; it does not touch retry counts and is not coordinated
// with the SyncEngine, so an entry may be sent twice.
type BackgroundDrainer struct {
	source PendingSource
	sender Sender
	logger *slog.Logger
}

func NewBackgroundDrainer(src PendingSource, snd Sender, l *slog.Logger) *BackgroundDrainer {
	return &BackgroundDrainer{
		source: src,
		sender: snd,
		logger: l.With("component", "background_sync"),
	}
}

// Drain sends every pending entry once. It returns an error only when the list itself fails
// or nothing could be delivered, so the caller can keep the task registered.
func (d *BackgroundDrainer) Drain(ctx context.Context) error {
	entries, err := d.source.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("fetch failure: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	var sent, failed int
	for _, en := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := d.sender.Send(ctx, en); err != nil {
			failed++
			d.logger.Warn("Background delivery failed", "entry_id", en.ID, "error", err)
			continue
		}
		if err := d.source.MarkSynced(ctx, en.ID); err != nil {
			d.logger.Error("Background delivery not recorded", "entry_id", en.ID, "error", err)
			continue
		}
		sent++
		metrics.SyncEntries.WithLabelValues("synced", en.Kind).Inc()
	}

	d.logger.Info("Background drain finished", "sent", sent, "failed", failed)
	if sent == 0 && failed > 0 {
		return fmt.Errorf("nenhum registro enviado (%d falhas)", failed)
	}
	return nil
}
