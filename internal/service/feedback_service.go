package service

import (
	"context"
	"log/slog"

	"github.com/Guizzs26/curral-sync/internal/models"
	"github.com/Guizzs26/curral-sync/pkg/metrics"
)

// FailureRepository covers the manual-intervention side of the outbox
type FailureRepository interface {
	ListFailed(ctx context.Context) ([]models.OutboxEntry, error)
	RequeueFailed(ctx context.Context, ids []int64) (int64, error)
	CountFailed(ctx context.Context) (int, error)
}

// FeedbackService exposes entries that exhausted their retries and puts them back in line
type FeedbackService struct {
	repo   FailureRepository
	logger *slog.Logger
}

func NewFeedbackService(r FailureRepository, l *slog.Logger) *FeedbackService {
	return &FeedbackService{repo: r, logger: l.With("component", "feedback")}
}

func (s *FeedbackService) Failed(ctx context.Context) ([]models.OutboxEntry, error) {
	return s.repo.ListFailed(ctx)
}

// Requeue moves failed entries back to pending. Empty ids means all of them.
func (s *FeedbackService) Requeue(ctx context.Context, ids []int64) (int64, error) {
	n, err := s.repo.RequeueFailed(ctx, ids)
	if err != nil {
		s.logger.Error("Feedback: failed to requeue entries", "ids", ids, "error", err)
		return 0, err
	}

	s.logger.Warn("Feedback: failed entries requeued", "count", n, "ids", ids)
	if failed, err := s.repo.CountFailed(ctx); err == nil {
		metrics.OutboxFailed.Set(float64(failed))
	}
	return n, nil
}
