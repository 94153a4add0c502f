package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Guizzs26/curral-sync/internal/models"
	"github.com/Guizzs26/curral-sync/pkg/metrics"

	"github.com/google/uuid"
)

const (
	CommandForceSync     = "force_sync"
	CommandRequeueFailed = "requeue_failed"
)

// ErrRejected marks a command that can never succeed; it must not be redelivered
var ErrRejected = errors.New("comando rejeitado")

// Command is a remote instruction sent to one device
type Command struct {
	ID       string    `json:"id"`
	Name     string    `json:"command"`
	IDs      []int64   `json:"ids,omitempty"`
	IssuedAt time.Time `json:"issued_at,omitempty"`
}

func DecodeCommand(body []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		return Command{}, fmt.Errorf("invalid command payload: %w", err)
	}
	cmd.Name = strings.ToLower(strings.TrimSpace(cmd.Name))
	return cmd, nil
}

type Syncer interface {
	ForceSync(ctx context.Context) (models.Report, error)
}

type Requeuer interface {
	Requeue(ctx context.Context, ids []int64) (int64, error)
}

// CommandHandler runs remote commands against the local engine
type CommandHandler struct {
	syncer   Syncer
	requeuer Requeuer
	logger   *slog.Logger
}

func NewCommandHandler(s Syncer, r Requeuer, logger *slog.Logger) *CommandHandler {
	return &CommandHandler{
		syncer:   s,
		requeuer: r,
		logger:   logger.With("component", "command_handler"),
	}
}

// Handle returns an error wrapping ErrRejected for commands that should be dropped;
// any other error is transient.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) (err error) {
	start := time.Now()
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	defer func() {
		status := "success"
		if err != nil {
			status = "transient"
			if errors.Is(err, ErrRejected) {
				status = "rejected"
			}
		}
		name := cmd.Name
		if status == "rejected" && name != CommandForceSync && name != CommandRequeueFailed {
			name = "unknown"
		}
		metrics.Commands.WithLabelValues(name, status).Inc()
		metrics.CommandDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	l := h.logger.With("correlation_id", cmd.ID, "command", cmd.Name)

	switch cmd.Name {
	case CommandForceSync:
		report, err := h.syncer.ForceSync(ctx)
		if err != nil {
			return fmt.Errorf("force sync failed: %w", err)
		}
		l.Info("Remote sync executed",
			"skipped", report.Skipped,
			"succeeded", report.Succeeded,
			"failed", report.Failed,
		)
		return nil

	case CommandRequeueFailed:
		for _, id := range cmd.IDs {
			if id <= 0 {
				return fmt.Errorf("%w: id inválido %d", ErrRejected, id)
			}
		}
		n, err := h.requeuer.Requeue(ctx, cmd.IDs)
		if err != nil {
			return fmt.Errorf("requeue failed: %w", err)
		}
		l.Info("Remote requeue executed", "requeued", n)
		return nil

	default:
		l.Warn("Unknown command")
		return fmt.Errorf("%w: comando desconhecido %q", ErrRejected, cmd.Name)
	}
}
