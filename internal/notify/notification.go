package notify

import (
	"context"
	"log/slog"
	"time"
)

type Kind string

const (
	KindSyncReport   Kind = "sync_report"
	KindPendingCount Kind = "pending_count"
	KindConnectivity Kind = "connectivity"
	KindSaved        Kind = "saved"
)

type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
)

// Notification is a user-facing event: toasts, banners and the pending-count badge
type Notification struct {
	Kind      Kind      `json:"type"`
	Level     Level     `json:"level"`
	Message   string    `json:"message,omitempty"`
	Succeeded int       `json:"succeeded,omitempty"`
	Failed    int       `json:"failed,omitempty"`
	Pending   int       `json:"pending"`
	Online    bool      `json:"online"`
	Timestamp time.Time `json:"timestamp"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc adapts a plain function
type NotifierFunc func(ctx context.Context, n Notification)

func (f NotifierFunc) Notify(ctx context.Context, n Notification) {
	f(ctx, n)
}

// Multi fans a notification out to every sink. Sinks must not block for long.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	for _, sink := range m {
		if sink != nil {
			sink.Notify(ctx, n)
		}
	}
}

type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(l *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: l.With("component", "notify")}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) {
	level := slog.LevelInfo
	switch n.Level {
	case LevelError:
		level = slog.LevelError
	case LevelWarning:
		level = slog.LevelWarn
	}
	if n.Kind == KindPendingCount {
		level = slog.LevelDebug
	}
	l.logger.Log(ctx, level, "Notification",
		"type", n.Kind,
		"message", n.Message,
		"succeeded", n.Succeeded,
		"failed", n.Failed,
		"pending", n.Pending,
		"online", n.Online,
	)
}

// Discard drops everything; handy for tests and the CLI
var Discard Notifier = NotifierFunc(func(context.Context, Notification) {})
