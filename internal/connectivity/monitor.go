package connectivity

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/Guizzs26/curral-sync/internal/notify"
	"github.com/Guizzs26/curral-sync/pkg/metrics"
)

// SyncController is the part of the sync engine the monitor drives
type SyncController interface {
	StartPeriodic()
	StopPeriodic()
	Trigger()
}

// BackgroundFirer runs deferred background-sync tasks on reconnect
type BackgroundFirer interface {
	Fire(ctx context.Context)
}

// Monitor owns the online flag. It never polls; state only changes on signal events.
type Monitor struct {
	signal   Signal
	sync     SyncController
	bg       BackgroundFirer
	notifier notify.Notifier
	logger   *slog.Logger

	online atomic.Bool
}

func NewMonitor(sig Signal, n notify.Notifier, l *slog.Logger) *Monitor {
	if n == nil {
		n = notify.Discard
	}
	m := &Monitor{
		signal:   sig,
		sync:     noopSync{},
		notifier: n,
		logger:   l.With("component", "connectivity"),
	}
	m.online.Store(sig.Current())
	return m
}

// Attach wires what the monitor drives on transitions. The sync engine reads Online()
// from the monitor, so it is attached after both exist and before Run.
func (m *Monitor) Attach(sc SyncController, bg BackgroundFirer) {
	if sc != nil {
		m.sync = sc
	}
	m.bg = bg
}

type noopSync struct{}

func (noopSync) StartPeriodic() {}
func (noopSync) StopPeriodic()  {}
func (noopSync) Trigger()       {}

func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Run blocks until ctx is done. The initial state is taken from the signal; when it is
// online the periodic sync starts and one pass runs, without a notification.
func (m *Monitor) Run(ctx context.Context) {
	online := m.signal.Current()
	m.online.Store(online)
	setGauge(online)

	m.logger.Info("Connectivity monitor started", "online", online)
	m.notifier.Notify(ctx, m.stateNotification(online, ""))
	if online {
		m.sync.StartPeriodic()
		m.sync.Trigger()
	}

	for {
		select {
		case <-ctx.Done():
			m.sync.StopPeriodic()
			m.logger.Info("Connectivity monitor stopped")
			return
		case v, ok := <-m.signal.Events():
			if !ok {
				m.logger.Warn("Connectivity signal closed")
				return
			}
			m.apply(ctx, v)
		}
	}
}

func (m *Monitor) apply(ctx context.Context, online bool) {
	if m.online.Swap(online) == online {
		return
	}
	setGauge(online)

	if online {
		m.logger.Info("Connection restored")
		m.sync.StartPeriodic()
		m.sync.Trigger()
		if m.bg != nil {
			m.bg.Fire(ctx)
		}
		m.notifier.Notify(ctx, m.stateNotification(true, "Conexão restaurada. Sincronizando dados..."))
		return
	}

	m.logger.Warn("Connection lost, working offline")
	m.sync.StopPeriodic()
	m.notifier.Notify(ctx, m.stateNotification(false, "Sem conexão. Os dados serão salvos localmente."))
}

func (m *Monitor) stateNotification(online bool, msg string) notify.Notification {
	level := notify.LevelInfo
	if !online {
		level = notify.LevelWarning
	}
	return notify.Notification{
		Kind:    notify.KindConnectivity,
		Level:   level,
		Message: msg,
		Online:  online,
	}
}

func setGauge(online bool) {
	if online {
		metrics.ConnectivityOnline.Set(1)
		return
	}
	metrics.ConnectivityOnline.Set(0)
}
