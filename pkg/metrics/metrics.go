package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncEntries counts delivery outcomes per outbox entry
	// status: synced, retry, exhausted, error, deferred, interrupted
	SyncEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "curral_sync_entries_total",
		Help: "Outbox entries processed by the sync engine, by outcome",
	}, []string{"status", "kind"})

	// SyncPasses counts passes including the skipped ones (offline, in_progress)
	SyncPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "curral_sync_passes_total",
		Help: "Sync passes started, by result",
	}, []string{"result"})

	SyncPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "curral_sync_pass_duration_seconds",
		Help:    "Duration of a full sync pass in seconds",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	// OutboxPending is the primary lag indicator of the device
	OutboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "curral_outbox_pending",
		Help: "Current number of pending outbox entries",
	})

	// OutboxFailed grows when entries exhaust their retries and need manual requeue
	OutboxFailed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "curral_outbox_failed",
		Help: "Current number of outbox entries in failed state",
	})

	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "curral_cache_requests_total",
		Help: "Requests handled by the caching proxy, by strategy and result",
	}, []string{"strategy", "result"})

	CacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "curral_cache_evictions_total",
		Help: "Cache entries evicted, by reason",
	}, []string{"reason"})

	// ConnectivityOnline mirrors the monitor flag (1 online, 0 offline)
	ConnectivityOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "curral_connectivity_online",
		Help: "Current connectivity state as seen by the agent",
	})

	StoreQuotaErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "curral_store_quota_errors_total",
		Help: "Local store writes rejected for lack of space",
	})
)
