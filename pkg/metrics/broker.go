package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Commands tracks remote commands received over the broker
	// status: success, rejected, transient
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "curral_commands_total",
		Help: "Remote commands handled by the agent",
	}, []string{"command", "status"})

	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "curral_command_duration_seconds",
		Help:    "Time taken to execute a remote command",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"command"})

	// BrokerReconnections counts link restorations; frequent increments point to an unstable uplink
	BrokerReconnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "curral_broker_reconnections_total",
		Help: "Total number of RabbitMQ reconnection attempts",
	})

	// BrokerHealthy is 1 while the publisher link is up
	BrokerHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "curral_broker_healthy",
		Help: "Current health of the RabbitMQ link (1 healthy, 0 down)",
	})

	NotificationsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "curral_notifications_total",
		Help: "Notifications delivered per sink",
	}, []string{"sink", "status"})
)
