package main

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Guizzs26/curral-sync/internal/broker"
	"github.com/Guizzs26/curral-sync/internal/config"
	"github.com/Guizzs26/curral-sync/internal/notify"
	"github.com/Guizzs26/curral-sync/internal/processor"
	"github.com/Guizzs26/curral-sync/pkg/infra"
	"github.com/Guizzs26/curral-sync/pkg/metrics"
)

// brokerSink forwards notifications to whichever publisher is currently connected
type brokerSink struct {
	current atomic.Pointer[broker.Publisher]
}

func (s *brokerSink) Notify(ctx context.Context, n notify.Notification) {
	if p := s.current.Load(); p != nil && p.IsHealthy() {
		p.Notify(ctx, n)
	}
}

func (s *brokerSink) swap(p *broker.Publisher) {
	if old := s.current.Swap(p); old != nil {
		old.Close()
	}
}

// runBrokerLoop keeps the publisher and the command consumer connected until ctx ends
func runBrokerLoop(ctx context.Context, cfg *config.Config, sink *brokerSink, syncer processor.Syncer, requeuer processor.Requeuer, done chan struct{}) {
	defer close(done)
	backoff := infra.NewBackoff(1*time.Second, 60*time.Second, 2.0)
	handler := processor.NewCommandHandler(syncer, requeuer, slog.Default())

	for {
		select {
		case <-ctx.Done():
			slog.Info("👋 Shutting down broker loop...")
			sink.swap(nil)
			return
		default:
		}

		pub, err := broker.NewPublisher(cfg.RabbitMQURL, cfg.DeviceID, slog.Default())
		if err != nil {
			if !waitRetry(ctx, backoff, "RabbitMQ link failure, retrying", err) {
				sink.swap(nil)
				return
			}
			continue
		}

		consumer, err := broker.NewCommandConsumer(cfg.RabbitMQURL, cfg.DeviceID, handler, slog.Default())
		if err != nil {
			pub.Close()
			if !waitRetry(ctx, backoff, "RabbitMQ consumer link failure, retrying", err) {
				sink.swap(nil)
				return
			}
			continue
		}

		slog.Info("RabbitMQ link established 🚀", "device_id", cfg.DeviceID)
		sink.swap(pub)
		backoff.Reset()

		// Listen returns when the channel drops or ctx ends
		err = consumer.Listen(ctx)
		consumer.Close()
		if ctx.Err() != nil {
			continue
		}

		metrics.BrokerReconnections.Inc()
		sink.swap(nil)
		if !waitRetry(ctx, backoff, "RabbitMQ link lost, reconnecting", err) {
			return
		}
	}
}

func waitRetry(ctx context.Context, b *infra.Backoff, msg string, err error) bool {
	slog.Error(msg, "attempt", b.Attempts()+1, "error", err)
	return b.Wait(ctx) == nil
}
