package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Guizzs26/curral-sync/internal/notify"
	"github.com/Guizzs26/curral-sync/pkg/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	Exchange = "curral.topic"

	confirmTimeout = 10 * time.Second
)

// RoutingKey builds curral.<device>.<kind>
func RoutingKey(deviceID, kind string) string {
	return fmt.Sprintf("curral.%s.%s", deviceID, kind)
}

// Publisher pushes notifications to the topic exchange with publisher confirms.
// It is a notify.Notifier, so it plugs into the same fan-out as the UI hub.
type Publisher struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	deviceID   string
	logger     *slog.Logger
	connClosed chan *amqp.Error
	chanClosed chan *amqp.Error
	closeOnce  sync.Once
	healthy    atomic.Bool
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewPublisher connects, declares the exchange and enables confirms
func NewPublisher(url, deviceID string, l *slog.Logger) (*Publisher, error) {
	c, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %v", err)
	}

	ch, err := c.Channel()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %v", err)
	}

	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to declare topic exchange: %v", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to activate Publisher Confirms: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		conn:       c,
		channel:    ch,
		deviceID:   deviceID,
		logger:     l.With("component", "publisher"),
		connClosed: make(chan *amqp.Error, 1),
		chanClosed: make(chan *amqp.Error, 1),
		ctx:        ctx,
		cancel:     cancel,
	}

	p.healthy.Store(true)
	metrics.BrokerHealthy.Set(1)

	p.conn.NotifyClose(p.connClosed)
	p.channel.NotifyClose(p.chanClosed)

	go func() {
		select {
		case err := <-p.connClosed:
			p.healthy.Store(false)
			metrics.BrokerHealthy.Set(0)
			p.logger.Warn("RabbitMQ connection closed", "error", err)
		case err := <-p.chanClosed:
			p.healthy.Store(false)
			metrics.BrokerHealthy.Set(0)
			p.logger.Warn("RabbitMQ channel closed", "error", err)
		case <-p.ctx.Done():
			return
		}
	}()
	p.logger.Info("Successfully connected to RabbitMQ and monitors established", "device_id", deviceID)
	return p, nil
}

// Notify publishes and swallows errors; delivery to the broker is best effort
func (p *Publisher) Notify(ctx context.Context, n notify.Notification) {
	if n.Kind == notify.KindPendingCount {
		return
	}
	if err := p.Publish(ctx, string(n.Kind), n); err != nil {
		metrics.NotificationsPublished.WithLabelValues("rabbitmq", "error").Inc()
		p.logger.Debug("Notification not published", "type", n.Kind, "error", err)
		return
	}
	metrics.NotificationsPublished.WithLabelValues("rabbitmq", "ok").Inc()
}

// Publish sends a JSON payload and blocks until the broker confirms it
func (p *Publisher) Publish(ctx context.Context, kind string, payload any) error {
	if !p.IsHealthy() {
		return fmt.Errorf("broker connection is closed")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize payload: %v", err)
	}

	routingKey := RoutingKey(p.deviceID, kind)

	// amqp channels are not safe for concurrent publishes with confirms
	p.mu.Lock()
	deferred, err := p.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		Exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			Headers:      amqp.Table{"device_id": p.deviceID},
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish call failed: %v", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			return fmt.Errorf("RabbitMQ NACK received: message not persisted")
		}
		return nil
	case <-time.After(confirmTimeout):
		return fmt.Errorf("publisher confirm timeout")
	}
}

func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		p.logger.Info("Terminating RabbitMQ publisher")
		p.cancel()
		p.healthy.Store(false)
		metrics.BrokerHealthy.Set(0)
		if p.channel != nil {
			p.channel.Close()
		}
		if p.conn != nil {
			p.conn.Close()
		}
	})
	return nil
}

func (p *Publisher) IsHealthy() bool {
	return p.healthy.Load()
}
