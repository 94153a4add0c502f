package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/curral-sync/internal/processor"

	amqp "github.com/rabbitmq/amqp091-go"
)

// CommandProcessor executes one decoded remote command
type CommandProcessor interface {
	Handle(ctx context.Context, cmd processor.Command) error
}

// CommandQueue is curral.<device>.commands
func CommandQueue(deviceID string) string {
	return fmt.Sprintf("curral.%s.commands", deviceID)
}

// CommandConsumer receives remote commands addressed to this device
type CommandConsumer struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	handler  CommandProcessor
	logger   *slog.Logger
	deviceID string
	throttle time.Duration
}

func NewCommandConsumer(url, deviceID string, handler CommandProcessor, logger *slog.Logger) (*CommandConsumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %v", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %v", err)
	}

	// Prefetch 1: commands touch the same outbox, run them one at a time
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %v", err)
	}

	return &CommandConsumer{
		conn:     conn,
		channel:  ch,
		handler:  handler,
		logger:   logger.With("component", "command_consumer"),
		deviceID: deviceID,
		throttle: 5 * time.Second,
	}, nil
}

// Listen binds the device queue and processes commands until ctx ends or the channel drops
func (c *CommandConsumer) Listen(ctx context.Context) error {
	queueName := CommandQueue(c.deviceID)

	if err := c.channel.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %v", err)
	}

	q, err := c.channel.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %v", err)
	}

	if err := c.channel.QueueBind(q.Name, queueName, Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %v", err)
	}

	msgs, err := c.channel.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %v", err)
	}

	c.logger.Info("Consumer is online and waiting for commands", "queue", q.Name)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}
			c.dispatch(ctx, d)
		}
	}
}

func (c *CommandConsumer) dispatch(ctx context.Context, d amqp.Delivery) {
	cmd, err := processor.DecodeCommand(d.Body)
	if err != nil {
		c.logger.Error("Failed to decode command, dropping", "error", err)
		d.Nack(false, false)
		return
	}
	if cmd.ID == "" {
		cmd.ID = d.CorrelationId
	}

	l := c.logger.With("command", cmd.Name, "command_id", cmd.ID)

	if err := c.handler.Handle(ctx, cmd); err != nil {
		if errors.Is(err, processor.ErrRejected) {
			l.Error("Command rejected, dropping", "error", err)
			d.Nack(false, false)
			return
		}
		l.Error("Command failed, requeueing", "error", err)
		select {
		case <-time.After(c.throttle):
		case <-ctx.Done():
		}
		d.Nack(false, true)
		return
	}

	if err := d.Ack(false); err != nil {
		l.Error("Failed to Ack command", "error", err)
	}
}

func (c *CommandConsumer) Close() {
	c.logger.Info("Shutting down RabbitMQ consumer")
	c.channel.Close()
	c.conn.Close()
}
