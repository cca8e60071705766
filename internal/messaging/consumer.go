// Package messaging consumes events from the broker queue and feeds them to
// the event handler with manual acknowledgements.
package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/llmtrigger/llmtrigger/internal/config"
	"github.com/llmtrigger/llmtrigger/internal/metrics"
	"github.com/llmtrigger/llmtrigger/internal/model"
)

const (
	reconnectDelay = 5 * time.Second
	// Per-message processing deadline; beyond it the message is nack'd and
	// requeued.
	handleTimeout = 30 * time.Second
)

// EventHandler processes one parsed event. An error means a systemic
// failure worth a redelivery.
type EventHandler interface {
	HandleEvent(ctx context.Context, event *model.Event) error
}

// Consumer is a reconnecting AMQP consumer over the event queue. Messages
// are acknowledged only after the handler completes; malformed payloads are
// acknowledged and counted, never requeued.
type Consumer struct {
	config    config.RabbitMQConfig
	handler   EventHandler
	collector *metrics.Collector
	logger    *slog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel

	shutdownChan chan struct{}
	wg           sync.WaitGroup
}

// NewConsumer creates an event consumer.
func NewConsumer(cfg config.RabbitMQConfig, handler EventHandler, collector *metrics.Collector, logger *slog.Logger) *Consumer {
	return &Consumer{
		config:       cfg,
		handler:      handler,
		collector:    collector,
		logger:       logger,
		shutdownChan: make(chan struct{}),
	}
}

// Start runs the consume loop until Stop is called or the context ends.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting event consumer", "queue", c.config.Queue)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
	return nil
}

// Stop shuts the consumer down and waits for in-flight handling to finish.
func (c *Consumer) Stop() {
	c.logger.Info("Stopping event consumer")
	close(c.shutdownChan)
	c.closeConnection()
	c.wg.Wait()
}

func (c *Consumer) run(ctx context.Context) {
	for {
		if c.stopping(ctx) {
			return
		}

		deliveries, err := c.connect()
		if err != nil {
			c.logger.Error("Broker connection failed, retrying", "error", err)
			select {
			case <-time.After(reconnectDelay):
				continue
			case <-ctx.Done():
				return
			case <-c.shutdownChan:
				return
			}
		}

		c.consume(ctx, deliveries)
		c.closeConnection()
	}
}

func (c *Consumer) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-c.shutdownChan:
		return true
	default:
		return false
	}
}

func (c *Consumer) connect() (<-chan amqp.Delivery, error) {
	conn, err := amqp.Dial(c.config.URL)
	if err != nil {
		return nil, err
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := channel.Qos(c.config.PrefetchCount, 0, false); err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}

	if _, err := channel.QueueDeclare(c.config.Queue, true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}

	deliveries, err := channel.Consume(c.config.Queue, "", false, false, false, false, nil)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = channel
	c.mu.Unlock()

	c.logger.Info("Connected to broker", "queue", c.config.Queue)
	return deliveries, nil
}

func (c *Consumer) closeConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Consumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdownChan:
			return
		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("Delivery channel closed, reconnecting")
				return
			}
			c.handleDelivery(ctx, delivery)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	start := time.Now()

	event, err := model.ParseEvent(delivery.Body)
	if err != nil {
		c.logger.Warn("Discarding malformed event", "error", err)
		if c.collector != nil {
			c.collector.RecordEventProcessed("malformed", time.Since(start))
		}
		// Malformed payloads will never parse; requeueing is pointless.
		if err := delivery.Ack(false); err != nil {
			c.logger.Error("Failed to ack malformed event", "error", err)
		}
		return
	}

	handleCtx, cancel := context.WithTimeout(ctx, handleTimeout)
	err = c.handler.HandleEvent(handleCtx, event)
	cancel()

	if err != nil {
		c.logger.Error("Event handling failed, requeueing",
			"event_id", event.EventID, "event_type", event.EventType, "error", err)
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Error("Failed to nack event", "event_id", event.EventID, "error", nackErr)
		}
		return
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("Failed to ack event", "event_id", event.EventID, "error", ackErr)
	}
}
