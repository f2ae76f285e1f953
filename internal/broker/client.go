// Package broker wraps a durable AMQP-style broker (RabbitMQ) behind the
// publish/consume contract spec.md §4.1 describes: a single direct exchange
// with three routing keys bound to same-named durable queues, persistent
// mandatory publishes, and per-consumer prefetch=1 for natural back-pressure.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Routing keys / queue names (spec.md §6). Queue names are the routing key
// plus the "_queue" suffix; the binding uses the routing key verbatim.
const (
	Exchange           = "pns_exchange"
	RoutingPreProcess  = "pns_pre_processing"
	RoutingAPNS        = "pns_apns"
	RoutingGCM         = "pns_gcm"
)

func queueName(routingKey string) string {
	return routingKey + "_queue"
}

// Config holds the connection parameters for the broker client.
type Config struct {
	URL       string
	Heartbeat time.Duration
}

// Client owns a single AMQP connection/channel pair and the topology
// (exchange + three queues) the pipeline depends on. It is safe for
// concurrent Publish calls; Consume is meant to be called once per queue
// from a single long-running goroutine (spec.md §5: single-threaded
// cooperative consumer per process).
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// New dials the broker, declares the exchange and the three durable queues,
// and binds them. It fails fast if the initial connection cannot be made.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	c := &Client{
		cfg:    cfg,
		logger: logger.With("component", "broker"),
	}
	if err := c.connect(ctx); err != nil {
		return nil, fmt.Errorf("broker: initial connect failed: %w", err)
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{Heartbeat: c.cfg.Heartbeat})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(Exchange, "direct", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	for _, rk := range []string{RoutingPreProcess, RoutingAPNS, RoutingGCM} {
		q := queueName(rk)
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
		if err := ch.QueueBind(q, rk, Exchange, false, nil); err != nil {
			_ = conn.Close()
			return fmt.Errorf("bind queue %s: %w", q, err)
		}
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("set qos: %w", err)
	}

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = conn
	c.ch = ch
	c.mu.Unlock()
	return nil
}

// Publish sends body on routingKey as a persistent, mandatory message. On a
// transient connection loss it reconnects and retries exactly once; a
// failure after that retry surfaces ErrBrokerUnavailable (spec.md §4.1, §7).
func (c *Client) Publish(ctx context.Context, routingKey string, body []byte) error {
	err := c.tryPublish(ctx, routingKey, body)
	if err == nil {
		return nil
	}
	c.logger.Warn("publish failed, reconnecting and retrying once", "routing_key", routingKey, "err", err)

	boff := backoff.NewExponentialBackOff()
	boff.MaxElapsedTime = 5 * time.Second
	reconnectErr := backoff.Retry(func() error {
		return c.connect(ctx)
	}, backoff.WithContext(boff, ctx))
	if reconnectErr != nil {
		return fmt.Errorf("%w: reconnect failed: %v", ErrBrokerUnavailable, reconnectErr)
	}

	if err := c.tryPublish(ctx, routingKey, body); err != nil {
		return fmt.Errorf("%w: retry failed: %v", ErrBrokerUnavailable, err)
	}
	return nil
}

func (c *Client) tryPublish(ctx context.Context, routingKey string, body []byte) error {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("no channel")
	}
	return ch.PublishWithContext(ctx, Exchange, routingKey, true, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// Outcome is the handler's verdict for one delivered message.
type Outcome int

const (
	// Ack acknowledges successful processing.
	Ack Outcome = iota
	// NackNoRequeue signals a poison message: reject without requeueing.
	NackNoRequeue
)

// Handler processes one queue delivery and returns the ack/nack verdict.
type Handler func(ctx context.Context, body []byte) Outcome

// Consume runs handler serially over queue's deliveries until ctx is
// cancelled. prefetch=1 (set at connect time) means exactly one delivery is
// outstanding at a time, so handler invocations never overlap.
func (c *Client) Consume(ctx context.Context, routingKey string, handler Handler) error {
	queue := queueName(routingKey)
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("broker: no channel")
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("broker: delivery channel closed for %s", queue)
			}
			switch handler(ctx, d.Body) {
			case Ack:
				if err := d.Ack(false); err != nil {
					c.logger.Error("ack failed", "queue", queue, "err", err)
				}
			case NackNoRequeue:
				if err := d.Nack(false, false); err != nil {
					c.logger.Error("nack failed", "queue", queue, "err", err)
				}
			}
		}
	}
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
