package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"im-gateway/internal/config"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/prometheus/client_golang/prometheus"
)

// Delivery outcomes for the messages counter.
const (
	ResultOK     = "ok"
	ResultPoison = "poison"
)

const (
	reconnectBase = time.Second
	reconnectCap  = 30 * time.Second
	consumerTag   = "im-gateway-consumer"
)

var errDeliveriesClosed = errors.New("broker: delivery channel closed")

// errorPublisher is the slice of *amqp.Channel the poison path needs.
type errorPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Consumer pulls messages from this node's queue (named by broker_id),
// hands each decoded message to the Dispatcher, and acks after dispatch.
// Dispatches run synchronously on the consume loop, which preserves
// receipt order per user; Qos bounds the in-flight window.
type Consumer struct {
	cfg        config.BrokerConfig
	queue      string
	prefetch   int
	dispatcher Dispatcher
	messages   *prometheus.CounterVec
	log        *slog.Logger
}

// NewConsumer builds a consumer for the queue named by brokerID.
func NewConsumer(cfg config.BrokerConfig, brokerID string, prefetch int, dispatcher Dispatcher, messages *prometheus.CounterVec, log *slog.Logger) *Consumer {
	return &Consumer{
		cfg:        cfg,
		queue:      brokerID,
		prefetch:   prefetch,
		dispatcher: dispatcher,
		messages:   messages,
		log:        log,
	}
}

// Run consumes until ctx is cancelled, reconnecting with capped exponential
// backoff on any broker failure. Broker errors never propagate beyond this
// loop; the gateway keeps serving its local sessions without a broker.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := reconnectBase
	for {
		connected, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = reconnectBase
		}
		c.log.Error("broker consumer disconnected", "queue", c.queue, "err", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
}

// nextBackoff doubles up to the cap.
func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > reconnectCap {
		return reconnectCap
	}
	return next
}

// runOnce dials, provisions the topology, and consumes until the
// connection dies or ctx is cancelled. The bool reports whether the
// connection was established (used to reset the backoff).
func (c *Consumer) runOnce(ctx context.Context) (bool, error) {
	dialURL, err := amqpURL(c.cfg)
	if err != nil {
		return false, err
	}

	conn, err := amqp.Dial(dialURL)
	if err != nil {
		return false, fmt.Errorf("broker: dial: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.log.Debug("broker connection close", "err", err)
		}
	}()

	// Unblock the blocking delivery loop on shutdown. The watcher is tied
	// to this connection's lifetime so reconnects do not accumulate
	// goroutines.
	connDone := make(chan struct{})
	defer close(connDone)
	go watchShutdown(ctx, connDone, conn)

	ch, err := conn.Channel()
	if err != nil {
		return true, fmt.Errorf("broker: open channel: %w", err)
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return true, fmt.Errorf("broker: set prefetch: %w", err)
	}
	if err := c.declareTopology(ch); err != nil {
		return true, err
	}

	deliveries, err := ch.Consume(c.queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return true, fmt.Errorf("broker: consume %s: %w", c.queue, err)
	}
	c.log.Info("broker consumer started", "queue", c.queue, "prefetch", c.prefetch)

	for d := range deliveries {
		c.handle(ctx, ch, d)
	}
	return true, errDeliveriesClosed
}

// declareTopology mirrors the upstream provisioning: a durable direct
// exchange, this node's exclusive auto-delete queue bound by its own name,
// and a durable error queue for poison payloads.
func (c *Consumer) declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(c.cfg.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare exchange %s: %w", c.cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(c.queue, false, true, true, false, nil); err != nil {
		return fmt.Errorf("broker: declare queue %s: %w", c.queue, err)
	}
	if err := ch.QueueBind(c.queue, c.queue, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("broker: bind queue %s: %w", c.queue, err)
	}
	if _, err := ch.QueueDeclare(c.cfg.ErrorQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare error queue %s: %w", c.cfg.ErrorQueue, err)
	}
	if err := ch.QueueBind(c.cfg.ErrorQueue, c.cfg.ErrorQueue, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("broker: bind error queue %s: %w", c.cfg.ErrorQueue, err)
	}
	return nil
}

// handle processes one delivery. Poison messages are republished to the
// error queue and acked so they never block the queue; a failed ack is
// logged and the message will be redelivered.
func (c *Consumer) handle(ctx context.Context, ch errorPublisher, d amqp.Delivery) {
	msg, err := Decode(d.Body)
	if err == nil {
		err = c.dispatcher.Dispatch(ctx, msg)
	}

	if err != nil {
		c.messages.WithLabelValues(ResultPoison).Inc()
		c.log.Error("dropping poison broker message", "queue", c.queue, "err", err)
		if pubErr := ch.PublishWithContext(ctx, c.cfg.Exchange, c.cfg.ErrorQueue, false, false, amqp.Publishing{
			ContentType: "application/json",
			Body:        d.Body,
		}); pubErr != nil {
			c.log.Warn("error-queue publish failed", "err", pubErr)
		}
	} else {
		c.messages.WithLabelValues(ResultOK).Inc()
	}

	if ackErr := d.Ack(false); ackErr != nil {
		c.log.Error("ack failed", "queue", c.queue, "err", ackErr)
	}
}

// watchShutdown closes conn when ctx is cancelled, which unblocks the
// delivery loop. It exits as soon as the connection it watches is torn
// down, whichever comes first.
func watchShutdown(ctx context.Context, connDone <-chan struct{}, conn io.Closer) {
	select {
	case <-ctx.Done():
		_ = conn.Close()
	case <-connDone:
	}
}

// amqpURL merges broker.credentials ("user:pass") into broker.endpoint.
func amqpURL(cfg config.BrokerConfig) (string, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("broker: parse endpoint: %w", err)
	}
	if cfg.Credentials != "" {
		user, pass, found := strings.Cut(cfg.Credentials, ":")
		if found {
			u.User = url.UserPassword(user, pass)
		} else {
			u.User = url.User(user)
		}
	}
	return u.String(), nil
}
