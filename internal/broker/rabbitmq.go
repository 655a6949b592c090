package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/claimscore/claims-event-relay/pkg/metrics"
)

const confirmTimeout = 10 * time.Second

// Message is one wire message: the partition key becomes the routing key so
// all events about the same entity land on the same ordered stream.
type Message struct {
	Key     string
	Value   []byte
	Headers map[string]string
}

// RabbitMQClient handles the low-level publishing side of the broker. Each
// event topic maps to a durable topic exchange declared on first use.
type RabbitMQClient struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	logger     *slog.Logger
	connClosed chan *amqp.Error
	chanClosed chan *amqp.Error
	closeOnce  sync.Once
	healthy    atomic.Bool
	declared   map[string]struct{}
	declaredMu sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewRabbitMQClient initializes a connection and a channel, enabling
// publisher confirms so a message is only reported sent after a broker ack.
func NewRabbitMQClient(url string, l *slog.Logger) (*RabbitMQClient, error) {
	c, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := c.Channel()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to activate publisher confirms: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &RabbitMQClient{
		conn:       c,
		channel:    ch,
		logger:     l,
		connClosed: make(chan *amqp.Error, 1),
		chanClosed: make(chan *amqp.Error, 1),
		declared:   make(map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}

	client.healthy.Store(true)
	metrics.HealthStatus.Set(1)

	client.conn.NotifyClose(client.connClosed)
	client.channel.NotifyClose(client.chanClosed)

	go func() {
		select {
		case err := <-client.connClosed:
			client.healthy.Store(false)
			metrics.HealthStatus.Set(0)
			l.Warn("RabbitMQ connection closed", "error", err)
		case err := <-client.chanClosed:
			client.healthy.Store(false)
			metrics.HealthStatus.Set(0)
			l.Warn("RabbitMQ channel closed", "error", err)
		case <-client.ctx.Done():
			return
		}
	}()

	l.Info("Connected to RabbitMQ, close monitors established", "url", url)
	return client, nil
}

// Publish sends a message to the topic's exchange and blocks until a
// confirmation (ack/nack) is received or the confirm window times out.
// A timeout is treated as a publish failure; the caller must not mark the
// record sent.
func (r *RabbitMQClient) Publish(ctx context.Context, topic string, msg Message) error {
	if !r.IsHealthy() {
		return fmt.Errorf("broker connection is closed")
	}

	if err := r.declareExchange(topic); err != nil {
		return err
	}

	deferred, err := r.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		topic,
		msg.Key,
		false,
		false,
		amqp.Publishing{
			Headers:      toAMQPTable(msg.Headers),
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         msg.Value,
		},
	)
	if err != nil {
		return fmt.Errorf("publish call failed: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			return fmt.Errorf("broker nack received: message not persisted")
		}
		return nil
	case <-time.After(confirmTimeout):
		return fmt.Errorf("publisher confirm timeout")
	}
}

func (r *RabbitMQClient) declareExchange(topic string) error {
	r.declaredMu.Lock()
	defer r.declaredMu.Unlock()

	if _, ok := r.declared[topic]; ok {
		return nil
	}

	if err := r.channel.ExchangeDeclare(topic, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", topic, err)
	}

	r.declared[topic] = struct{}{}
	return nil
}

// IsHealthy returns true if the connection and channel are active.
func (r *RabbitMQClient) IsHealthy() bool {
	return r.healthy.Load()
}

// Close gracefully shuts down the RabbitMQ resources.
func (r *RabbitMQClient) Close() error {
	r.closeOnce.Do(func() {
		r.logger.Info("Terminating RabbitMQ client")
		r.cancel()
		if r.channel != nil {
			r.channel.Close()
		}
		if r.conn != nil {
			r.conn.Close()
		}
	})
	return nil
}

func toAMQPTable(headers map[string]string) amqp.Table {
	if len(headers) == 0 {
		return nil
	}
	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		table[k] = v
	}
	return table
}
