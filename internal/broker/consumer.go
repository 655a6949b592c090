package broker

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery is one received message as seen by a handler.
type Delivery struct {
	Topic   string
	Key     string
	Body    []byte
	Headers map[string]string
}

// Handler processes one delivery. A nil return acks the message; an error
// nacks it back onto the queue. Handlers that capture failures into the DLQ
// should return nil so the DLQ owns the retry cycle.
type Handler func(ctx context.Context, d Delivery) error

// RabbitMQConsumer manages the connection and message flow from the broker
// for one consumer group.
type RabbitMQConsumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	group   string
	topics  []string
	logger  *slog.Logger
}

// NewRabbitMQConsumer initializes the consumer. Prefetch 1 keeps processing
// strictly ordered within the group's queue.
func NewRabbitMQConsumer(url, group string, topics []string, logger *slog.Logger) (*RabbitMQConsumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	return &RabbitMQConsumer{
		conn:    conn,
		channel: ch,
		group:   group,
		topics:  topics,
		logger:  logger,
	}, nil
}

// Listen declares the group queue, binds it to every subscribed topic
// exchange and runs the consumption loop until ctx is canceled or the
// channel dies.
func (c *RabbitMQConsumer) Listen(ctx context.Context, handler Handler) error {
	queueName := c.group

	q, err := c.channel.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	for _, topic := range c.topics {
		if err := c.channel.ExchangeDeclare(topic, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", topic, err)
		}
		if err := c.channel.QueueBind(q.Name, "#", topic, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue to %s: %w", topic, err)
		}
	}

	msgs, err := c.channel.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer is online and waiting for messages", "queue", q.Name, "topics", c.topics)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}

			delivery := Delivery{
				Topic:   d.Exchange,
				Key:     d.RoutingKey,
				Body:    d.Body,
				Headers: fromAMQPTable(d.Headers),
			}

			if err := handler(ctx, delivery); err != nil {
				c.logger.Error("Processing failed, requeueing", "topic", delivery.Topic, "error", err)
				d.Nack(false, true)
				continue
			}

			if err := d.Ack(false); err != nil {
				c.logger.Error("Failed to ack message", "topic", delivery.Topic, "error", err)
			}
		}
	}
}

// Close gracefully terminates RabbitMQ resources.
func (c *RabbitMQConsumer) Close() {
	c.logger.Info("Shutting down RabbitMQ consumer")
	c.channel.Close()
	c.conn.Close()
}

func fromAMQPTable(table amqp.Table) map[string]string {
	if len(table) == 0 {
		return nil
	}
	headers := make(map[string]string, len(table))
	for k, v := range table {
		headers[k] = fmt.Sprint(v)
	}
	return headers
}
