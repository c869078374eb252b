package bus

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitConfig configures the rabbit transport.
type RabbitConfig struct {
	URL      string
	Exchange string
	Queue    string
}

// RabbitPublisher publishes persistent messages to a durable queue.
type RabbitPublisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	cfg     RabbitConfig
}

// NewRabbitPublisher connects and declares the queue.
func NewRabbitPublisher(cfg RabbitConfig) (*RabbitPublisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rabbit url is required")
	}
	if cfg.Queue == "" {
		return nil, fmt.Errorf("rabbit queue is required")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbit dial: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbit channel: %w", err)
	}
	if _, err := channel.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbit queue declare: %w", err)
	}

	return &RabbitPublisher{conn: conn, channel: channel, cfg: cfg}, nil
}

func (p *RabbitPublisher) Publish(ctx context.Context, msg Message) error {
	err := p.channel.PublishWithContext(ctx, p.cfg.Exchange, p.cfg.Queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.Key,
		Body:         msg.Value,
	})
	if err != nil {
		return fmt.Errorf("rabbit publish: %w", err)
	}
	return nil
}

func (p *RabbitPublisher) Close() error {
	_ = p.channel.Close()
	return p.conn.Close()
}

// RabbitConsumer consumes from a durable queue with manual
// acknowledgement, giving at-least-once delivery.
type RabbitConsumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	cfg     RabbitConfig
}

// NewRabbitConsumer connects and declares the queue.
func NewRabbitConsumer(cfg RabbitConfig) (*RabbitConsumer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rabbit url is required")
	}
	if cfg.Queue == "" {
		return nil, fmt.Errorf("rabbit queue is required")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbit dial: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbit channel: %w", err)
	}
	if _, err := channel.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbit queue declare: %w", err)
	}

	return &RabbitConsumer{conn: conn, channel: channel, cfg: cfg}, nil
}

func (c *RabbitConsumer) Consume(ctx context.Context, handler Handler) error {
	deliveries, err := c.channel.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbit consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("rabbit delivery channel closed")
			}
			msg := Message{Key: d.MessageId, Value: d.Body}
			if err := handler(ctx, msg); err != nil {
				// Requeue for redelivery.
				_ = d.Nack(false, true)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (c *RabbitConsumer) Close() error {
	_ = c.channel.Close()
	return c.conn.Close()
}
