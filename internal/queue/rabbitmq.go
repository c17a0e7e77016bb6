package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQ owns the broker connection shared by publishers and consumers
type RabbitMQ struct {
	Conn *amqp.Connection
}

// Dial connects to the broker at url
func Dial(url string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to rabbitmq: %w", err)
	}
	return &RabbitMQ{Conn: conn}, nil
}

// Close closes the connection and every channel opened on it
func (r *RabbitMQ) Close() error {
	if err := r.Conn.Close(); err != nil {
		return fmt.Errorf("closing rabbitmq connection: %w", err)
	}
	return nil
}

// DeadLetterQueue names the queue that rejected jobs are routed to
func DeadLetterQueue(queueName string) string {
	return queueName + ".dlq"
}

// declareTopology declares the work queue and its dead-letter queue
func declareTopology(ch *amqp.Channel, queueName string) error {
	dlq := DeadLetterQueue(queueName)
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %s: %w", dlq, err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, args); err != nil {
		return fmt.Errorf("declaring queue %s: %w", queueName, err)
	}
	return nil
}

// RabbitPublisher publishes persistent JSON messages to the work queue
type RabbitPublisher struct {
	mu        sync.Mutex
	ch        *amqp.Channel
	queueName string
}

// NewPublisher opens a channel and declares the queues
func NewPublisher(r *RabbitMQ, queueName string) (*RabbitPublisher, error) {
	ch, err := r.Conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening publisher channel: %w", err)
	}
	if err := declareTopology(ch, queueName); err != nil {
		ch.Close()
		return nil, err
	}
	slog.Info("Declared queues", "queue", queueName, "dlq", DeadLetterQueue(queueName))

	return &RabbitPublisher{ch: ch, queueName: queueName}, nil
}

// Publish sends body to the work queue. AMQP channels are not safe for
// concurrent use, so publishes are serialized.
func (p *RabbitPublisher) Publish(ctx context.Context, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.ch.PublishWithContext(ctx, "", p.queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
	})
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", p.queueName, err)
	}
	return nil
}

// Close closes the publisher channel
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.Close()
}

// RabbitConsumer delivers messages from the work queue with manual acks
type RabbitConsumer struct {
	ch        *amqp.Channel
	queueName string
	tag       string
}

// NewConsumer opens a channel, declares the queues and limits unacked deliveries to prefetch
func NewConsumer(r *RabbitMQ, queueName, tag string, prefetch int) (*RabbitConsumer, error) {
	ch, err := r.Conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening consumer channel: %w", err)
	}
	if err := declareTopology(ch, queueName); err != nil {
		ch.Close()
		return nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("setting qos: %w", err)
	}

	return &RabbitConsumer{ch: ch, queueName: queueName, tag: tag}, nil
}

// Consume starts the delivery stream. The returned channel closes when ctx is
// done or the broker closes the channel.
func (c *RabbitConsumer) Consume(ctx context.Context) (<-chan Message, error) {
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.queueName, c.tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consuming from %s: %w", c.queueName, err)
	}

	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				msg := NewMessage(d.Body, d.Redelivered,
					func() error { return d.Ack(false) },
					func(requeue bool) error { return d.Nack(false, requeue) },
				)
				select {
				case out <- msg:
				case <-ctx.Done():
					// Unhandled deliveries go back to the queue.
					_ = d.Nack(false, true)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Close closes the consumer channel
func (c *RabbitConsumer) Close() error {
	return c.ch.Close()
}
