package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/grievance-pipeline/internal/domain"
	"github.com/cuongbtq/grievance-pipeline/shared/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitTransport publishes job ids to a direct exchange using the queue
// class as routing key; each class has its own durable queue.
type RabbitTransport struct {
	client   *rabbitmq.Client
	queues   map[domain.QueueClass]string
	prefetch map[domain.QueueClass]int
	logger   *slog.Logger
}

// RabbitQueue names the AMQP queue and prefetch used for a class
type RabbitQueue struct {
	Name     string
	Prefetch int
}

// NewRabbitTransport wires a connected client to the per-class queues
func NewRabbitTransport(client *rabbitmq.Client, queues map[domain.QueueClass]RabbitQueue, logger *slog.Logger) *RabbitTransport {
	t := &RabbitTransport{
		client:   client,
		queues:   make(map[domain.QueueClass]string, len(queues)),
		prefetch: make(map[domain.QueueClass]int, len(queues)),
		logger:   logger,
	}
	for class, q := range queues {
		t.queues[class] = q.Name
		t.prefetch[class] = q.Prefetch
	}
	return t
}

func (t *RabbitTransport) Publish(ctx context.Context, class domain.QueueClass, jobID string) error {
	if _, ok := t.queues[class]; !ok {
		return &domain.UnknownQueueClassError{Class: string(class)}
	}

	body, err := json.Marshal(domain.JobMessage{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to marshal job message: %w", err)
	}

	return t.client.PublishWithRetry(ctx, string(class), body, "application/json")
}

func (t *RabbitTransport) Consume(ctx context.Context, class domain.QueueClass, consumerTag string) (<-chan Delivery, error) {
	queueName, ok := t.queues[class]
	if !ok {
		return nil, &domain.UnknownQueueClassError{Class: string(class)}
	}

	deliveries, err := t.client.Consume(queueName, consumerTag, t.prefetch[class])
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming %s: %w", queueName, err)
	}

	out := make(chan Delivery)
	go t.forward(ctx, class, deliveries, out)
	return out, nil
}

// forward parses raw deliveries; malformed messages are rejected without requeue
func (t *RabbitTransport) forward(ctx context.Context, class domain.QueueClass, deliveries <-chan amqp.Delivery, out chan<- Delivery) {
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				t.logger.Warn("RabbitMQ delivery channel closed",
					slog.String("queue_class", string(class)),
				)
				return
			}

			var msg domain.JobMessage
			if err := json.Unmarshal(delivery.Body, &msg); err != nil {
				t.logger.Error("Failed to parse message JSON",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					t.logger.Error("Failed to NACK malformed message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			if _, err := uuid.Parse(msg.JobID); err != nil {
				t.logger.Error("Invalid job_id format - not a UUID",
					slog.String("job_id", msg.JobID),
					slog.String("error", err.Error()),
				)
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					t.logger.Error("Failed to NACK message with invalid job_id",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			d := delivery
			item := NewDelivery(msg.JobID, class,
				func() error { return d.Ack(false) },
				func(requeue bool) error { return d.Nack(false, requeue) },
			)

			select {
			case out <- item:
			case <-ctx.Done():
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					t.logger.Error("Failed to NACK message on shutdown",
						slog.String("error", nackErr.Error()),
					)
				}
				return
			}
		}
	}
}

func (t *RabbitTransport) Close() error {
	return t.client.Close()
}
