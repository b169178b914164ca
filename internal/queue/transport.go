package queue

import (
	"context"

	"github.com/cuongbtq/grievance-pipeline/internal/domain"
)

// Transport moves job ids from the broker to the worker pool bound to a
// queue class. Messages carry only the id; the store holds the record.
type Transport interface {
	Publish(ctx context.Context, class domain.QueueClass, jobID string) error
	Consume(ctx context.Context, class domain.QueueClass, consumerTag string) (<-chan Delivery, error)
	Close() error
}

// Delivery is one received job id with its acknowledgement hooks
type Delivery struct {
	JobID string
	Class domain.QueueClass

	ack  func() error
	nack func(requeue bool) error
}

// NewDelivery builds a Delivery from transport-specific ack/nack functions
func NewDelivery(jobID string, class domain.QueueClass, ack func() error, nack func(requeue bool) error) Delivery {
	return Delivery{JobID: jobID, Class: class, ack: ack, nack: nack}
}

// Ack confirms the delivery was handled
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack rejects the delivery, optionally handing it back to the queue
func (d Delivery) Nack(requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}
