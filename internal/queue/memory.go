package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cuongbtq/grievance-pipeline/internal/domain"
)

// ErrTransportClosed is returned after Close
var ErrTransportClosed = errors.New("transport closed")

// MemoryTransport is an in-process Transport backed by buffered channels.
// Consumers of the same class compete for messages.
type MemoryTransport struct {
	mu     sync.RWMutex
	queues map[domain.QueueClass]chan string
	size   int
	closed bool
}

// NewMemoryTransport creates a transport whose per-class buffers hold size ids
func NewMemoryTransport(size int) *MemoryTransport {
	if size <= 0 {
		size = 1024
	}
	return &MemoryTransport{
		queues: make(map[domain.QueueClass]chan string),
		size:   size,
	}
}

func (t *MemoryTransport) queue(class domain.QueueClass) (chan string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransportClosed
	}
	q, ok := t.queues[class]
	if !ok {
		q = make(chan string, t.size)
		t.queues[class] = q
	}
	return q, nil
}

func (t *MemoryTransport) Publish(ctx context.Context, class domain.QueueClass, jobID string) error {
	q, err := t.queue(class)
	if err != nil {
		return err
	}
	select {
	case q <- jobID:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish %s to %s: %w", jobID, class, ctx.Err())
	}
}

func (t *MemoryTransport) Consume(ctx context.Context, class domain.QueueClass, _ string) (<-chan Delivery, error) {
	q, err := t.queue(class)
	if err != nil {
		return nil, err
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case id := <-q:
				d := NewDelivery(id, class,
					func() error { return nil },
					func(requeue bool) error {
						if !requeue {
							return nil
						}
						go func() { _ = t.Publish(context.Background(), class, id) }()
						return nil
					},
				)
				select {
				case out <- d:
				case <-ctx.Done():
					// hand the id back so another consumer can take it
					go func() { _ = t.Publish(context.Background(), class, id) }()
					return
				}
			}
		}
	}()
	return out, nil
}

// Len reports how many ids are buffered for class
func (t *MemoryTransport) Len(class domain.QueueClass) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.queues[class])
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
