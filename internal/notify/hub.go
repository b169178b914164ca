package notify

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/cuongbtq/grievance-pipeline/internal/domain"
	"github.com/google/uuid"
)

// AllKeys subscribes to messages for every correlation key
const AllKeys = "*"

// Subscription receives messages published for one correlation key
type Subscription struct {
	ID  string
	Key string

	out  chan domain.StatusMessage
	once sync.Once
}

// C returns the receive side of the subscription. It is closed on Unsubscribe.
func (s *Subscription) C() <-chan domain.StatusMessage {
	return s.out
}

// Hub fans status messages out to subscribers by correlation key.
// Delivery is best effort: a subscriber whose buffer is full misses the message.
type Hub struct {
	mu            sync.RWMutex
	logger        *slog.Logger
	buffer        int
	subscriptions map[string]map[*Subscription]struct{}
}

// NewHub creates a hub whose subscriber buffers hold buffer messages
func NewHub(logger *slog.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{
		logger:        logger.With(slog.String("component", "notify_hub")),
		buffer:        buffer,
		subscriptions: make(map[string]map[*Subscription]struct{}),
	}
}

func (h *Hub) Subscribe(key string) *Subscription {
	key = strings.TrimSpace(key)
	sub := &Subscription{
		ID:  uuid.NewString(),
		Key: key,
		out: make(chan domain.StatusMessage, h.buffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscriptions[key]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.subscriptions[key] = subs
	}
	subs[sub] = struct{}{}

	h.logger.Debug("Subscriber added",
		slog.String("subscription_id", sub.ID),
		slog.String("correlation_key", key),
	)
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	if subs, ok := h.subscriptions[sub.Key]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subscriptions, sub.Key)
		}
	}
	h.mu.Unlock()

	sub.once.Do(func() { close(sub.out) })
}

// Publish delivers msg to every subscriber of its correlation key and to
// AllKeys subscribers. It never blocks and never fails.
func (h *Hub) Publish(_ context.Context, msg domain.StatusMessage) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if msg.CorrelationKey != "" {
		h.deliver(h.subscriptions[msg.CorrelationKey], msg)
	}
	h.deliver(h.subscriptions[AllKeys], msg)
	return nil
}

func (h *Hub) deliver(subs map[*Subscription]struct{}, msg domain.StatusMessage) {
	for sub := range subs {
		select {
		case sub.out <- msg:
		default:
			h.logger.Warn("Dropping status message; subscriber buffer full",
				slog.String("subscription_id", sub.ID),
				slog.String("job_id", msg.JobID),
			)
		}
	}
}

// Subscribers reports how many subscriptions are registered for key
func (h *Hub) Subscribers(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions[key])
}
