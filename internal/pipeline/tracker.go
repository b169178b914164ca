package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cuongbtq/grievance-pipeline/internal/poller"
	"github.com/cuongbtq/grievance-pipeline/internal/synchronizer"
)

// Tracker runs the push listener and the fallback poller for a session
// until nothing is pending for it. Both feed the same idempotent merge.
type Tracker struct {
	syncer *synchronizer.Synchronizer
	poller *poller.Poller
	hub    synchronizer.Subscriber
	logger *slog.Logger

	mu      sync.Mutex
	active  map[string]context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

func NewTracker(syncer *synchronizer.Synchronizer, p *poller.Poller, hub synchronizer.Subscriber, logger *slog.Logger) *Tracker {
	return &Tracker{
		syncer: syncer,
		poller: p,
		hub:    hub,
		logger: logger.With(slog.String("component", "tracker")),
		active: make(map[string]context.CancelFunc),
	}
}

// Track starts tracking key under ctx. It returns false if key is already
// tracked or the tracker is stopped.
func (t *Tracker) Track(ctx context.Context, key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.active[key]; ok || t.stopped {
		return false
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.active[key] = cancel
	t.wg.Add(1)

	go func() {
		defer t.wg.Done()

		t.run(runCtx, key)
		cancel()
		t.forget(key)

		// a submission registered after the last poll read would otherwise go untracked
		if ctx.Err() == nil && t.pending(ctx, key) {
			t.Track(ctx, key)
		}
	}()
	return true
}

func (t *Tracker) run(ctx context.Context, key string) {
	if t.hub != nil {
		go func() { _ = t.syncer.Listen(ctx, t.hub, key) }()
	}

	t.logger.Debug("Tracking session", slog.String("correlation_key", key))
	if err := t.poller.Run(ctx, key); err != nil {
		t.logger.Warn("Poller stopped with error",
			slog.String("correlation_key", key),
			slog.Any("error", err),
		)
	}
}

func (t *Tracker) pending(ctx context.Context, key string) bool {
	c, err := t.syncer.Correlation(ctx, key)
	if err != nil {
		return false
	}
	return len(c.PendingJobIDs) > 0
}

// Tracking reports whether key has an active tracker
func (t *Tracker) Tracking(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[key]
	return ok
}

// Stop cancels every tracker and waits for them to exit
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.stopped = true
	for _, cancel := range t.active {
		cancel()
	}
	t.mu.Unlock()
	t.wg.Wait()
}

func (t *Tracker) forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, key)
}
