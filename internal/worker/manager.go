package worker

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/grievance-pipeline/internal/queue"
	"golang.org/x/sync/errgroup"
)

// Manager owns the pools of every queue class plus the sweeper and scheduler
type Manager struct {
	logger    *slog.Logger
	pools     []*Pool
	sweeper   *Sweeper
	scheduler queue.Scheduler
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
}

func NewManager(logger *slog.Logger, pools []*Pool, sweeper *Sweeper, scheduler queue.Scheduler) *Manager {
	return &Manager{
		logger:    logger,
		pools:     pools,
		sweeper:   sweeper,
		scheduler: scheduler,
	}
}

// Start launches every component in the background
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	for _, pool := range m.pools {
		g.Go(func() error { return pool.Start(gctx) })
	}
	if m.sweeper != nil {
		g.Go(func() error { return m.sweeper.Run(gctx) })
	}
	if m.scheduler != nil {
		g.Go(func() error { return m.scheduler.Run(gctx) })
	}

	m.logger.Info("Worker manager started", slog.Int("pools", len(m.pools)))

	go func() {
		m.err = g.Wait()
		close(m.done)
	}()
}

// Wait blocks until every component has returned
func (m *Manager) Wait() error {
	if m.done == nil {
		return nil
	}
	<-m.done
	return m.err
}

// Stop cancels all components and waits for in-flight jobs
func (m *Manager) Stop() error {
	if m.cancel == nil {
		return nil
	}
	m.logger.Info("Stopping worker manager...")
	m.cancel()
	err := m.Wait()
	m.logger.Info("Worker manager stopped")
	return err
}
