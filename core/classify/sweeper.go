package classify

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"

	"setu/core/store"
	"setu/core/utils"
)

const sweepBatch = 100

// Sweeper periodically resubmits pending reports whose last classification
// failed with a retryable error.
type Sweeper struct {
	reports     store.ReportsStore
	pool        *Pool
	spec        string
	maxAttempts int
	logger      *utils.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

func NewSweeper(reports store.ReportsStore, pool *Pool, spec string, maxAttempts int, logger *utils.Logger) *Sweeper {
	if spec == "" {
		spec = "@every 2m"
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Sweeper{reports: reports, pool: pool, spec: spec, maxAttempts: maxAttempts, logger: logger}
}

func (s *Sweeper) StartWithContext(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	c := cron.New()
	runCtx, cancel := context.WithCancel(ctx)
	if _, err := c.AddFunc(s.spec, func() { s.RunOnce(runCtx) }); err != nil {
		cancel()
		return err
	}
	c.Start()
	s.cron, s.cancel, s.running = c, cancel, true
	s.logger.Printf("classify sweeper scheduled %q", s.spec)
	return nil
}

func (s *Sweeper) StopWithContext(ctx context.Context) error {
	s.mu.Lock()
	c, cancel, wasRunning := s.cron, s.cancel, s.running
	s.cron, s.cancel, s.running = nil, nil, false
	s.mu.Unlock()
	if !wasRunning {
		return nil
	}
	cancel()
	stopped := c.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce submits one batch and returns how many reports were queued.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	ids, err := s.reports.ListPendingForRetry(ctx, s.maxAttempts, sweepBatch)
	if err != nil {
		s.logger.Errorf("classify sweep: %v", err)
		return 0
	}
	queued := 0
	for _, id := range ids {
		if s.pool.Submit(id) {
			queued++
		}
	}
	if queued > 0 {
		s.logger.Printf("classify sweep queued %d report(s)", queued)
	}
	return queued
}
