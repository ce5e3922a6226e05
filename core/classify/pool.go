package classify

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"setu/core/utils"
)

// Pool runs verifications on a fixed number of workers. Submissions never
// block: when the queue is full the report stays pending and the sweeper
// picks it up later.
type Pool struct {
	verify  func(ctx context.Context, reportID string) error
	workers int
	logger  *utils.Logger

	mu       sync.Mutex
	queue    chan string
	inflight map[string]struct{}
	cancel   context.CancelFunc
	group    *errgroup.Group
}

func NewPool(verify func(ctx context.Context, reportID string) error, workers, queueSize int, logger *utils.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 16
	}
	return &Pool{
		verify:   verify,
		workers:  workers,
		logger:   logger,
		queue:    make(chan string, queueSize),
		inflight: map[string]struct{}{},
	}
}

func (p *Pool) StartWithContext(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.group != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case id := <-p.queue:
					if err := p.verify(gctx, id); err != nil && gctx.Err() == nil {
						p.logger.Debugf("verify %s: %v", id, err)
					}
					p.done(id)
				}
			}
		})
	}
	p.cancel = cancel
	p.group = g
}

// Submit queues a report unless it is already queued or running.
func (p *Pool) Submit(reportID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[reportID]; ok {
		return false
	}
	select {
	case p.queue <- reportID:
		p.inflight[reportID] = struct{}{}
		return true
	default:
		return false
	}
}

func (p *Pool) done(reportID string) {
	p.mu.Lock()
	delete(p.inflight, reportID)
	p.mu.Unlock()
}

func (p *Pool) StopWithContext(ctx context.Context) error {
	p.mu.Lock()
	cancel, g := p.cancel, p.group
	p.cancel, p.group = nil, nil
	p.mu.Unlock()
	if g == nil {
		return nil
	}
	cancel()
	waitDone := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
