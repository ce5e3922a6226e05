package live

import (
	"context"
	"sync"

	"setu/core/utils"
)

// Subscription delivers the latest snapshot of a query. C holds at most one
// value; an unread snapshot is replaced by a newer one.
type Subscription[T any] struct {
	C      <-chan T
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Done is closed after the subscription has released its resources.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

// Watch runs query now and again after every event on topic, pushing results
// whose signature differs from the last one sent. It ends on Close or when ctx
// is cancelled.
func Watch[T any](ctx context.Context, h *Hub, topic Topic, query func(context.Context) (T, error), signature func(T) string, logger *utils.Logger) (*Subscription[T], error) {
	// Listen before the first query so a change published while it runs
	// still triggers a re-query.
	listener := h.Listen(topic)
	first, err := query(ctx)
	if err != nil {
		listener.Close()
		return nil, err
	}
	out := make(chan T, 1)
	out <- first
	last := signature(first)

	wctx, cancel := context.WithCancel(ctx)
	sub := &Subscription[T]{C: out, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		defer close(out)
		defer listener.Close()
		for {
			select {
			case <-wctx.Done():
				return
			case _, ok := <-listener.C:
				if !ok {
					return
				}
				next, err := query(wctx)
				if err != nil {
					if wctx.Err() != nil {
						return
					}
					logger.Errorf("live: %s query failed: %v", topic, err)
					continue
				}
				sig := signature(next)
				if sig == last {
					continue
				}
				last = sig
				replaceLatest(out, next)
			}
		}
	}()
	return sub, nil
}

func replaceLatest[T any](out chan T, v T) {
	select {
	case out <- v:
		return
	default:
	}
	select {
	case <-out:
	default:
	}
	out <- v
}
