package router

import (
	"context"
	"sync"
	"time"

	"github.com/rmacdonaldsmith/meshrouter/pkg/router"
)

// scheduler runs deliveries on a fixed pool of workers. Delayed deliveries
// wait on a timer and join the queue when it fires.
type scheduler struct {
	jobs    chan *delivery
	quit    chan struct{}
	workers sync.WaitGroup

	mu     sync.Mutex
	timers map[*delivery]*time.Timer
	closed bool

	// firing counts timer callbacks between the closed check and the queue
	firing sync.WaitGroup
}

func newScheduler(queueSize int) *scheduler {
	return &scheduler{
		jobs:   make(chan *delivery, queueSize),
		quit:   make(chan struct{}),
		timers: make(map[*delivery]*time.Timer),
	}
}

// start launches n workers calling process for every delivery.
func (s *scheduler) start(n int, process func(*delivery)) {
	for i := 0; i < n; i++ {
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			for {
				select {
				case <-s.quit:
					return
				case d := <-s.jobs:
					process(d)
				}
			}
		}()
	}
}

// enqueue blocks while the queue is full.
func (s *scheduler) enqueue(ctx context.Context, d *delivery) error {
	select {
	case <-s.quit:
		return router.ErrShutdown
	default:
	}
	select {
	case s.jobs <- d:
		return nil
	case <-s.quit:
		return router.ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// schedule enqueues d once delay has passed.
func (s *scheduler) schedule(d *delivery, delay time.Duration, onShutdown func(*delivery)) error {
	if delay <= 0 {
		return s.enqueue(context.Background(), d)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return router.ErrShutdown
	}
	s.timers[d] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, d)
		if s.closed {
			s.mu.Unlock()
			onShutdown(d)
			return
		}
		s.firing.Add(1)
		s.mu.Unlock()

		defer s.firing.Done()
		if err := s.enqueue(context.Background(), d); err != nil {
			onShutdown(d)
		}
	})
	return nil
}

// stop cancels pending timers and waits for the workers. It returns the
// deliveries that were still waiting, either on a timer or in the queue.
func (s *scheduler) stop(ctx context.Context) ([]*delivery, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil
	}
	s.closed = true
	var abandoned []*delivery
	for d, timer := range s.timers {
		if timer.Stop() {
			abandoned = append(abandoned, d)
		}
	}
	s.timers = make(map[*delivery]*time.Timer)
	close(s.quit)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		s.firing.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return abandoned, ctx.Err()
	}

	for {
		select {
		case d := <-s.jobs:
			abandoned = append(abandoned, d)
		default:
			return abandoned, nil
		}
	}
}
