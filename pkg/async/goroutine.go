package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/hookd/pkg/observability"
	"github.com/sirupsen/logrus"
)

var (
	// ErrPoolClosed is returned when submitting to a pool that is shutting down
	ErrPoolClosed = errors.New("worker pool shut down")
	// ErrPoolFull is returned by TrySubmit when the queue has no free slot
	ErrPoolFull = errors.New("worker pool queue full")
)

// Task is a unit of work run by the pool with a per-task timeout context
type Task func(ctx context.Context) error

// WorkerPool runs tasks on a fixed number of goroutines fed by a bounded queue.
// Task errors and panics are logged and never stop a worker.
type WorkerPool struct {
	name    string
	timeout time.Duration
	logger  logrus.FieldLogger

	queue  chan Task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool starts workers goroutines reading from a queue of queueSize.
//
// Example:
//
//	pool := async.NewWorkerPool(ctx, 8, 256, "delivery dispatch", 45*time.Second, logger)
//	defer pool.Shutdown(5 * time.Second)
//
//	pool.TrySubmit(func(ctx context.Context) error {
//	    _, err := engine.Attempt(ctx, tenantID, deliveryID)
//	    return err
//	})
func NewWorkerPool(ctx context.Context, workers, queueSize int, name string, timeout time.Duration, logger logrus.FieldLogger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < workers {
		queueSize = workers * 2
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(ctx)

	p := &WorkerPool{
		name:    name,
		timeout: timeout,
		logger:  logger.WithField("pool", name),
		queue:   make(chan Task, queueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// Submit queues a task, blocking while the queue is full
func (p *WorkerPool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.queue <- task:
		return nil
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// TrySubmit queues a task without blocking
func (p *WorkerPool) TrySubmit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.queue <- task:
		return nil
	default:
		return ErrPoolFull
	}
}

// Pending returns the number of queued tasks not yet picked up
func (p *WorkerPool) Pending() int {
	return len(p.queue)
}

// Shutdown stops accepting tasks and waits up to timeout for queued tasks to
// drain. Running tasks are cancelled when the timeout is reached.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-time.After(timeout):
		p.cancel()
		return fmt.Errorf("worker pool %s shutdown timed out after %v", p.name, timeout)
	}
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for task := range p.queue {
		if p.ctx.Err() != nil {
			// drain without running once cancelled
			continue
		}
		p.run(id, task)
	}
}

func (p *WorkerPool) run(id int, task Task) {
	ctx := p.ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(p.ctx, p.timeout)
		defer cancel()
	}
	defer observability.RecoverPanic(p.logger.WithField("worker", id), p.name)

	if err := task(ctx); err != nil {
		p.logger.WithField("worker", id).WithError(err).Warn("Task failed")
	}
}
