// Package dispatcher fans queued work out to a pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlwatch/internal/queue/memory"
)

// Queue is the subset of a bounded queue the dispatcher consumes.
type Queue[T any] interface {
	TryEnqueue(item T) error
	Dequeue(ctx context.Context) (T, error)
}

// Handler processes one item. It must not panic; errors are the handler's to log.
type Handler[T any] func(ctx context.Context, item T)

// Dispatcher runs a fixed number of workers over a queue.
type Dispatcher[T any] struct {
	queue   Queue[T]
	handle  Handler[T]
	workers int
	logger  *zap.Logger
}

// New creates a Dispatcher with the given worker count (minimum one).
func New[T any](queue Queue[T], handle Handler[T], workers int, logger *zap.Logger) *Dispatcher[T] {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher[T]{
		queue:   queue,
		handle:  handle,
		workers: workers,
		logger:  logger,
	}
}

// Run starts all workers and blocks until the context finishes or the queue closes.
func (d *Dispatcher[T]) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.work(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (d *Dispatcher[T]) work(ctx context.Context, id int) {
	for {
		item, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, memory.ErrClosed) {
				return
			}
			d.logger.Error("queue dequeue failed", zap.Int("worker", id), zap.Error(err))
			continue
		}
		d.handle(ctx, item)
	}
}

// Submit enqueues an item without blocking.
func (d *Dispatcher[T]) Submit(item T) error {
	if err := d.queue.TryEnqueue(item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
