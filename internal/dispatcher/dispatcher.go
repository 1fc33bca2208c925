// Package dispatcher manages the verifier worker pool over the mention queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/indieweb-endpoint/internal/indieweb"
	"github.com/JakeFAU/indieweb-endpoint/internal/worker"
)

// Dispatcher fans queued mentions out to a pool of workers and wakes an idle
// worker whenever a mention is enqueued.
type Dispatcher struct {
	queue   indieweb.MentionQueue
	workers []*worker.Worker
	wake    chan struct{}
}

// New creates a Dispatcher.
func New(queue indieweb.MentionQueue, workers []*worker.Worker) *Dispatcher {
	size := len(workers)
	if size == 0 {
		size = 1
	}
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		wake:    make(chan struct{}, size),
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx, d.wake)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue records the mention and signals a worker without blocking.
func (d *Dispatcher) Enqueue(ctx context.Context, source, target string) (indieweb.Mention, error) {
	m, err := d.queue.Enqueue(ctx, source, target)
	if err != nil {
		return indieweb.Mention{}, fmt.Errorf("queue enqueue: %w", err)
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return m, nil
}

// Get returns a mention's current status.
func (d *Dispatcher) Get(ctx context.Context, id string) (indieweb.Mention, error) {
	m, err := d.queue.Get(ctx, id)
	if err != nil {
		return indieweb.Mention{}, fmt.Errorf("queue get: %w", err)
	}
	return m, nil
}
