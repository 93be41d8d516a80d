// Package jobqueue runs background jobs on an in-process worker pool. It backs
// the pipeline when no message broker is configured.
package jobqueue

import (
	"context"
	"fmt"
	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"sync"
	"time"
)

type Handler[T any] func(ctx context.Context, msg T) error

type Queue[T any] struct {
	jobs          chan T
	closeOnce     sync.Once
	handler       Handler[T]
	numWorkers    int
	maxTries      uint
	retryInterval time.Duration
}

type Option func(*options)

type options struct {
	maxTries      uint
	retryInterval time.Duration
}

// WithRetry sets how often a failing job is attempted and the first backoff
// interval.
func WithRetry(maxTries uint, interval time.Duration) Option {
	return func(o *options) {
		o.maxTries = maxTries
		o.retryInterval = interval
	}
}

func New[T any](capacity, numWorkers int, handler Handler[T], opts ...Option) *Queue[T] {
	o := options{maxTries: 5, retryInterval: 500 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}
	if numWorkers < 1 {
		numWorkers = 1
	}
	if capacity < 0 {
		capacity = 0
	}
	if o.maxTries < 1 {
		o.maxTries = 1
	}
	return &Queue[T]{
		jobs:          make(chan T, capacity),
		handler:       handler,
		numWorkers:    numWorkers,
		maxTries:      o.maxTries,
		retryInterval: o.retryInterval,
	}
}

// Publish enqueues msg, blocking while the queue is full.
func (q *Queue[T]) Publish(ctx context.Context, msg T) error {
	select {
	case q.jobs <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs. Workers finish what is buffered and Run
// returns. Publish must not be called after Close.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() { close(q.jobs) })
}

// Run starts the workers and blocks until ctx is done or the queue is closed
// and drained. Jobs still buffered when ctx is done are dropped.
func (q *Queue[T]) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 1; i <= q.numWorkers; i++ {
		wg.Add(1)
		go func(workerId int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-q.jobs:
					if !ok {
						return
					}
					q.handle(ctx, workerId, msg)
				}
			}
		}(i)
	}

	zerolog.Ctx(ctx).Info().Int("workers", q.numWorkers).Msg("local job queue started")
	wg.Wait()
	return nil
}

func (q *Queue[T]) handle(ctx context.Context, workerId int, msg T) {
	operation := func() (struct{}, error) {
		return struct{}{}, q.safeCall(ctx, msg)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.retryInterval
	bo.MaxInterval = 10 * time.Second

	if _, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(q.maxTries)); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Int("worker_id", workerId).Msg("failed to handle job after all retries")
	}
}

func (q *Queue[T]) safeCall(ctx context.Context, msg T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			zerolog.Ctx(ctx).Error().Interface("panic", r).Msg("job panicked")
			err = backoff.Permanent(fmt.Errorf("job panicked: %v", r))
		}
	}()
	return q.handler(ctx, msg)
}
