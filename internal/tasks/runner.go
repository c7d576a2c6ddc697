// Package tasks runs fire-and-forget background work on a bounded worker
// pool. Failures never reach the submitter; they are logged, counted and
// published on an observable channel.
package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/minichat/chat-app/internal/metrics"
)

// Spawner starts named background work. Callers never wait for it.
type Spawner interface {
	Go(name string, fn func(ctx context.Context) error)
}

// Failure describes one background task that returned an error or panicked.
type Failure struct {
	Task string
	Err  error
	At   time.Time
}

// Runner is a Spawner backed by a pond pool.
type Runner struct {
	pool   pond.Pool
	ctx    context.Context
	cancel context.CancelFunc
	errs   chan Failure
	log    *zap.Logger
}

// NewRunner creates a runner with at most workers concurrent tasks.
func NewRunner(workers int, logger *zap.Logger) *Runner {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		pool:   pond.NewPool(workers, pond.WithQueueSize(workers*64), pond.WithNonBlocking(true)),
		ctx:    ctx,
		cancel: cancel,
		errs:   make(chan Failure, 128),
		log:    logger,
	}
}

// Go submits fn. If the pool is stopped or its queue is full the task is
// dropped and reported as a failure.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) {
	if r.pool.Stopped() {
		r.report(name, fmt.Errorf("tasks: pool stopped"))
		return
	}
	err := r.pool.Go(func() {
		defer func() {
			if p := recover(); p != nil {
				r.report(name, fmt.Errorf("tasks: panic: %v", p))
			}
		}()
		if err := fn(r.ctx); err != nil {
			r.report(name, err)
		}
	})
	if err != nil {
		r.report(name, fmt.Errorf("tasks: submit: %w", err))
	}
}

// Errors exposes task failures. Delivery is best effort: when nobody drains
// the channel, new failures are still logged and counted but not queued.
func (r *Runner) Errors() <-chan Failure {
	return r.errs
}

// Close waits for queued tasks to finish and cancels their context.
func (r *Runner) Close() {
	r.pool.StopAndWait()
	r.cancel()
}

func (r *Runner) report(name string, err error) {
	r.log.Warn("background task failed", zap.String("task", name), zap.Error(err))
	metrics.BackgroundFailures.WithLabelValues(name).Inc()

	select {
	case r.errs <- Failure{Task: name, Err: err, At: time.Now()}:
	default:
	}
}

// Inline is a Spawner that runs tasks synchronously on the caller's
// goroutine and keeps their failures. It is meant for tests and tools.
type Inline struct {
	mu       sync.Mutex
	Failures []Failure
}

// Go runs fn immediately.
func (s *Inline) Go(name string, fn func(ctx context.Context) error) {
	if err := fn(context.Background()); err != nil {
		s.mu.Lock()
		s.Failures = append(s.Failures, Failure{Task: name, Err: err, At: time.Now()})
		s.mu.Unlock()
	}
}
