package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config configures a Pool.
type Config struct {
	// Workers is the number of goroutines. Zero means 2 x NumCPU.
	Workers int
	// QueueSize bounds the number of waiting tasks. Zero means 16 x Workers.
	QueueSize int
	// Logger receives task failures. Nil uses slog.Default.
	Logger *slog.Logger
	// Registerer enables prometheus metrics when set.
	Registerer prometheus.Registerer
}

type task struct {
	ctx context.Context
	run func(context.Context) error
}

// Pool is a fixed-size worker pool.
type Pool struct {
	workers int
	queue   chan task
	logger  *slog.Logger
	metrics *poolMetrics

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	wg          sync.WaitGroup

	jobs     sync.WaitGroup
	stopJobs chan struct{}

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64
	dropped   atomic.Int64
	skipped   atomic.Int64
}

// Stats is a snapshot of the pool counters.
type Stats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Panicked   int64 `json:"panicked"`
	Dropped    int64 `json:"dropped"`
	Skipped    int64 `json:"skipped"`
}

// NewPool creates a pool. Call Start before submitting.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2 * runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16 * cfg.Workers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Pool{
		workers:  cfg.Workers,
		queue:    make(chan task, cfg.QueueSize),
		logger:   cfg.Logger.With(slog.String("component", "worker-pool")),
		stopJobs: make(chan struct{}),
	}
	if cfg.Registerer != nil {
		m, err := newPoolMetrics(cfg.Registerer)
		if err != nil {
			return nil, err
		}
		p.metrics = m
	}
	return p, nil
}

// Start launches the workers. Calling it twice has no effect.
func (p *Pool) Start() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	p.logger.Debug("worker pool started", slog.Int("workers", p.workers), slog.Int("queue_size", cap(p.queue)))
}

// Submit queues fn and returns a future of its result. The task runs with ctx.
func Submit[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) (*Future[T], error) {
	fut, resolve := NewFuture[T]()
	err := p.enqueue(task{ctx: ctx, run: func(ctx context.Context) (err error) {
		var val T
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
				p.panicked.Add(1)
				if p.metrics != nil {
					p.metrics.panicked.Inc()
				}
				p.logger.Error("task panicked",
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))
			}
			resolve(val, err)
		}()
		val, err = fn(ctx)
		return err
	}})
	if err != nil {
		return nil, err
	}
	return fut, nil
}

// Go queues fn and returns a future that resolves when it finishes.
func (p *Pool) Go(ctx context.Context, fn func(context.Context) error) (*Future[struct{}], error) {
	return Submit(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
}

func (p *Pool) enqueue(t task) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.queue <- t:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(len(p.queue)))
		}
		return nil
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	for t := range p.queue {
		if p.metrics != nil {
			p.metrics.queueDepth.Set(float64(len(p.queue)))
		}
		if err := t.run(t.ctx); err != nil {
			p.failed.Add(1)
			if p.metrics != nil {
				p.metrics.failed.Inc()
			}
			p.logger.Debug("task failed", slog.String("error", err.Error()))
			continue
		}
		p.completed.Add(1)
		if p.metrics != nil {
			p.metrics.completed.Inc()
		}
	}
}

// Schedule runs job on the pool every interval until Shutdown. A cycle is
// skipped while the previous run of job is still active.
func (p *Pool) Schedule(name string, interval time.Duration, job func(context.Context) error) {
	logger := p.logger.With(slog.String("job", name))
	var running atomic.Bool
	p.jobs.Add(1)
	go func() {
		defer p.jobs.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopJobs:
				return
			case <-ticker.C:
			}
			if !running.CompareAndSwap(false, true) {
				p.skipped.Add(1)
				if p.metrics != nil {
					p.metrics.skipped.WithLabelValues(name).Inc()
				}
				logger.Debug("previous run still active, skipping cycle")
				continue
			}
			_, err := p.Go(context.Background(), func(ctx context.Context) error {
				defer running.Store(false)
				if err := job(ctx); err != nil {
					logger.Warn("scheduled job failed", slog.String("error", err.Error()))
					return err
				}
				return nil
			})
			if err != nil {
				running.Store(false)
				logger.Warn("scheduled job not queued", slog.String("error", err.Error()))
			}
		}
	}()
}

// Shutdown stops the schedules, closes the queue and waits for every queued
// and running task to finish or for ctx to expire.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.lifecycleMu.Lock()
	if p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.stopJobs)
	p.lifecycleMu.Unlock()

	p.jobs.Wait()

	p.lifecycleMu.Lock()
	close(p.queue)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Debug("worker pool drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrStopTimeout, ctx.Err())
	}
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueSize:  cap(p.queue),
		QueueDepth: len(p.queue),
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
		Panicked:   p.panicked.Load(),
		Dropped:    p.dropped.Load(),
		Skipped:    p.skipped.Load(),
	}
}
