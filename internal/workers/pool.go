// Package workers provides a fixed-size worker pool for independent jobs.
// Jobs are queued, executed concurrently and reported on a results channel;
// a panicking job is reported as a failed result instead of crashing the
// process.
package workers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anstrom/netprobe/internal/logging"
)

// Job represents a unit of work to be executed by a worker.
type Job interface {
	// Execute performs the job and returns an error if it fails.
	Execute(ctx context.Context) error
	// ID returns a unique identifier for the job.
	ID() string
	// Type returns the job type for logging.
	Type() string
}

// Result represents the result of executing a job.
type Result struct {
	JobID    string
	JobType  string
	Error    error
	Duration time.Duration
}

// Config holds configuration for the worker pool.
type Config struct {
	// Size is the number of worker goroutines to create.
	Size int
	// QueueSize is the maximum number of jobs that can be queued.
	QueueSize int
	// ShutdownTimeout is the maximum time to wait for queued jobs to drain
	// before in-flight jobs are canceled.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a default worker pool configuration.
func DefaultConfig() Config {
	return Config{
		Size:            32,
		QueueSize:       1024,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a pool of worker goroutines for concurrent job execution.
type Pool struct {
	config    Config
	jobs      chan Job
	results   chan Result
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closed    atomic.Bool
	mu        sync.RWMutex
}

// New creates a new worker pool. Jobs run under a context derived from ctx;
// canceling ctx stops workers after their current job.
func New(ctx context.Context, config Config) *Pool {
	if config.Size <= 0 {
		config.Size = 1
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	poolCtx, cancel := context.WithCancel(ctx)
	return &Pool{
		config:  config,
		jobs:    make(chan Job, config.QueueSize),
		results: make(chan Result, config.QueueSize),
		ctx:     poolCtx,
		cancel:  cancel,
	}
}

// Start launches the workers. Calling Start more than once has no effect.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		logging.Debug("Starting worker pool",
			"worker_count", p.config.Size,
			"queue_size", p.config.QueueSize)

		for i := 0; i < p.config.Size; i++ {
			p.wg.Add(1)
			go p.run(i)
		}
	})
}

// Submit queues a job without blocking.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed.Load() {
		return fmt.Errorf("worker pool is shut down")
	}

	select {
	case p.jobs <- job:
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("worker pool is shutting down: %w", p.ctx.Err())
	default:
		return fmt.Errorf("job queue is full")
	}
}

// Results returns the channel on which every executed job is reported. It is
// closed by Shutdown once all workers have exited.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Shutdown stops accepting jobs, lets queued jobs drain for up to
// ShutdownTimeout, then cancels whatever is still running.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if !p.closed.CompareAndSwap(false, true) {
		p.mu.Unlock()
		return nil
	}
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(p.config.ShutdownTimeout):
		logging.Warn("Worker pool shutdown timeout, canceling running jobs")
		err = fmt.Errorf("worker pool shutdown timed out after %s", p.config.ShutdownTimeout)
		p.cancel()
		<-done
	}

	p.cancel()
	close(p.results)
	return err
}

func (p *Pool) run(id int) {
	defer p.wg.Done()

	for {
		select {
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			result := p.execute(id, job)
			select {
			case p.results <- result:
			case <-p.ctx.Done():
				return
			}
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Pool) execute(workerID int, job Job) (result Result) {
	start := time.Now()
	result = Result{JobID: job.ID(), JobType: job.Type()}

	defer func() {
		if r := recover(); r != nil {
			result.Error = fmt.Errorf("job %s panicked: %v", job.ID(), r)
			logging.Error("Job panicked",
				"job_id", job.ID(),
				"job_type", job.Type(),
				"worker_id", workerID,
				"panic", r)
		}
		result.Duration = time.Since(start)
	}()

	result.Error = job.Execute(p.ctx)
	if result.Error != nil {
		logging.Debug("Job failed",
			"job_id", job.ID(),
			"job_type", job.Type(),
			"worker_id", workerID,
			"error", result.Error)
	}
	return result
}
