// Package dispatch runs background jobs on a fixed set of workers. Every job
// is registered under a key so it can be cancelled while queued or running.
// A job may also belong to a group; cancelling the group key reaches it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	ErrQueueFull = errors.New("dispatch queue is full")
	ErrClosed    = errors.New("dispatch pool is closed")
	// ErrDuplicate is returned when a job with the same key is already queued or running.
	ErrDuplicate = errors.New("job already in flight")
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 64
)

// Job is the unit of work. Its context is cancelled by Cancel or Close.
type Job func(ctx context.Context)

type job struct {
	key string
	ctx context.Context
	fn  Job
}

type entry struct {
	group  string
	cancel context.CancelFunc
}

type Pool struct {
	logger *slog.Logger
	queue  chan job
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight map[string]entry
	base     context.Context
	stop     context.CancelFunc
}

// New starts workers goroutines reading from a queue of size queueSize.
func New(workers, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	p := &Pool{
		logger:   logger,
		queue:    make(chan job, queueSize),
		inflight: map[string]entry{},
		base:     base,
		stop:     stop,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.work(i)
	}
	return p
}

// Submit queues fn under key. It never blocks.
func (p *Pool) Submit(key string, fn Job) error {
	return p.SubmitIn("", key, fn)
}

// SubmitIn queues fn under key as a member of group.
func (p *Pool) SubmitIn(group, key string, fn Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if _, ok := p.inflight[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, key)
	}
	ctx, cancel := context.WithCancel(p.base)
	select {
	case p.queue <- job{key: key, ctx: ctx, fn: fn}:
		p.inflight[key] = entry{group: group, cancel: cancel}
		return nil
	default:
		cancel()
		return ErrQueueFull
	}
}

// Cancel signals the job registered under key and every job in the group
// named key. It reports whether any was found.
func (p *Pool) Cancel(key string) bool {
	p.mu.Lock()
	var cancels []context.CancelFunc
	for k, e := range p.inflight {
		if k == key || e.group == key {
			cancels = append(cancels, e.cancel)
		}
	}
	p.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels) > 0
}

// Register tracks work running outside the pool under key. The returned
// context is cancelled by Cancel; done must be called when the work ends.
func (p *Pool) Register(ctx context.Context, key string) (context.Context, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[key]; ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrDuplicate, key)
	}
	jctx, cancel := context.WithCancel(ctx)
	p.inflight[key] = entry{cancel: cancel}
	return jctx, func() { p.release(key, cancel) }, nil
}

// Inflight reports whether key is queued or running.
func (p *Pool) Inflight(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[key]
	return ok
}

// Len is the number of queued or running jobs.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

func (p *Pool) release(key string, cancel context.CancelFunc) {
	cancel()
	p.mu.Lock()
	delete(p.inflight, key)
	p.mu.Unlock()
}

func (p *Pool) work(id int) {
	defer p.wg.Done()
	for j := range p.queue {
		p.run(id, j)
	}
}

func (p *Pool) run(worker int, j job) {
	p.mu.Lock()
	cancel := p.inflight[j.key].cancel
	p.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("dispatch: job panicked", "key", j.key, "worker", worker, "panic", r)
		}
		if cancel != nil {
			p.release(j.key, cancel)
		}
	}()
	if j.ctx.Err() != nil {
		p.logger.Info("dispatch: job cancelled before start", "key", j.key)
		return
	}
	j.fn(j.ctx)
}

// Close stops accepting jobs and waits for queued ones to finish. When ctx
// ends first, running jobs are cancelled and ctx's error is returned.
func (p *Pool) Close(ctx context.Context) error {
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
		p.stop()
		return nil
	case <-ctx.Done():
		p.stop()
		<-done
		return ctx.Err()
	}
}
