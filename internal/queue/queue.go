// Package queue runs background jobs for the bridge. Sync attempts,
// debounced lead creation and outbound channel deliveries all go
// through the in-process pool so webhook handlers never block on a
// third-party API. An optional AMQP publisher mirrors domain events to
// external consumers.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Job is one unit of background work. Jobs must be safe to run more
// than once: the pool retries nothing itself, but callers re-enqueue
// failed sync attempts.
type Job func(ctx context.Context)

// Pool is a fixed-size worker pool with support for delayed jobs.
//
// Fields:
//   - jobs: buffered submission channel drained by the workers
//   - timers: outstanding delay timers, cancelled on Stop
type Pool struct {
	jobs    chan Job
	workers int

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool starts workers goroutines draining the job channel.
func NewPool(workers, buffer int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		jobs:    make(chan Job, buffer),
		workers: workers,
		timers:  make(map[*time.Timer]struct{}),
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
	log.Info().Int("workers", workers).Int("buffer", buffer).Msg("worker pool started")
	return p
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.invoke(ctx, job)
		}
	}
}

func (p *Pool) invoke(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("background job panicked")
		}
	}()
	job(ctx)
}

// Enqueue submits a job. Returns false when the pool is stopped or the
// buffer is full; the caller decides whether dropping is acceptable.
func (p *Pool) Enqueue(job Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
		log.Warn().Msg("worker pool buffer full, job dropped")
		return false
	}
}

// EnqueueAfter submits a job after the delay elapses. Used for sync
// retry backoff and lead creation debounce. Pending timers are dropped
// on Stop.
func (p *Pool) EnqueueAfter(delay time.Duration, job Job) bool {
	if delay <= 0 {
		return p.Enqueue(job)
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, t)
		p.mu.Unlock()
		p.Enqueue(job)
	})
	p.timers[t] = struct{}{}
	p.mu.Unlock()
	return true
}

// Stop cancels pending timers, stops accepting jobs and waits for the
// workers to finish the jobs already picked up.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for t := range p.timers {
		t.Stop()
	}
	p.timers = map[*time.Timer]struct{}{}
	p.mu.Unlock()

	p.cancel()
	close(p.jobs)
	p.wg.Wait()
	log.Info().Msg("worker pool stopped")
}
