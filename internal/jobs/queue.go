package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultPool receives jobs whose enqueuer named no pool of its own.
const DefaultPool = "default"

// Job is one unit of queued work. Delivery is at-least-once: a handler
// that fails is re-run up to the pool's attempt limit, so handlers must
// be idempotent.
type Job struct {
	// ID uniquely identifies this enqueue (stable across retries)
	ID string

	// Pool names the worker pool the job runs in
	Pool string

	// Name describes the work, e.g. "card:01H..."
	Name string

	// Payload carries handler-specific parameters
	Payload map[string]string

	// Attempt counts deliveries, starting at 1
	Attempt int
}

// Handler executes one job. Returning an error triggers redelivery until
// the pool's attempt limit is reached.
type Handler func(ctx context.Context, job Job) error

type pool struct {
	name        string
	sem         *semaphore.Weighted
	maxAttempts int
	timeout     time.Duration
	handler     Handler
	jobs        chan Job
}

// Queue runs jobs in named pools, each with its own concurrency limit.
// Pools are registered before Run; Enqueue routes unknown pool names to
// the default pool so a serialized card never stalls on a missing worker.
type Queue struct {
	mu    sync.RWMutex
	pools map[string]*pool
	log   *zap.Logger
}

// NewQueue creates an empty queue.
func NewQueue(log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{pools: make(map[string]*pool), log: log}
}

// RegisterPool adds a worker pool. Registering after Run has started is
// not supported.
func (q *Queue) RegisterPool(name string, concurrency int64, maxAttempts int, timeout time.Duration, h Handler) {
	if concurrency < 1 {
		concurrency = 1
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pools[name] = &pool{
		name:        name,
		sem:         semaphore.NewWeighted(concurrency),
		maxAttempts: maxAttempts,
		timeout:     timeout,
		handler:     h,
		jobs:        make(chan Job, 1024),
	}
}

// Enqueue submits a job. Unknown pools fall back to the default pool;
// an error is returned only when neither exists.
func (q *Queue) Enqueue(ctx context.Context, poolName, name string, payload map[string]string) error {
	q.mu.RLock()
	p, ok := q.pools[poolName]
	if !ok {
		p, ok = q.pools[DefaultPool]
	}
	q.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no pool %q and no default pool registered", poolName)
	}

	job := Job{
		ID:      uuid.NewString(),
		Pool:    p.name,
		Name:    name,
		Payload: payload,
		Attempt: 1,
	}
	select {
	case p.jobs <- job:
		q.log.Debug("job enqueued",
			zap.String("job_id", job.ID),
			zap.String("pool", p.name),
			zap.String("name", name))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes jobs until the context is canceled. In-flight handlers
// are given until their own timeout to finish.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.RLock()
	pools := make([]*pool, 0, len(q.pools))
	for _, p := range q.pools {
		pools = append(pools, p)
	}
	q.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range pools {
		p := p
		g.Go(func() error {
			return q.runPool(ctx, p)
		})
	}
	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func (q *Queue) runPool(ctx context.Context, p *pool) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-p.jobs:
			if err := p.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			wg.Add(1)
			go func(job Job) {
				defer wg.Done()
				defer p.sem.Release(1)
				q.runJob(ctx, p, job)
			}(job)
		}
	}
}

func (q *Queue) runJob(ctx context.Context, p *pool, job Job) {
	runCtx := ctx
	var cancel context.CancelFunc
	if p.timeout > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
	}

	start := time.Now()
	err := p.handler(runCtx, job)
	if err == nil {
		q.log.Debug("job done",
			zap.String("job_id", job.ID),
			zap.String("pool", p.name),
			zap.String("name", job.Name),
			zap.Duration("elapsed", time.Since(start)))
		return
	}

	if job.Attempt >= p.maxAttempts {
		q.log.Error("job failed, attempts exhausted",
			zap.String("job_id", job.ID),
			zap.String("pool", p.name),
			zap.String("name", job.Name),
			zap.Int("attempt", job.Attempt),
			zap.Error(err))
		return
	}

	q.log.Warn("job failed, requeueing",
		zap.String("job_id", job.ID),
		zap.String("pool", p.name),
		zap.String("name", job.Name),
		zap.Int("attempt", job.Attempt),
		zap.Error(err))

	job.Attempt++
	select {
	case p.jobs <- job:
	case <-ctx.Done():
	}
}
