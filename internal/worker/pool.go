package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/freema/regforge/internal/apperror"
	"github.com/freema/regforge/internal/metrics"
	"github.com/freema/regforge/internal/redisclient"
	"github.com/freema/regforge/internal/run"
)

// Pool is a worker pool that consumes run IDs from a Redis queue. Each worker
// supervises one run at a time; runs share nothing but the account store.
type Pool struct {
	redis       *redisclient.Client
	executor    *Executor
	runs        *run.Service
	queueName   string
	concurrency int
	wg          sync.WaitGroup
	cancel      context.CancelFunc
	activeCount atomic.Int32
	cancels     map[string]context.CancelFunc
	cancelsMu   sync.RWMutex
}

// NewPool creates a new worker pool.
func NewPool(
	redis *redisclient.Client,
	executor *Executor,
	runs *run.Service,
	queueName string,
	concurrency int,
) *Pool {
	return &Pool{
		redis:       redis,
		executor:    executor,
		runs:        runs,
		queueName:   queueName,
		concurrency: concurrency,
		cancels:     make(map[string]context.CancelFunc),
	}
}

// Start launches all worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	slog.Info("starting worker pool", "concurrency", p.concurrency, "queue", p.queueName)
	metrics.WorkersTotal.Set(float64(p.concurrency))

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop signals workers to stop and waits for them to finish. Runs in flight
// are cancelled, which kills their process groups.
func (p *Pool) Stop() {
	slog.Info("stopping worker pool...")
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	slog.Info("worker pool stopped")
}

// ActiveCount returns the number of currently active workers.
func (p *Pool) ActiveCount() int32 {
	return p.activeCount.Load()
}

// Cancel stops a run. A queued run is marked cancelled and skipped when a
// worker picks it up; a running one has its context cancelled.
func (p *Pool) Cancel(ctx context.Context, runID string) error {
	p.cancelsMu.RLock()
	cancelFn, ok := p.cancels[runID]
	p.cancelsMu.RUnlock()
	if ok {
		cancelFn()
		return nil
	}

	r, err := p.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status != run.StatusPending {
		return apperror.Conflict("run %s is %s and cannot be cancelled here", runID, r.Status)
	}
	return p.runs.UpdateStatus(ctx, runID, run.StatusCancelled)
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := slog.With("worker", id)
	log.Info("worker started")

	queueKey := p.redis.Key(p.queueName)

	for {
		result, err := p.redis.Unwrap().BLPop(ctx, 5*time.Second, queueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				log.Info("worker shutting down")
				return
			}
			log.Error("queue pop failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		runID := result[1]
		log.Info("picked up run", "run_id", runID)

		r, err := p.runs.Get(ctx, runID)
		if err != nil {
			log.Warn("failed to load run, skipping", "run_id", runID, "error", err)
			continue
		}
		if r.Status != run.StatusPending {
			log.Info("run no longer pending, skipping", "run_id", runID, "status", r.Status)
			continue
		}

		p.execute(ctx, r)
	}
}

func (p *Pool) execute(ctx context.Context, r *run.Run) {
	p.activeCount.Add(1)
	metrics.WorkersActive.Inc()
	defer func() {
		p.activeCount.Add(-1)
		metrics.WorkersActive.Dec()
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.cancelsMu.Lock()
	p.cancels[r.ID] = cancel
	p.cancelsMu.Unlock()

	defer func() {
		p.cancelsMu.Lock()
		delete(p.cancels, r.ID)
		p.cancelsMu.Unlock()
	}()

	p.executor.Execute(runCtx, r)
}

// ReportQueueDepth samples the queue length into the queue depth gauge until
// ctx is cancelled.
func (p *Pool) ReportQueueDepth(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.runs.QueueDepth(ctx); err == nil {
				metrics.QueueDepth.Set(float64(n))
			}
		}
	}
}
