// Package dispatcher fans queued scrape tasks out to a bounded pool of
// workers and re-enqueues PENDING tasks once their retry delay has elapsed.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-monitor/internal/metrics"
	"github.com/JakeFAU/listing-monitor/internal/monitor"
)

// Runner executes task attempts.
type Runner interface {
	NewTask(ctx context.Context, itemID string) (monitor.ScrapeTask, error)
	Run(ctx context.Context, taskID string) (monitor.ScrapeTask, error)
}

// Config sizes the worker pool and the retry sweeper.
type Config struct {
	Workers       int
	SweepInterval time.Duration
	SweepBatch    int
}

// Dispatcher owns the worker pool. Submit never waits for task completion.
type Dispatcher struct {
	cfg    Config
	queue  monitor.Queue
	tasks  monitor.TaskStore
	runner Runner
	clock  monitor.Clock
	logger *zap.Logger

	mu     sync.Mutex
	queued map[string]struct{}
}

// New creates a Dispatcher.
func New(cfg Config, queue monitor.Queue, tasks monitor.TaskStore, runner Runner, clock monitor.Clock, logger *zap.Logger) (*Dispatcher, error) {
	if cfg.Workers <= 0 {
		return nil, errors.New("dispatcher needs at least one worker")
	}
	if queue == nil || tasks == nil || runner == nil || clock == nil {
		return nil, errors.New("queue, task store, runner and clock are required")
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:    cfg,
		queue:  queue,
		tasks:  tasks,
		runner: runner,
		clock:  clock,
		logger: logger.Named("dispatcher"),
		queued: make(map[string]struct{}),
	}, nil
}

// Submit records a new task for itemID and offers it to the pool. A full
// queue leaves the task PENDING for the sweeper; it is not an error.
func (d *Dispatcher) Submit(ctx context.Context, itemID string) (monitor.ScrapeTask, error) {
	task, err := d.runner.NewTask(ctx, itemID)
	if err != nil {
		return monitor.ScrapeTask{}, fmt.Errorf("submit %s: %w", itemID, err)
	}
	if !d.Offer(task) {
		d.logger.Warn("queue full, task deferred to sweeper",
			zap.String("task_id", task.ID), zap.String("item_id", itemID))
	}
	return task, nil
}

// Offer enqueues task without blocking. Tasks already waiting in the queue
// are not enqueued twice.
func (d *Dispatcher) Offer(task monitor.ScrapeTask) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.queued[task.ID]; ok {
		return true
	}
	if !d.queue.TryEnqueue(monitor.QueueItem{TaskID: task.ID, ItemID: task.ItemID}) {
		return false
	}
	d.queued[task.ID] = struct{}{}
	return true
}

// Sweep enqueues due PENDING tasks and returns how many were offered.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	due, err := d.tasks.ListDueTasks(ctx, d.clock.Now(), d.cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list due tasks: %w", err)
	}
	offered := 0
	for _, task := range due {
		if !d.Offer(task) {
			break
		}
		offered++
	}
	return offered, nil
}

// Run starts the workers and the sweeper and blocks until ctx is done and
// every in-flight attempt has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.work(ctx, d.logger.With(zap.Int("worker", id)))
		}(i)
	}
	if d.cfg.SweepInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.sweepLoop(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context, log *zap.Logger) {
	for {
		item, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Info("queue dequeue stopped", zap.Error(err))
			return
		}
		d.mu.Lock()
		delete(d.queued, item.TaskID)
		d.mu.Unlock()

		metrics.IncActiveWorkers()
		_, err = d.runner.Run(ctx, item.TaskID)
		metrics.DecActiveWorkers()

		switch {
		case err == nil:
		case errors.Is(err, monitor.ErrTaskNotClaimable):
			log.Debug("task skipped", zap.String("task_id", item.TaskID), zap.Error(err))
		default:
			log.Debug("task attempt returned error", zap.String("task_id", item.TaskID), zap.Error(err))
		}
	}
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		if n, err := d.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("retry sweep failed", zap.Error(err))
		} else if n > 0 {
			d.logger.Info("retry sweep enqueued tasks", zap.Int("count", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
