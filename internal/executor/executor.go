// Package executor runs scrape tasks through their persisted state machine:
// PENDING -> RUNNING -> SUCCESS, back to PENDING after a fixed delay on
// failure, or FAILED once the retry ceiling is reached.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-monitor/internal/metrics"
	"github.com/JakeFAU/listing-monitor/internal/monitor"
)

// persistTimeout bounds state writes made after the attempt context ended.
const persistTimeout = 10 * time.Second

// Scraper produces the merged snapshot for one item.
type Scraper interface {
	Scrape(ctx context.Context, item monitor.TrackedItem) (monitor.Snapshot, error)
}

// ChangeDetector diffs a new snapshot against the previous one.
type ChangeDetector interface {
	Detect(item monitor.TrackedItem, previous *monitor.Snapshot, current monitor.Snapshot) []monitor.Alert
}

// Notifier delivers persisted alerts. It must not fail the attempt.
type Notifier interface {
	Notify(ctx context.Context, item monitor.TrackedItem, alerts []monitor.Alert) int
}

// Config holds the task retry policy.
type Config struct {
	RetryCeiling   int
	RetryDelay     time.Duration
	AttemptTimeout time.Duration
}

// Executor runs single task attempts. It is safe for concurrent use; one
// item's failure never affects another item's attempt.
type Executor struct {
	cfg      Config
	repo     monitor.Repository
	registry monitor.Registry
	scraper  Scraper
	detector ChangeDetector
	notifier Notifier
	clock    monitor.Clock
	ids      monitor.IDGenerator
	logger   *zap.Logger
}

// Deps groups the executor collaborators. Notifier is optional.
type Deps struct {
	Repository monitor.Repository
	Registry   monitor.Registry
	Scraper    Scraper
	Detector   ChangeDetector
	Notifier   Notifier
	Clock      monitor.Clock
	IDs        monitor.IDGenerator
	Logger     *zap.Logger
}

// New validates cfg and deps.
func New(cfg Config, deps Deps) (*Executor, error) {
	if cfg.RetryCeiling <= 0 {
		return nil, errors.New("retry ceiling must be > 0")
	}
	if cfg.RetryDelay < 0 {
		return nil, errors.New("retry delay must be >= 0")
	}
	if deps.Repository == nil || deps.Registry == nil || deps.Scraper == nil ||
		deps.Detector == nil || deps.Clock == nil || deps.IDs == nil {
		return nil, errors.New("repository, registry, scraper, detector, clock and ids are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		cfg:      cfg,
		repo:     deps.Repository,
		registry: deps.Registry,
		scraper:  deps.Scraper,
		detector: deps.Detector,
		notifier: deps.Notifier,
		clock:    deps.Clock,
		ids:      deps.IDs,
		logger:   logger.Named("executor"),
	}, nil
}

// NewTask records a PENDING task for itemID, due now.
func (e *Executor) NewTask(ctx context.Context, itemID string) (monitor.ScrapeTask, error) {
	id, err := e.ids.NewID()
	if err != nil {
		return monitor.ScrapeTask{}, fmt.Errorf("task id: %w", err)
	}
	now := e.clock.Now()
	task := monitor.ScrapeTask{
		ID:          id,
		ItemID:      itemID,
		State:       monitor.TaskPending,
		ScheduledAt: now,
		UpdatedAt:   now,
	}
	if err := e.repo.CreateTask(ctx, task); err != nil {
		return monitor.ScrapeTask{}, fmt.Errorf("create task: %w", err)
	}
	metrics.ObserveTaskTransition(string(monitor.TaskPending))
	return task, nil
}

// Retrigger resets a FAILED task to PENDING with a fresh retry budget.
func (e *Executor) Retrigger(ctx context.Context, taskID string) (monitor.ScrapeTask, error) {
	task, err := e.repo.GetTask(ctx, taskID)
	if err != nil {
		return monitor.ScrapeTask{}, err
	}
	if task.State != monitor.TaskFailed {
		return monitor.ScrapeTask{}, fmt.Errorf("task %s is %s, only FAILED tasks can be re-triggered: %w",
			taskID, task.State, monitor.ErrTaskNotClaimable)
	}
	now := e.clock.Now()
	task.State = monitor.TaskPending
	task.RetryCount = 0
	task.LastMessage = "re-triggered"
	task.ScheduledAt = now
	task.UpdatedAt = now
	if err := e.repo.UpdateTask(ctx, task); err != nil {
		return monitor.ScrapeTask{}, fmt.Errorf("re-trigger task: %w", err)
	}
	metrics.ObserveTaskTransition(string(monitor.TaskPending))
	e.logger.Info("task re-triggered", zap.String("task_id", taskID), zap.String("item_id", task.ItemID))
	return task, nil
}

// Run executes one attempt of taskID and returns the task as persisted
// afterwards. A task that is not PENDING, or whose retry is not yet due, is
// left untouched and monitor.ErrTaskNotClaimable is returned.
func (e *Executor) Run(ctx context.Context, taskID string) (monitor.ScrapeTask, error) {
	task, err := e.repo.ClaimTask(ctx, taskID, e.clock.Now())
	if err != nil {
		return monitor.ScrapeTask{}, err
	}
	metrics.ObserveTaskTransition(string(monitor.TaskRunning))
	log := e.logger.With(zap.String("task_id", task.ID), zap.String("item_id", task.ItemID), zap.Int("retry_count", task.RetryCount))
	log.Debug("task claimed")

	attemptCtx := ctx
	if e.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, e.cfg.AttemptTimeout)
		defer cancel()
	}

	item, err := e.registry.GetItem(attemptCtx, task.ItemID)
	if err != nil {
		return e.fail(ctx, task, fmt.Errorf("lookup item: %w", err), log)
	}
	snap, alerts, err := e.observe(attemptCtx, task, item)
	if err != nil {
		return e.fail(ctx, task, err, log)
	}

	task.UpdatedAt = e.clock.Now()
	if err := e.repo.CommitSuccess(attemptCtx, task, snap, alerts); err != nil {
		return e.fail(ctx, task, fmt.Errorf("persist snapshot: %w", err), log)
	}
	task.State = monitor.TaskSuccess
	metrics.ObserveTaskTransition(string(monitor.TaskSuccess))
	for _, a := range alerts {
		metrics.ObserveAlert(string(a.Kind))
	}
	log.Info("task succeeded", zap.String("snapshot_id", snap.ID), zap.Int("alerts", len(alerts)))

	if e.notifier != nil && len(alerts) > 0 {
		e.notifier.Notify(context.WithoutCancel(ctx), item, alerts)
	}
	return task, nil
}

// observe scrapes the item and runs change detection against the latest
// stored snapshot. Nothing is persisted.
func (e *Executor) observe(ctx context.Context, task monitor.ScrapeTask, item monitor.TrackedItem) (monitor.Snapshot, []monitor.Alert, error) {
	snap, err := e.scraper.Scrape(ctx, item)
	if err != nil {
		return monitor.Snapshot{}, nil, err
	}
	if snap.ID, err = e.ids.NewID(); err != nil {
		return monitor.Snapshot{}, nil, fmt.Errorf("snapshot id: %w", err)
	}
	snap.ItemID = item.ID
	snap.TaskID = task.ID
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = e.clock.Now()
	}

	previous, err := e.repo.LatestSnapshot(ctx, item.ID)
	if err != nil {
		return monitor.Snapshot{}, nil, fmt.Errorf("load previous snapshot: %w", err)
	}
	alerts := e.detector.Detect(item, previous, snap)
	for i := range alerts {
		if alerts[i].ID, err = e.ids.NewID(); err != nil {
			return monitor.Snapshot{}, nil, fmt.Errorf("alert id: %w", err)
		}
	}
	return snap, alerts, nil
}

// fail records a failed attempt: back to PENDING after RetryDelay, or FAILED
// once the incremented retry count reaches the ceiling. A shutdown that
// interrupts the attempt releases the task without consuming a retry.
func (e *Executor) fail(ctx context.Context, task monitor.ScrapeTask, cause error, log *zap.Logger) (monitor.ScrapeTask, error) {
	now := e.clock.Now()
	task.UpdatedAt = now
	task.LastMessage = cause.Error()

	switch {
	case ctx.Err() != nil:
		task.State = monitor.TaskPending
		task.ScheduledAt = now
		task.LastMessage = "interrupted: " + cause.Error()
	case task.RetryCount+1 >= e.cfg.RetryCeiling:
		task.RetryCount++
		task.State = monitor.TaskFailed
	default:
		task.RetryCount++
		task.State = monitor.TaskPending
		task.ScheduledAt = now.Add(e.cfg.RetryDelay)
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := e.repo.UpdateTask(persistCtx, task); err != nil {
		log.Error("recording task failure failed", zap.Error(err), zap.NamedError("cause", cause))
		return task, errors.Join(cause, fmt.Errorf("update task: %w", err))
	}
	metrics.ObserveTaskTransition(string(task.State))

	fields := []zap.Field{
		zap.String("state", string(task.State)),
		zap.Int("retry_count", task.RetryCount),
		zap.Error(cause),
	}
	if task.State == monitor.TaskFailed {
		log.Warn("task failed permanently", fields...)
	} else {
		log.Info("task attempt failed", append(fields, zap.Time("next_attempt", task.ScheduledAt))...)
	}
	return task, cause
}
