// Package memory provides in-process implementations of the persistence
// interfaces for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/listing-monitor/internal/monitor"
)

// Repository keeps snapshots, tasks and alerts in maps guarded by one lock,
// which makes CommitSuccess atomic.
type Repository struct {
	mu        sync.RWMutex
	tasks     map[string]monitor.ScrapeTask
	snapshots map[string][]monitor.Snapshot // by item, capture order
	byTask    map[string]string             // task id -> snapshot id
	alerts    map[string][]monitor.Alert    // by item
}

// NewRepository constructs an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		tasks:     make(map[string]monitor.ScrapeTask),
		snapshots: make(map[string][]monitor.Snapshot),
		byTask:    make(map[string]string),
		alerts:    make(map[string][]monitor.Alert),
	}
}

// CreateTask stores a new task.
func (r *Repository) CreateTask(_ context.Context, task monitor.ScrapeTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	r.tasks[task.ID] = task
	return nil
}

// GetTask fetches a task by id.
func (r *Repository) GetTask(_ context.Context, taskID string) (monitor.ScrapeTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return monitor.ScrapeTask{}, fmt.Errorf("task %s: %w", taskID, monitor.ErrNotFound)
	}
	return task, nil
}

// ClaimTask moves a due PENDING task to RUNNING.
func (r *Repository) ClaimTask(_ context.Context, taskID string, at time.Time) (monitor.ScrapeTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return monitor.ScrapeTask{}, fmt.Errorf("task %s: %w", taskID, monitor.ErrNotFound)
	}
	if task.State != monitor.TaskPending {
		return monitor.ScrapeTask{}, fmt.Errorf("task %s is %s: %w", taskID, task.State, monitor.ErrTaskNotClaimable)
	}
	if task.ScheduledAt.After(at) {
		return monitor.ScrapeTask{}, fmt.Errorf("task %s due at %s: %w", taskID, task.ScheduledAt.Format(time.RFC3339), monitor.ErrTaskNotClaimable)
	}
	task.State = monitor.TaskRunning
	task.UpdatedAt = at
	r.tasks[taskID] = task
	return task, nil
}

// UpdateTask overwrites the mutable task fields.
func (r *Repository) UpdateTask(_ context.Context, task monitor.ScrapeTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[task.ID]; !ok {
		return fmt.Errorf("task %s: %w", task.ID, monitor.ErrNotFound)
	}
	r.tasks[task.ID] = task
	return nil
}

// ListTasks returns the item's tasks, newest schedule first.
func (r *Repository) ListTasks(_ context.Context, itemID string) ([]monitor.ScrapeTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []monitor.ScrapeTask
	for _, task := range r.tasks {
		if task.ItemID == itemID {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.After(out[j].ScheduledAt) })
	return out, nil
}

// ListDueTasks returns PENDING tasks scheduled at or before now, oldest first.
func (r *Repository) ListDueTasks(_ context.Context, now time.Time, limit int) ([]monitor.ScrapeTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []monitor.ScrapeTask
	for _, task := range r.tasks {
		if task.State == monitor.TaskPending && !task.ScheduledAt.After(now) {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CommitSuccess stores the snapshot and alerts and marks the RUNNING task
// SUCCESS. Nothing is written when any check fails.
func (r *Repository) CommitSuccess(_ context.Context, task monitor.ScrapeTask, snap monitor.Snapshot, alerts []monitor.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.tasks[task.ID]
	if !ok {
		return fmt.Errorf("task %s: %w", task.ID, monitor.ErrNotFound)
	}
	if current.State != monitor.TaskRunning {
		return fmt.Errorf("task %s is %s: %w", task.ID, current.State, monitor.ErrTaskNotClaimable)
	}
	if _, dup := r.byTask[task.ID]; dup {
		return fmt.Errorf("task %s already has a snapshot", task.ID)
	}
	if snap.ID == "" {
		return fmt.Errorf("snapshot id is required")
	}

	task.State = monitor.TaskSuccess
	r.tasks[task.ID] = task
	snap.TaskID = task.ID
	r.snapshots[snap.ItemID] = append(r.snapshots[snap.ItemID], snap)
	r.byTask[task.ID] = snap.ID
	r.alerts[snap.ItemID] = append(r.alerts[snap.ItemID], alerts...)
	return nil
}

// LatestSnapshot returns the most recent snapshot or nil when none exist.
func (r *Repository) LatestSnapshot(_ context.Context, itemID string) (*monitor.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snaps := r.snapshots[itemID]
	if len(snaps) == 0 {
		return nil, nil
	}
	latest := snaps[0]
	for _, s := range snaps[1:] {
		if !s.CapturedAt.Before(latest.CapturedAt) {
			latest = s
		}
	}
	return &latest, nil
}

// RecentSnapshots returns up to limit snapshots, newest first.
func (r *Repository) RecentSnapshots(_ context.Context, itemID string, limit int) ([]monitor.Snapshot, error) {
	r.mu.RLock()
	out := append([]monitor.Snapshot(nil), r.snapshots[itemID]...)
	r.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CapturedAt.After(out[j].CapturedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SnapshotsSince returns snapshots captured at or after since, oldest first.
func (r *Repository) SnapshotsSince(_ context.Context, itemID string, since time.Time) ([]monitor.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []monitor.Snapshot
	for _, s := range r.snapshots[itemID] {
		if !s.CapturedAt.Before(since) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CapturedAt.Before(out[j].CapturedAt) })
	return out, nil
}

// ListAlerts returns alerts with from <= occurredAt < to, oldest first. A
// zero to means no upper bound.
func (r *Repository) ListAlerts(_ context.Context, itemID string, from, to time.Time) ([]monitor.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []monitor.Alert
	for _, a := range r.alerts[itemID] {
		if a.OccurredAt.Before(from) {
			continue
		}
		if !to.IsZero() && !a.OccurredAt.Before(to) {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

// Close is a no-op.
func (r *Repository) Close() error { return nil }
