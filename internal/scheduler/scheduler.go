// Package scheduler fires scrape rounds at fixed wall-clock times. Each round
// enumerates the tracked items and submits one task per item without waiting
// for any of them to finish.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-monitor/internal/monitor"
)

// TaskLister reports an item's existing tasks.
type TaskLister interface {
	ListTasks(ctx context.Context, itemID string) ([]monitor.ScrapeTask, error)
}

// Submitter hands a new task to the worker pool.
type Submitter interface {
	Submit(ctx context.Context, itemID string) (monitor.ScrapeTask, error)
}

// FireTime is a local time of day.
type FireTime struct {
	Hour   int
	Minute int
}

func (f FireTime) String() string { return fmt.Sprintf("%02d:%02d", f.Hour, f.Minute) }

// ParseTimes parses "HH:MM" values, dropping duplicates and sorting them.
func ParseTimes(values []string) ([]FireTime, error) {
	if len(values) == 0 {
		return nil, errors.New("at least one fire time is required")
	}
	seen := make(map[FireTime]struct{}, len(values))
	out := make([]FireTime, 0, len(values))
	for _, v := range values {
		t, err := time.Parse("15:04", v)
		if err != nil {
			return nil, fmt.Errorf("fire time %q: want HH:MM", v)
		}
		ft := FireTime{Hour: t.Hour(), Minute: t.Minute()}
		if _, dup := seen[ft]; dup {
			continue
		}
		seen[ft] = struct{}{}
		out = append(out, ft)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hour != out[j].Hour {
			return out[i].Hour < out[j].Hour
		}
		return out[i].Minute < out[j].Minute
	})
	return out, nil
}

// Config lists fire times in Location. A nil Location means UTC.
type Config struct {
	Times    []string
	Location *time.Location
}

// Scheduler triggers rounds. One round never waits on the previous one.
type Scheduler struct {
	times     []FireTime
	loc       *time.Location
	registry  monitor.Registry
	tasks     TaskLister
	submitter Submitter
	clock     monitor.Clock
	after     func(time.Duration) <-chan time.Time
	logger    *zap.Logger
}

// New validates cfg.
func New(cfg Config, registry monitor.Registry, tasks TaskLister, submitter Submitter, clock monitor.Clock, logger *zap.Logger) (*Scheduler, error) {
	times, err := ParseTimes(cfg.Times)
	if err != nil {
		return nil, err
	}
	if registry == nil || tasks == nil || submitter == nil || clock == nil {
		return nil, errors.New("registry, task lister, submitter and clock are required")
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		times:     times,
		loc:       loc,
		registry:  registry,
		tasks:     tasks,
		submitter: submitter,
		clock:     clock,
		after:     time.After,
		logger:    logger.Named("scheduler"),
	}, nil
}

// Next returns the first fire time strictly after now.
func (s *Scheduler) Next(now time.Time) time.Time {
	local := now.In(s.loc)
	for day := 0; day < 2; day++ {
		y, m, d := local.AddDate(0, 0, day).Date()
		for _, ft := range s.times {
			candidate := time.Date(y, m, d, ft.Hour, ft.Minute, 0, 0, s.loc)
			if candidate.After(now) {
				return candidate
			}
		}
	}
	// Unreachable with at least one fire time per day.
	return local.Add(24 * time.Hour)
}

// Fire submits one task per tracked item and returns how many were accepted.
// Items whose previous task is still PENDING or RUNNING are skipped, so one
// item never has two task series in flight. A failed submission is logged and
// does not stop the round.
func (s *Scheduler) Fire(ctx context.Context) (int, error) {
	items, err := s.registry.ListItems(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tracked items: %w", err)
	}
	submitted := 0
	for _, item := range items {
		open, err := s.openTask(ctx, item.ID)
		if err != nil {
			s.logger.Error("task lookup failed", zap.String("item_id", item.ID), zap.Error(err))
			continue
		}
		if open != nil {
			s.logger.Info("item still has an open task, skipping",
				zap.String("item_id", item.ID),
				zap.String("task_id", open.ID),
				zap.String("state", string(open.State)),
			)
			continue
		}
		if _, err := s.submitter.Submit(ctx, item.ID); err != nil {
			s.logger.Error("task submission failed", zap.String("item_id", item.ID), zap.Error(err))
			continue
		}
		submitted++
	}
	s.logger.Info("scrape round submitted", zap.Int("items", len(items)), zap.Int("submitted", submitted))
	return submitted, nil
}

func (s *Scheduler) openTask(ctx context.Context, itemID string) (*monitor.ScrapeTask, error) {
	tasks, err := s.tasks.ListTasks(ctx, itemID)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		if !tasks[i].State.Terminal() {
			return &tasks[i], nil
		}
	}
	return nil, nil
}

// Run fires rounds until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		next := s.Next(s.clock.Now())
		s.logger.Info("next scrape round", zap.Time("at", next))
		select {
		case <-ctx.Done():
			return
		case <-s.after(next.Sub(s.clock.Now())):
		}
		if _, err := s.Fire(ctx); err != nil {
			s.logger.Error("scrape round failed", zap.Error(err))
		}
	}
}
