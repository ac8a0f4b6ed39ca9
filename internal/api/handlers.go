package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-monitor/internal/monitor"
)

const (
	defaultSnapshotLimit = 20
	maxSnapshotLimit     = 500
	queryTimeout         = 3 * time.Second
)

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	items, err := s.deps.Registry.ListItems(ctx)
	if err != nil {
		s.logger.Error("list items failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list items")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// listSnapshots serves either the most recent N snapshots (newest first) or,
// with ?since=, every snapshot captured at or after that instant (oldest first).
func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	itemID, ok := s.knownItem(ctx, w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	var (
		snaps []monitor.Snapshot
		err   error
	)
	if raw := q.Get("since"); raw != "" {
		since, parseErr := time.Parse(time.RFC3339, raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, "invalid since, want RFC3339")
			return
		}
		snaps, err = s.deps.Repository.SnapshotsSince(ctx, itemID, since)
	} else {
		limit, parseErr := parseLimit(q.Get("limit"), defaultSnapshotLimit, maxSnapshotLimit)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		snaps, err = s.deps.Repository.RecentSnapshots(ctx, itemID, limit)
	}
	if err != nil {
		s.logger.Error("list snapshots failed", zap.String("item_id", itemID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list snapshots")
		return
	}
	if snaps == nil {
		snaps = []monitor.Snapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	itemID, ok := s.knownItem(ctx, w, r)
	if !ok {
		return
	}
	tasks, err := s.deps.Repository.ListTasks(ctx, itemID)
	if err != nil {
		s.logger.Error("list tasks failed", zap.String("item_id", itemID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []monitor.ScrapeTask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	itemID, ok := s.knownItem(ctx, w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	from, err := parseTime(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from, want RFC3339")
		return
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to, want RFC3339")
		return
	}
	if !to.IsZero() && to.Before(from) {
		writeError(w, http.StatusBadRequest, "to must not be before from")
		return
	}
	alerts, err := s.deps.Repository.ListAlerts(ctx, itemID, from, to)
	if err != nil {
		s.logger.Error("list alerts failed", zap.String("item_id", itemID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	if alerts == nil {
		alerts = []monitor.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	task, err := s.deps.Repository.GetTask(ctx, chi.URLParam(r, "task_id"))
	if err != nil {
		s.writeLookupError(w, "task", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

// retrigger resets a FAILED task and offers it to the worker pool. Tasks in
// any other state answer 409.
func (s *Server) retrigger(w http.ResponseWriter, r *http.Request) {
	if s.deps.Retriggerer == nil {
		writeError(w, http.StatusServiceUnavailable, "retrigger unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	task, err := s.deps.Retriggerer.Retrigger(ctx, chi.URLParam(r, "task_id"))
	switch {
	case errors.Is(err, monitor.ErrTaskNotClaimable):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.writeLookupError(w, "task", err)
		return
	}
	queued := false
	if s.deps.Offerer != nil {
		queued = s.deps.Offerer.Offer(task)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task": task, "queued": queued})
}

func (s *Server) knownItem(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, bool) {
	itemID := chi.URLParam(r, "item_id")
	if _, err := s.deps.Registry.GetItem(ctx, itemID); err != nil {
		s.writeLookupError(w, "item", err)
		return "", false
	}
	return itemID, true
}

func (s *Server) writeLookupError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, monitor.ErrNotFound) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	s.logger.Error("lookup failed", zap.String("kind", what), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to load "+what)
}

func parseLimit(raw string, def, maxLimit int) (int, error) {
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return min(val, maxLimit), nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}
