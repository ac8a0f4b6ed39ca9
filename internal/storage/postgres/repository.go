// Package postgres implements the repository on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/listing-monitor/internal/monitor"
	"github.com/JakeFAU/listing-monitor/internal/storage"
)

// Config controls the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the repository needs.
type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Repository persists tasks, snapshots and alerts.
type Repository struct {
	pool pool
}

var (
	taskCols     = strings.Join(storage.TaskColumns, ", ")
	alertCols    = strings.Join(storage.AlertColumns, ", ")
	snapshotCols = strings.Join(storage.SnapshotColumns, ", ")
	// numeric columns are read back as text to keep decimal precision.
	snapshotSelect = strings.NewReplacer(
		"price,", "price::text,",
		"avg_rating,", "avg_rating::text,",
	).Replace(snapshotCols)
	alertSelect = strings.Replace(alertCols, "change_percent", "change_percent::text", 1)
)

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Repository, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Repository{pool: p}, nil
}

// NewWithPool wraps an existing pool (primarily for tests).
func NewWithPool(p pool) (*Repository, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Repository{pool: p}, nil
}

// Migrate creates the tables and indexes when missing.
func (r *Repository) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Close releases the pool.
func (r *Repository) Close() error {
	if r != nil && r.pool != nil {
		r.pool.Close()
	}
	return nil
}

// CreateTask inserts a task row.
func (r *Repository) CreateTask(ctx context.Context, task monitor.ScrapeTask) error {
	query := `INSERT INTO scrape_tasks (` + taskCols + `) VALUES ($1,$2,$3,$4,$5,$6,$7)`
	if _, err := r.pool.Exec(ctx, query, storage.TaskArgs(task)...); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask fetches one task.
func (r *Repository) GetTask(ctx context.Context, taskID string) (monitor.ScrapeTask, error) {
	var row storage.TaskRow
	err := r.pool.QueryRow(ctx, `SELECT `+taskCols+` FROM scrape_tasks WHERE id = $1`, taskID).Scan(row.Dest()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.ScrapeTask{}, fmt.Errorf("task %s: %w", taskID, monitor.ErrNotFound)
	}
	if err != nil {
		return monitor.ScrapeTask{}, fmt.Errorf("get task: %w", err)
	}
	return row.Task(), nil
}

// ClaimTask flips a due PENDING task to RUNNING in a single conditional update.
func (r *Repository) ClaimTask(ctx context.Context, taskID string, at time.Time) (monitor.ScrapeTask, error) {
	var row storage.TaskRow
	err := r.pool.QueryRow(ctx, `
UPDATE scrape_tasks SET state = 'RUNNING', updated_at = $2
WHERE id = $1 AND state = 'PENDING' AND scheduled_at <= $2
RETURNING `+taskCols, taskID, at.UTC()).Scan(row.Dest()...)
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := r.GetTask(ctx, taskID)
		if getErr != nil {
			return monitor.ScrapeTask{}, getErr
		}
		return monitor.ScrapeTask{}, storage.NotClaimable(current)
	}
	if err != nil {
		return monitor.ScrapeTask{}, fmt.Errorf("claim task: %w", err)
	}
	return row.Task(), nil
}

// UpdateTask overwrites the mutable columns.
func (r *Repository) UpdateTask(ctx context.Context, task monitor.ScrapeTask) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE scrape_tasks SET state = $2, retry_count = $3, last_message = $4, scheduled_at = $5, updated_at = $6
WHERE id = $1`,
		task.ID, string(task.State), task.RetryCount, task.LastMessage, task.ScheduledAt.UTC(), task.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", task.ID, monitor.ErrNotFound)
	}
	return nil
}

// ListTasks returns the item's tasks, newest schedule first.
func (r *Repository) ListTasks(ctx context.Context, itemID string) ([]monitor.ScrapeTask, error) {
	return r.queryTasks(ctx, `SELECT `+taskCols+` FROM scrape_tasks WHERE item_id = $1 ORDER BY scheduled_at DESC`, itemID)
}

// ListDueTasks returns PENDING tasks scheduled at or before now.
func (r *Repository) ListDueTasks(ctx context.Context, now time.Time, limit int) ([]monitor.ScrapeTask, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryTasks(ctx, `
SELECT `+taskCols+` FROM scrape_tasks
WHERE state = 'PENDING' AND scheduled_at <= $1
ORDER BY scheduled_at
LIMIT $2`, now.UTC(), limit)
}

func (r *Repository) queryTasks(ctx context.Context, query string, args ...any) ([]monitor.ScrapeTask, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []monitor.ScrapeTask
	for rows.Next() {
		var row storage.TaskRow
		if err := rows.Scan(row.Dest()...); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, row.Task())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

// CommitSuccess writes the snapshot, its alerts and the SUCCESS transition in
// one transaction. The task must still be RUNNING.
func (r *Repository) CommitSuccess(ctx context.Context, task monitor.ScrapeTask, snap monitor.Snapshot, alerts []monitor.Alert) (err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `
UPDATE scrape_tasks SET state = 'SUCCESS', retry_count = $2, last_message = $3, updated_at = $4
WHERE id = $1 AND state = 'RUNNING'`,
		task.ID, task.RetryCount, task.LastMessage, task.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("mark task success: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", task.ID, monitor.ErrTaskNotClaimable)
	}

	snap.TaskID = task.ID
	row := storage.FlattenSnapshot(snap)
	if _, err = tx.Exec(ctx, `INSERT INTO snapshots (`+snapshotCols+`) VALUES (`+placeholders(len(storage.SnapshotColumns))+`)`, row.Args()...); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	for _, a := range alerts {
		if _, err = tx.Exec(ctx, `INSERT INTO alerts (`+alertCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7)`, storage.AlertArgs(a)...); err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LatestSnapshot returns the newest snapshot or nil.
func (r *Repository) LatestSnapshot(ctx context.Context, itemID string) (*monitor.Snapshot, error) {
	snaps, err := r.querySnapshots(ctx, `SELECT `+snapshotSelect+` FROM snapshots WHERE item_id = $1 ORDER BY captured_at DESC LIMIT 1`, itemID)
	if err != nil || len(snaps) == 0 {
		return nil, err
	}
	return &snaps[0], nil
}

// RecentSnapshots returns up to limit snapshots, newest first.
func (r *Repository) RecentSnapshots(ctx context.Context, itemID string, limit int) ([]monitor.Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.querySnapshots(ctx, `SELECT `+snapshotSelect+` FROM snapshots WHERE item_id = $1 ORDER BY captured_at DESC LIMIT $2`, itemID, limit)
}

// SnapshotsSince returns snapshots captured at or after since, oldest first.
func (r *Repository) SnapshotsSince(ctx context.Context, itemID string, since time.Time) ([]monitor.Snapshot, error) {
	return r.querySnapshots(ctx, `SELECT `+snapshotSelect+` FROM snapshots WHERE item_id = $1 AND captured_at >= $2 ORDER BY captured_at`, itemID, since.UTC())
}

func (r *Repository) querySnapshots(ctx context.Context, query string, args ...any) ([]monitor.Snapshot, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()
	var out []monitor.Snapshot
	for rows.Next() {
		var row storage.SnapshotRow
		if err := rows.Scan(row.Dest()...); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap, err := row.Snapshot()
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	return out, nil
}

// ListAlerts returns alerts with from <= occurred_at < to, oldest first. A
// zero to means no upper bound.
func (r *Repository) ListAlerts(ctx context.Context, itemID string, from, to time.Time) ([]monitor.Alert, error) {
	var upper *time.Time
	if !to.IsZero() {
		u := to.UTC()
		upper = &u
	}
	rows, err := r.pool.Query(ctx, `
SELECT `+alertSelect+` FROM alerts
WHERE item_id = $1 AND occurred_at >= $2 AND ($3::timestamptz IS NULL OR occurred_at < $3)
ORDER BY occurred_at`, itemID, from.UTC(), upper)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()
	var out []monitor.Alert
	for rows.Next() {
		var row storage.AlertRow
		if err := rows.Scan(row.Dest()...); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a, err := row.Alert()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return out, nil
}

func placeholders(n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteByte(',')
		}
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(i))
	}
	return b.String()
}
