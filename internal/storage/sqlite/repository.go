// Package sqlite implements the repository on an embedded SQLite database
// for single-node deployments. Timestamps are stored as Unix nanoseconds.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/listing-monitor/internal/monitor"
	"github.com/JakeFAU/listing-monitor/internal/storage"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS scrape_tasks (
	id           TEXT PRIMARY KEY,
	item_id      TEXT NOT NULL,
	state        TEXT NOT NULL,
	retry_count  INTEGER NOT NULL DEFAULT 0,
	last_message TEXT NOT NULL DEFAULT '',
	scheduled_at INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS scrape_tasks_due_idx ON scrape_tasks (state, scheduled_at)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
	id                     TEXT PRIMARY KEY,
	item_id                TEXT NOT NULL,
	task_id                TEXT UNIQUE REFERENCES scrape_tasks (id),
	title                  TEXT,
	price                  TEXT,
	rank_position          INTEGER,
	rank_category          TEXT,
	rank_sub_position      INTEGER,
	rank_sub_category      TEXT,
	inventory_kind         TEXT NOT NULL DEFAULT 'unknown',
	inventory_qty          INTEGER,
	main_image_digest      TEXT,
	rich_content_digest    TEXT,
	total_reviews          INTEGER,
	avg_rating             TEXT,
	bullet_text            TEXT,
	negative_review_digest TEXT,
	coupon_value           TEXT,
	is_lightning_deal      INTEGER,
	captured_at            INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS snapshots_item_idx ON snapshots (item_id, captured_at)`,
	`CREATE TABLE IF NOT EXISTS alerts (
	id             TEXT PRIMARY KEY,
	item_id        TEXT NOT NULL,
	kind           TEXT NOT NULL,
	old_value      TEXT NOT NULL DEFAULT '',
	new_value      TEXT NOT NULL,
	change_percent TEXT,
	occurred_at    INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS alerts_item_idx ON alerts (item_id, occurred_at)`,
}

var (
	taskCols     = strings.Join(storage.TaskColumns, ", ")
	alertCols    = strings.Join(storage.AlertColumns, ", ")
	snapshotCols = strings.Join(storage.SnapshotColumns, ", ")
)

// Repository persists tasks, snapshots and alerts in SQLite.
type Repository struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema. Use
// ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Repository, error) {
	if path == "" {
		return nil, fmt.Errorf("storage.sqlite_path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: SQLite serializes writers anyway and ":memory:" is per
	// connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=10000",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL")
	}
	for _, stmt := range append(pragmas, schema...) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite: %w", err)
		}
	}
	return &Repository{db: db}, nil
}

// Close closes the database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// CreateTask inserts a task row.
func (r *Repository) CreateTask(ctx context.Context, task monitor.ScrapeTask) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO scrape_tasks (`+taskCols+`) VALUES (?,?,?,?,?,?,?)`, nanoArgs(storage.TaskArgs(task))...)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask fetches one task.
func (r *Repository) GetTask(ctx context.Context, taskID string) (monitor.ScrapeTask, error) {
	var row storage.TaskRow
	err := r.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM scrape_tasks WHERE id = ?`, taskID).Scan(nanoDest(row.Dest())...)
	if errors.Is(err, sql.ErrNoRows) {
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
	err := r.db.QueryRowContext(ctx,
		`UPDATE scrape_tasks SET state = 'RUNNING', updated_at = ?
WHERE id = ? AND state = 'PENDING' AND scheduled_at <= ? RETURNING `+taskCols,
		at.UnixNano(), taskID, at.UnixNano(),
	).Scan(nanoDest(row.Dest())...)
	if errors.Is(err, sql.ErrNoRows) {
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
	res, err := r.db.ExecContext(ctx,
		`UPDATE scrape_tasks SET state = ?, retry_count = ?, last_message = ?, scheduled_at = ?, updated_at = ? WHERE id = ?`,
		string(task.State), task.RetryCount, task.LastMessage, task.ScheduledAt.UnixNano(), task.UpdatedAt.UnixNano(), task.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("task %s: %w", task.ID, monitor.ErrNotFound)
	}
	return nil
}

// ListTasks returns the item's tasks, newest schedule first.
func (r *Repository) ListTasks(ctx context.Context, itemID string) ([]monitor.ScrapeTask, error) {
	return r.queryTasks(ctx, `SELECT `+taskCols+` FROM scrape_tasks WHERE item_id = ? ORDER BY scheduled_at DESC`, itemID)
}

// ListDueTasks returns PENDING tasks scheduled at or before now.
func (r *Repository) ListDueTasks(ctx context.Context, now time.Time, limit int) ([]monitor.ScrapeTask, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryTasks(ctx,
		`SELECT `+taskCols+` FROM scrape_tasks WHERE state = 'PENDING' AND scheduled_at <= ? ORDER BY scheduled_at LIMIT ?`,
		now.UnixNano(), limit)
}

func (r *Repository) queryTasks(ctx context.Context, query string, args ...any) ([]monitor.ScrapeTask, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []monitor.ScrapeTask
	for rows.Next() {
		var row storage.TaskRow
		if err := rows.Scan(nanoDest(row.Dest())...); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, row.Task())
	}
	return out, rows.Err()
}

// CommitSuccess writes the snapshot, its alerts and the SUCCESS transition in
// one transaction. The task must still be RUNNING.
func (r *Repository) CommitSuccess(ctx context.Context, task monitor.ScrapeTask, snap monitor.Snapshot, alerts []monitor.Alert) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE scrape_tasks SET state = 'SUCCESS', retry_count = ?, last_message = ?, updated_at = ? WHERE id = ? AND state = 'RUNNING'`,
		task.RetryCount, task.LastMessage, task.UpdatedAt.UnixNano(), task.ID,
	)
	if err != nil {
		return fmt.Errorf("mark task success: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark task success: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", task.ID, monitor.ErrTaskNotClaimable)
	}

	snap.TaskID = task.ID
	row := storage.FlattenSnapshot(snap)
	marks := strings.TrimSuffix(strings.Repeat("?,", len(storage.SnapshotColumns)), ",")
	if _, err = tx.ExecContext(ctx, `INSERT INTO snapshots (`+snapshotCols+`) VALUES (`+marks+`)`, nanoArgs(row.Args())...); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	for _, a := range alerts {
		if _, err = tx.ExecContext(ctx, `INSERT INTO alerts (`+alertCols+`) VALUES (?,?,?,?,?,?,?)`, nanoArgs(storage.AlertArgs(a))...); err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LatestSnapshot returns the newest snapshot or nil.
func (r *Repository) LatestSnapshot(ctx context.Context, itemID string) (*monitor.Snapshot, error) {
	snaps, err := r.querySnapshots(ctx, `SELECT `+snapshotCols+` FROM snapshots WHERE item_id = ? ORDER BY captured_at DESC LIMIT 1`, itemID)
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
	return r.querySnapshots(ctx, `SELECT `+snapshotCols+` FROM snapshots WHERE item_id = ? ORDER BY captured_at DESC LIMIT ?`, itemID, limit)
}

// SnapshotsSince returns snapshots captured at or after since, oldest first.
func (r *Repository) SnapshotsSince(ctx context.Context, itemID string, since time.Time) ([]monitor.Snapshot, error) {
	return r.querySnapshots(ctx, `SELECT `+snapshotCols+` FROM snapshots WHERE item_id = ? AND captured_at >= ? ORDER BY captured_at`, itemID, since.UnixNano())
}

func (r *Repository) querySnapshots(ctx context.Context, query string, args ...any) ([]monitor.Snapshot, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()
	var out []monitor.Snapshot
	for rows.Next() {
		var row storage.SnapshotRow
		if err := rows.Scan(nanoDest(row.Dest())...); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap, err := row.Snapshot()
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// ListAlerts returns alerts with from <= occurred_at < to, oldest first. A
// zero to means no upper bound.
func (r *Repository) ListAlerts(ctx context.Context, itemID string, from, to time.Time) ([]monitor.Alert, error) {
	upper := int64(1<<63 - 1)
	if !to.IsZero() {
		upper = to.UnixNano()
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+alertCols+` FROM alerts WHERE item_id = ? AND occurred_at >= ? AND occurred_at < ? ORDER BY occurred_at`,
		itemID, from.UnixNano(), upper)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()
	var out []monitor.Alert
	for rows.Next() {
		var row storage.AlertRow
		if err := rows.Scan(nanoDest(row.Dest())...); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a, err := row.Alert()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// unixNano scans an INTEGER column into a time.Time.
type unixNano struct{ t *time.Time }

func (u unixNano) Scan(src any) error {
	n, ok := src.(int64)
	if !ok {
		return fmt.Errorf("timestamp column holds %T", src)
	}
	*u.t = time.Unix(0, n).UTC()
	return nil
}

func nanoArgs(args []any) []any {
	for i, a := range args {
		if t, ok := a.(time.Time); ok {
			args[i] = t.UnixNano()
		}
	}
	return args
}

func nanoDest(dest []any) []any {
	for i, d := range dest {
		if t, ok := d.(*time.Time); ok {
			dest[i] = unixNano{t: t}
		}
	}
	return dest
}
