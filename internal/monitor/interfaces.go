package monitor

import (
	"context"
	"io"
	"time"
)

// Fetcher acquires a raw document for a URL. Implementations are the fetch tiers.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, url string) (RawDocument, error)
}

// Extractor turns a raw document into a partial snapshot. It never fails.
type Extractor interface {
	Extract(doc RawDocument) Snapshot
}

// SnapshotReader exposes snapshot history.
type SnapshotReader interface {
	LatestSnapshot(ctx context.Context, itemID string) (*Snapshot, error)
	RecentSnapshots(ctx context.Context, itemID string, limit int) ([]Snapshot, error)
	SnapshotsSince(ctx context.Context, itemID string, since time.Time) ([]Snapshot, error)
}

// TaskStore persists the scrape task state machine.
type TaskStore interface {
	CreateTask(ctx context.Context, task ScrapeTask) error
	GetTask(ctx context.Context, taskID string) (ScrapeTask, error)
	// ClaimTask moves a PENDING task whose ScheduledAt is not after at to
	// RUNNING; ErrTaskNotClaimable otherwise.
	ClaimTask(ctx context.Context, taskID string, at time.Time) (ScrapeTask, error)
	// UpdateTask overwrites state, retry count, message and schedule.
	UpdateTask(ctx context.Context, task ScrapeTask) error
	ListTasks(ctx context.Context, itemID string) ([]ScrapeTask, error)
	ListDueTasks(ctx context.Context, now time.Time, limit int) ([]ScrapeTask, error)
}

// AlertReader exposes persisted alerts.
type AlertReader interface {
	ListAlerts(ctx context.Context, itemID string, from, to time.Time) ([]Alert, error)
}

// Repository is the persistence boundary for the pipeline.
type Repository interface {
	SnapshotReader
	TaskStore
	AlertReader
	// CommitSuccess persists the snapshot, its alerts and the SUCCESS task
	// state in one transaction.
	CommitSuccess(ctx context.Context, task ScrapeTask, snap Snapshot, alerts []Alert) error
	Close() error
}

// Registry lists the tracked items.
type Registry interface {
	ListItems(ctx context.Context) ([]TrackedItem, error)
	GetItem(ctx context.Context, itemID string) (TrackedItem, error)
}

// Deliverer sends one notification. Delivery is best-effort.
type Deliverer interface {
	Deliver(ctx context.Context, title, body string) error
}

// BlobStore writes diagnostic artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// QueueItem is a unit of work for the executor.
type QueueItem struct {
	TaskID string
	ItemID string
}

// Queue provides enqueue/dequeue semantics for scrape tasks.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	TryEnqueue(item QueueItem) bool
	Dequeue(ctx context.Context) (QueueItem, error)
}
