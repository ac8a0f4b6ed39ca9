package monitor

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// TrackedItem is an externally identified product under observation.
type TrackedItem struct {
	ID                 string `json:"id" mapstructure:"id" yaml:"id"`
	ExternalID         string `json:"external_id" mapstructure:"external_id" yaml:"external_id"`
	Site               string `json:"site" mapstructure:"site" yaml:"site"`
	InventoryThreshold *int   `json:"inventory_threshold,omitempty" mapstructure:"inventory_threshold" yaml:"inventory_threshold"`
}

// URL builds the listing page address for the item.
func (t TrackedItem) URL() string {
	site := t.Site
	if site == "" {
		site = "www.amazon.com"
	}
	return "https://" + site + "/dp/" + t.ExternalID
}

// Rank is a site-assigned popularity ranking.
type Rank struct {
	Position    int    `json:"position"`
	Category    string `json:"category,omitempty"`
	SubPosition *int   `json:"sub_position,omitempty"`
	SubCategory string `json:"sub_category,omitempty"`
}

// Snapshot is one normalized, partial capture of a listing. Nil pointers and
// empty digests mean the field was not extracted.
type Snapshot struct {
	ID                   string           `json:"id"`
	ItemID               string           `json:"item_id"`
	TaskID               string           `json:"task_id,omitempty"`
	Title                *string          `json:"title,omitempty"`
	Price                *decimal.Decimal `json:"price,omitempty"`
	Rank                 *Rank            `json:"rank,omitempty"`
	Inventory            Inventory        `json:"inventory"`
	MainImageDigest      *string          `json:"main_image_digest,omitempty"`
	RichContentDigest    *string          `json:"rich_content_digest,omitempty"`
	TotalReviews         *int             `json:"total_reviews,omitempty"`
	AvgRating            *decimal.Decimal `json:"avg_rating,omitempty"`
	BulletText           *string          `json:"bullet_text,omitempty"`
	NegativeReviewDigest *string          `json:"negative_review_digest,omitempty"`
	CouponValue          *string          `json:"coupon_value,omitempty"`
	IsLightningDeal      *bool            `json:"is_lightning_deal,omitempty"`
	CapturedAt           time.Time        `json:"captured_at"`
}

// HasMandatory reports whether price or rank was captured.
func (s Snapshot) HasMandatory() bool {
	return s.Price != nil || s.Rank != nil
}

// TaskState is the lifecycle state of a ScrapeTask.
type TaskState string

// Task states persisted in the task store.
const (
	TaskPending TaskState = "PENDING"
	TaskRunning TaskState = "RUNNING"
	TaskSuccess TaskState = "SUCCESS"
	TaskFailed  TaskState = "FAILED"
)

// Terminal reports whether no further automatic transition can happen.
func (s TaskState) Terminal() bool {
	return s == TaskSuccess || s == TaskFailed
}

// ScrapeTask is one logical execution series for a tracked item. Retries mutate
// the same record until it reaches a terminal state.
type ScrapeTask struct {
	ID          string    `json:"id"`
	ItemID      string    `json:"item_id"`
	State       TaskState `json:"state"`
	RetryCount  int       `json:"retry_count"`
	LastMessage string    `json:"last_message,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AlertKind classifies a detected change.
type AlertKind string

// Alert kinds emitted by the change detector.
const (
	AlertPriceChange        AlertKind = "PRICE_CHANGE"
	AlertInventoryThreshold AlertKind = "INVENTORY_THRESHOLD"
	AlertTitleChange        AlertKind = "TITLE_CHANGE"
	AlertImageChange        AlertKind = "IMAGE_CHANGE"
	AlertContentChange      AlertKind = "CONTENT_CHANGE"
	AlertBulletChange       AlertKind = "BULLET_CHANGE"
	AlertReviewChange       AlertKind = "REVIEW_CHANGE"
	AlertCouponChange       AlertKind = "COUPON_CHANGE"
	AlertDealStarted        AlertKind = "DEAL_STARTED"
)

// Alert records a single detected change. Immutable once persisted.
type Alert struct {
	ID            string           `json:"id"`
	ItemID        string           `json:"item_id"`
	Kind          AlertKind        `json:"kind"`
	OldValue      string           `json:"old_value,omitempty"`
	NewValue      string           `json:"new_value"`
	ChangePercent *decimal.Decimal `json:"change_percent,omitempty"`
	OccurredAt    time.Time        `json:"occurred_at"`
}

// RawDocument is the body acquired by a fetch tier.
type RawDocument struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Tier       string
	ProxyID    string
	Rendered   bool
}
