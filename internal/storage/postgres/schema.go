package postgres

// schema is applied by Migrate. Statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS scrape_tasks (
	id           TEXT PRIMARY KEY,
	item_id      TEXT NOT NULL,
	state        TEXT NOT NULL CHECK (state IN ('PENDING','RUNNING','SUCCESS','FAILED')),
	retry_count  INTEGER NOT NULL DEFAULT 0,
	last_message TEXT NOT NULL DEFAULT '',
	scheduled_at TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS scrape_tasks_due_idx ON scrape_tasks (scheduled_at) WHERE state = 'PENDING'`,
	`CREATE INDEX IF NOT EXISTS scrape_tasks_item_idx ON scrape_tasks (item_id, scheduled_at DESC)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
	id                     TEXT PRIMARY KEY,
	item_id                TEXT NOT NULL,
	task_id                TEXT UNIQUE REFERENCES scrape_tasks (id),
	title                  TEXT,
	price                  NUMERIC(14,2),
	rank_position          INTEGER,
	rank_category          TEXT,
	rank_sub_position      INTEGER,
	rank_sub_category      TEXT,
	inventory_kind         TEXT NOT NULL DEFAULT 'unknown',
	inventory_qty          INTEGER,
	main_image_digest      TEXT,
	rich_content_digest    TEXT,
	total_reviews          INTEGER,
	avg_rating             NUMERIC(3,1),
	bullet_text            TEXT,
	negative_review_digest TEXT,
	coupon_value           TEXT,
	is_lightning_deal      BOOLEAN,
	captured_at            TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS snapshots_item_idx ON snapshots (item_id, captured_at DESC)`,
	`CREATE TABLE IF NOT EXISTS alerts (
	id             TEXT PRIMARY KEY,
	item_id        TEXT NOT NULL,
	kind           TEXT NOT NULL,
	old_value      TEXT NOT NULL DEFAULT '',
	new_value      TEXT NOT NULL,
	change_percent NUMERIC(10,2),
	occurred_at    TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS alerts_item_idx ON alerts (item_id, occurred_at)`,
}
