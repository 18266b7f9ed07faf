package storage

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// schema is applied on every Open. All statements are idempotent; real
// schema migrations are owned by the embedding application.
const schema = `
CREATE TABLE IF NOT EXISTS job (
	id              TEXT PRIMARY KEY,
	type            TEXT NOT NULL,
	status          TEXT NOT NULL,
	progress        INTEGER NOT NULL DEFAULT 0,
	processed_items INTEGER,
	total_items     INTEGER,
	parameters      TEXT,
	metadata        TEXT,
	result          TEXT,
	error           TEXT,
	created_at      TIMESTAMP NOT NULL,
	started_at      TIMESTAMP,
	completed_at    TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_job_status_created ON job(status, created_at);

CREATE TABLE IF NOT EXISTS analysis_plan (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	name          TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	plan_metadata TEXT,
	status        TEXT NOT NULL,
	job_id        TEXT,
	created_at    TIMESTAMP NOT NULL,
	applied_at    TIMESTAMP
);

CREATE TABLE IF NOT EXISTS plan_change (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	plan_id        INTEGER NOT NULL REFERENCES analysis_plan(id) ON DELETE CASCADE,
	scene_id       TEXT NOT NULL,
	field          TEXT NOT NULL,
	action         TEXT NOT NULL,
	current_value  TEXT,
	proposed_value TEXT NOT NULL,
	confidence     REAL,
	status         TEXT NOT NULL,
	applied        INTEGER NOT NULL DEFAULT 0,
	applied_at     TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_plan_change_plan_status ON plan_change(plan_id, status);

CREATE TABLE IF NOT EXISTS daemon (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL UNIQUE,
	type           TEXT NOT NULL,
	enabled        INTEGER NOT NULL DEFAULT 0,
	auto_start     INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL,
	configuration  TEXT,
	started_at     TIMESTAMP,
	last_heartbeat TIMESTAMP,
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_history (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type   TEXT NOT NULL,
	job_id        TEXT,
	status        TEXT NOT NULL,
	started_at    TIMESTAMP NOT NULL,
	completed_at  TIMESTAMP,
	items_synced  INTEGER NOT NULL DEFAULT 0,
	items_created INTEGER NOT NULL DEFAULT 0,
	items_updated INTEGER NOT NULL DEFAULT 0,
	items_failed  INTEGER NOT NULL DEFAULT 0,
	error_details TEXT
);
CREATE INDEX IF NOT EXISTS idx_sync_history_lookup ON sync_history(entity_type, status, completed_at);

CREATE TABLE IF NOT EXISTS daemon_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	daemon_id  TEXT NOT NULL,
	level      TEXT NOT NULL,
	message    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_daemon_log_daemon ON daemon_log(daemon_id, created_at);

CREATE TABLE IF NOT EXISTS daemon_job_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	daemon_id  TEXT NOT NULL,
	job_id     TEXT NOT NULL,
	action     TEXT NOT NULL,
	reason     TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_daemon_job_history_daemon ON daemon_job_history(daemon_id, created_at);

CREATE TABLE IF NOT EXISTS daemon_error (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	daemon_id        TEXT NOT NULL,
	error_type       TEXT NOT NULL,
	message          TEXT NOT NULL,
	occurrence_count INTEGER NOT NULL DEFAULT 1,
	first_seen       TIMESTAMP NOT NULL,
	last_seen        TIMESTAMP NOT NULL,
	resolved         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_daemon_error_coalesce ON daemon_error(daemon_id, error_type, last_seen);

CREATE TABLE IF NOT EXISTS daemon_activity (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	daemon_id     TEXT NOT NULL,
	activity_type TEXT NOT NULL,
	message       TEXT NOT NULL,
	details       TEXT,
	created_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS daemon_metric (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	daemon_id  TEXT NOT NULL,
	name       TEXT NOT NULL,
	value      REAL NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS daemon_alert (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	daemon_id    TEXT NOT NULL,
	severity     TEXT NOT NULL,
	title        TEXT NOT NULL,
	message      TEXT NOT NULL,
	acknowledged INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS daemon_status (
	daemon_id         TEXT PRIMARY KEY,
	current_activity  TEXT NOT NULL DEFAULT '',
	health_score      REAL NOT NULL DEFAULT 100,
	jobs_launched_24h INTEGER NOT NULL DEFAULT 0,
	errors_24h        INTEGER NOT NULL DEFAULT 0,
	warnings_24h      INTEGER NOT NULL DEFAULT 0,
	updated_at        TIMESTAMP NOT NULL
);
`

// Store bundles one database handle with the per-entity stores.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger

	Jobs    *JobStore
	Plans   *PlanStore
	Daemons *DaemonStore
	Sync    *SyncStore
	Observe *ObservabilityStore
}

// OpenOption tweaks the connection string.
type OpenOption func(*openSettings)

type openSettings struct {
	busyTimeoutMs int
}

// WithBusyTimeout overrides the SQLite busy timeout.
func WithBusyTimeout(ms int) OpenOption {
	return func(s *openSettings) {
		if ms > 0 {
			s.busyTimeoutMs = ms
		}
	}
}

// Open opens (creating if needed) the SQLite database at path and
// applies the bootstrap schema. Use ":memory:" for tests.
func Open(path string, logger *slog.Logger, opts ...OpenOption) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	settings := openSettings{busyTimeoutMs: 5000}
	for _, opt := range opts {
		opt(&settings)
	}
	db, err := sqlx.Open("sqlite3", dsn(path, settings.busyTimeoutMs))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite tolerates exactly one writer; a single pooled connection
	// keeps statements serialized and avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	s := &Store{db: db, logger: logger}
	s.Jobs = &JobStore{db: db}
	s.Plans = &PlanStore{db: db}
	s.Daemons = &DaemonStore{db: db}
	s.Sync = &SyncStore{db: db}
	s.Observe = &ObservabilityStore{db: db}
	logger.Debug("Storage opened", "path", path)
	return s, nil
}

// dsn builds the sqlite connection string with the pragmas the core
// relies on: foreign keys for plan cascade deletes, WAL for concurrent
// readers, UTC parsing for timestamps.
func dsn(path string, busyTimeoutMs int) string {
	q := url.Values{}
	q.Set("_foreign_keys", "on")
	q.Set("_journal_mode", "WAL")
	q.Set("_busy_timeout", strconv.Itoa(busyTimeoutMs))
	q.Set("_loc", "UTC")
	return "file:" + path + "?" + q.Encode()
}

// DB exposes the underlying handle for tests and the composition root.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// utcNow is the single clock for persisted timestamps. All stored
// times are UTC; boundary formatting happens in the sync coordinator.
func utcNow() time.Time {
	return time.Now().UTC()
}

// utcPtr returns a pointer to t in UTC.
func utcPtr(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}
