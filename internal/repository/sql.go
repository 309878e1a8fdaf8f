package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// SQLStore implements Store on database/sql. SQLite and Postgres share one
// schema; timestamps are stored as unix milliseconds and JSON as text.
type SQLStore struct {
	db     *sql.DB
	driver string
	locks  *keyedMutex
	now    func() time.Time
}

// Open connects to the database and runs migrations.
func Open(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "", "sqlite", DriverSQLite:
		driver = DriverSQLite
	case "postgres", DriverPostgres:
		driver = DriverPostgres
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// For in-memory SQLite, multiple connections create separate databases.
		// Keep a single connection to avoid schema/data disappearing across goroutines.
		if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
			db.SetMaxOpenConns(1)
			db.SetMaxIdleConns(1)
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	s := &SQLStore{
		db:     db,
		driver: driver,
		locks:  newKeyedMutex(),
		now:    time.Now,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// NewSQLiteStore opens a SQLite backed store.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	return Open(DriverSQLite, dsn)
}

// SetClock overrides the store clock. Used by tests.
func (s *SQLStore) SetClock(now func() time.Time) {
	s.now = now
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			input TEXT,
			status TEXT NOT NULL,
			result TEXT,
			error TEXT,
			agent_id TEXT,
			owner_workflow_id TEXT,
			owner_step TEXT,
			deadline_at BIGINT,
			created_at BIGINT NOT NULL,
			started_at BIGINT,
			completed_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at, task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_deadline ON tasks(deadline_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_workflow_id)`,
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			name TEXT,
			endpoint TEXT,
			capabilities TEXT,
			last_heartbeat BIGINT NOT NULL,
			registered_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			payload TEXT,
			source TEXT,
			published_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type, published_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_published ON events(published_at)`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			run_id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			trigger_payload TEXT,
			status TEXT NOT NULL,
			error TEXT,
			created_at BIGINT NOT NULL,
			completed_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_name ON workflow_runs(workflow_name, created_at)`,
		`CREATE TABLE IF NOT EXISTS workflow_steps (
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			position INTEGER NOT NULL,
			status TEXT NOT NULL,
			task_id TEXT,
			error_task_id TEXT,
			output TEXT,
			error TEXT,
			started_at BIGINT,
			completed_at BIGINT,
			PRIMARY KEY (run_id, name),
			FOREIGN KEY (run_id) REFERENCES workflow_runs(run_id)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullStringBytes(v []byte) sql.NullString {
	if len(v) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(v), Valid: true}
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// keyedMutex serialises work per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
