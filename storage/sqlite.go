package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/agentwire/agentwire/events"
	"github.com/agentwire/agentwire/scope"
)

// SQLiteStore implements Store backed by a local SQLite file. All
// goroutines serialize through a single connection, which eliminates
// SQLITE_BUSY from concurrent writers. Timestamps are stored as Unix
// nanoseconds.
type SQLiteStore struct {
	db       *sql.DB
	leaseTTL time.Duration
}

// NewSQLiteStore opens (or creates) the database at dbPath and applies
// the schema. Use ":memory:" for an in-process database.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", ErrStorage, err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, leaseTTL: DefaultRunLeaseTTL}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// SetLeaseTTL overrides the run lease TTL.
func (s *SQLiteStore) SetLeaseTTL(ttl time.Duration) {
	s.leaseTTL = ttl
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id        TEXT PRIMARY KEY,
			thread_id     TEXT NOT NULL,
			parent_run_id TEXT,
			resource_ids  TEXT NOT NULL DEFAULT '[]',
			properties    TEXT,
			input         TEXT,
			events        TEXT NOT NULL DEFAULT '[]',
			created_at    INTEGER NOT NULL,
			version       INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS runs_thread_idx ON runs (thread_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS run_state (
			thread_id      TEXT PRIMARY KEY,
			is_running     INTEGER NOT NULL DEFAULT 0,
			current_run_id TEXT,
			server_id      TEXT,
			updated_at     INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("%w: create table: %v", ErrStorage, err)
		}
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		time.Now().UnixNano(),
	); err != nil {
		return fmt.Errorf("%w: record schema version: %v", ErrStorage, err)
	}
	return nil
}

func (s *SQLiteStore) AppendRun(ctx context.Context, run *Run) error {
	resourceIDs, err := json.Marshal(run.ResourceIDs)
	if err != nil {
		return fmt.Errorf("%w: marshal resource ids: %v", ErrStorage, err)
	}
	properties, err := json.Marshal(run.Properties)
	if err != nil {
		return fmt.Errorf("%w: marshal properties: %v", ErrStorage, err)
	}
	input, err := json.Marshal(run.Input)
	if err != nil {
		return fmt.Errorf("%w: marshal input: %v", ErrStorage, err)
	}
	evs := run.Events
	if evs == nil {
		evs = []events.Event{}
	}
	eventsJSON, err := json.Marshal(evs)
	if err != nil {
		return fmt.Errorf("%w: marshal events: %v", ErrStorage, err)
	}

	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	version := run.Version
	if version == 0 {
		version = 1
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO runs
			(run_id, thread_id, parent_run_id, resource_ids, properties, input, events, created_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.ThreadID, run.ParentRunID,
		string(resourceIDs), string(properties), string(input), string(eventsJSON),
		createdAt.UnixNano(), version,
	); err != nil {
		return fmt.Errorf("%w: append run: %v", ErrStorage, err)
	}
	return nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, threadID string) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, thread_id, parent_run_id, resource_ids, properties, input, events, created_at, version
		FROM runs
		WHERE thread_id = ?
		ORDER BY created_at ASC, run_id ASC`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query runs: %v", ErrStorage, err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var (
			run         Run
			resourceIDs sql.NullString
			properties  sql.NullString
			input       sql.NullString
			eventsJSON  sql.NullString
			createdAt   int64
		)
		if err := rows.Scan(
			&run.RunID, &run.ThreadID, &run.ParentRunID,
			&resourceIDs, &properties, &input, &eventsJSON,
			&createdAt, &run.Version,
		); err != nil {
			return nil, fmt.Errorf("%w: scan run: %v", ErrStorage, err)
		}
		run.CreatedAt = time.Unix(0, createdAt)
		if err := decodeRunBlobs(&run,
			[]byte(resourceIDs.String), []byte(properties.String),
			[]byte(input.String), []byte(eventsJSON.String),
		); err != nil {
			return nil, err
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate runs: %v", ErrStorage, err)
	}
	// Chain order wins over timestamps.
	return chainOrder(runs), nil
}

func (s *SQLiteStore) ListThreads(ctx context.Context, sc *scope.ResourceScope, limit, offset int) (*ThreadPage, error) {
	limit = ClampLimit(limit)
	offset = ClampOffset(offset)

	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, MAX(created_at) AS last_activity
		FROM runs
		WHERE instr(thread_id, ?) = 0
		GROUP BY thread_id
		ORDER BY last_activity DESC, thread_id ASC`,
		suggestionMarker,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query threads: %v", ErrStorage, err)
	}
	defer rows.Close()

	var threadIDs []string
	for rows.Next() {
		var id string
		var lastActivity int64
		if err := rows.Scan(&id, &lastActivity); err != nil {
			return nil, fmt.Errorf("%w: scan thread: %v", ErrStorage, err)
		}
		threadIDs = append(threadIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate threads: %v", ErrStorage, err)
	}

	var visible []*ThreadMetadata
	for _, id := range threadIDs {
		runs, err := s.ListRuns(ctx, id)
		if err != nil {
			return nil, err
		}
		running, err := s.IsRunning(ctx, id)
		if err != nil {
			return nil, err
		}
		md := metadataFromRuns(id, runs, running)
		if md == nil || !scope.Matches(md.ResourceIDs, sc) {
			continue
		}
		visible = append(visible, md)
	}

	page := &ThreadPage{Total: len(visible), Threads: []*ThreadMetadata{}}
	if offset < len(visible) {
		end := offset + limit
		if end > len(visible) {
			end = len(visible)
		}
		page.Threads = visible[offset:end]
	}
	return page, nil
}

func (s *SQLiteStore) GetThreadMetadata(ctx context.Context, threadID string, sc *scope.ResourceScope) (*ThreadMetadata, error) {
	runs, err := s.ListRuns(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	running, err := s.IsRunning(ctx, threadID)
	if err != nil {
		return nil, err
	}
	md := metadataFromRuns(threadID, runs, running)
	if md == nil || !scope.Matches(md.ResourceIDs, sc) {
		return nil, nil
	}
	return md, nil
}

func (s *SQLiteStore) DeleteThread(ctx context.Context, threadID string, sc *scope.ResourceScope) error {
	md, err := s.GetThreadMetadata(ctx, threadID, sc)
	if err != nil {
		return err
	}
	if md == nil {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("%w: delete runs: %v", ErrStorage, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_state WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("%w: delete run state: %v", ErrStorage, err)
	}
	return nil
}

func (s *SQLiteStore) IsRunning(ctx context.Context, threadID string) (bool, error) {
	var running bool
	err := s.db.QueryRowContext(ctx,
		`SELECT is_running AND updated_at > ? FROM run_state WHERE thread_id = ?`,
		time.Now().Add(-s.leaseTTL).UnixNano(), threadID,
	).Scan(&running)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: query run state: %v", ErrStorage, err)
	}
	return running, nil
}

func (s *SQLiteStore) AcquireRunLease(ctx context.Context, lease RunLease) (bool, error) {
	now := time.Now().UnixNano()
	expiredBefore := time.Now().Add(-s.leaseTTL).UnixNano()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO run_state (thread_id, is_running, current_run_id, server_id, updated_at)
		VALUES (?, 1, ?, ?, ?)
		ON CONFLICT (thread_id) DO UPDATE
		SET is_running = 1, current_run_id = excluded.current_run_id,
		    server_id = excluded.server_id, updated_at = excluded.updated_at
		WHERE run_state.is_running = 0 OR run_state.updated_at <= ?`,
		lease.ThreadID, lease.RunID, lease.ServerID, now, expiredBefore,
	)
	if err != nil {
		return false, fmt.Errorf("%w: acquire run lease: %v", ErrStorage, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: acquire run lease: %v", ErrStorage, err)
	}
	return affected == 1, nil
}

func (s *SQLiteStore) RenewRunLease(ctx context.Context, lease RunLease) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE run_state SET updated_at = ?
		WHERE thread_id = ? AND is_running = 1 AND current_run_id = ? AND server_id = ?`,
		time.Now().UnixNano(), lease.ThreadID, lease.RunID, lease.ServerID,
	); err != nil {
		return fmt.Errorf("%w: renew run lease: %v", ErrStorage, err)
	}
	return nil
}

func (s *SQLiteStore) ReleaseRunLease(ctx context.Context, lease RunLease) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE run_state SET is_running = 0, updated_at = ?
		WHERE thread_id = ? AND current_run_id = ? AND server_id = ?`,
		time.Now().UnixNano(), lease.ThreadID, lease.RunID, lease.ServerID,
	); err != nil {
		return fmt.Errorf("%w: release run lease: %v", ErrStorage, err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
