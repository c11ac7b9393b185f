package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentwire/agentwire/events"
	"github.com/agentwire/agentwire/scope"
)

// txContextKey is the context key for storing pgx.Tx
type txContextKey struct{}

// WithTx returns a new context with the given transaction. Store calls
// made with it run inside the transaction instead of on the pool.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext retrieves the transaction from context, or nil if not present
func TxFromContext(ctx context.Context) pgx.Tx {
	if tx, ok := ctx.Value(txContextKey{}).(pgx.Tx); ok {
		return tx
	}
	return nil
}

// querier is a common interface for pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS agentwire_runs (
	run_id        TEXT PRIMARY KEY,
	thread_id     TEXT NOT NULL,
	parent_run_id TEXT,
	resource_ids  JSONB NOT NULL DEFAULT '[]',
	properties    JSONB,
	input         JSONB,
	events        JSONB NOT NULL DEFAULT '[]',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	version       INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS agentwire_runs_thread_idx ON agentwire_runs (thread_id, created_at);

CREATE TABLE IF NOT EXISTS agentwire_run_state (
	thread_id      TEXT PRIMARY KEY,
	is_running     BOOLEAN NOT NULL DEFAULT FALSE,
	current_run_id TEXT,
	server_id      TEXT,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS agentwire_schema_version (
	version    INTEGER PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
INSERT INTO agentwire_schema_version (version) VALUES (1) ON CONFLICT DO NOTHING;
`

// PostgresStore implements Store on PostgreSQL using pgx.
type PostgresStore struct {
	pool     *pgxpool.Pool
	leaseTTL time.Duration
}

// NewPostgresStore creates a Postgres-backed store and applies the schema.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool, leaseTTL: DefaultRunLeaseTTL}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		return nil, fmt.Errorf("%w: apply schema: %v", ErrStorage, err)
	}
	return s, nil
}

// SetLeaseTTL overrides the run lease TTL.
func (s *PostgresStore) SetLeaseTTL(ttl time.Duration) {
	s.leaseTTL = ttl
}

// getQuerier returns the transaction from context if present, otherwise the pool
func (s *PostgresStore) getQuerier(ctx context.Context) querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

func (s *PostgresStore) AppendRun(ctx context.Context, run *Run) error {
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

	query := `
		INSERT INTO agentwire_runs
			(run_id, thread_id, parent_run_id, resource_ids, properties, input, events, created_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id) DO NOTHING
	`
	if _, err := s.getQuerier(ctx).Exec(ctx, query,
		run.RunID, run.ThreadID, run.ParentRunID,
		resourceIDs, properties, input, eventsJSON, createdAt, version,
	); err != nil {
		return fmt.Errorf("%w: append run: %v", ErrStorage, err)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, threadID string) ([]*Run, error) {
	// Walk the parent chain from the root. Depth carries the order so the
	// result does not depend on timestamps.
	query := `
		WITH RECURSIVE chain AS (
			SELECT r.*, 0 AS depth
			FROM agentwire_runs r
			WHERE r.thread_id = $1 AND r.parent_run_id IS NULL
			UNION ALL
			SELECT r.*, c.depth + 1
			FROM agentwire_runs r
			JOIN chain c ON r.parent_run_id = c.run_id
			WHERE r.thread_id = $1
		)
		SELECT run_id, thread_id, parent_run_id, resource_ids, properties, input, events, created_at, version
		FROM chain
		ORDER BY depth ASC, created_at ASC
	`
	rows, err := s.getQuerier(ctx).Query(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("%w: query runs: %v", ErrStorage, err)
	}
	defer rows.Close()

	return scanRuns(rows)
}

func (s *PostgresStore) ListThreads(ctx context.Context, sc *scope.ResourceScope, limit, offset int) (*ThreadPage, error) {
	limit = ClampLimit(limit)
	offset = ClampOffset(offset)

	// Thread ownership lives on the root run; running state in run_state.
	// Scope filtering happens in Go because the scope is a set.
	query := `
		SELECT a.thread_id, root.resource_ids,
		       COALESCE(st.is_running, FALSE), COALESCE(st.updated_at, 'epoch'::timestamptz)
		FROM (
			SELECT thread_id, MAX(created_at) AS last_activity
			FROM agentwire_runs
			WHERE thread_id NOT LIKE '%' || $1 || '%'
			GROUP BY thread_id
		) a
		JOIN agentwire_runs root
		  ON root.thread_id = a.thread_id AND root.parent_run_id IS NULL
		LEFT JOIN agentwire_run_state st ON st.thread_id = a.thread_id
		ORDER BY a.last_activity DESC, a.thread_id ASC
	`
	rows, err := s.getQuerier(ctx).Query(ctx, query, suggestionMarker)
	if err != nil {
		return nil, fmt.Errorf("%w: query threads: %v", ErrStorage, err)
	}
	defer rows.Close()

	type candidate struct {
		threadID string
		running  bool
	}
	var visible []candidate
	now := time.Now()
	for rows.Next() {
		var (
			threadID       string
			resourceIDsRaw []byte
			running        bool
			leaseUpdatedAt time.Time
		)
		if err := rows.Scan(&threadID, &resourceIDsRaw, &running, &leaseUpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan thread: %v", ErrStorage, err)
		}
		var resourceIDs []string
		if len(resourceIDsRaw) > 0 {
			if err := json.Unmarshal(resourceIDsRaw, &resourceIDs); err != nil {
				return nil, fmt.Errorf("%w: unmarshal resource ids: %v", ErrStorage, err)
			}
		}
		if !scope.Matches(resourceIDs, sc) {
			continue
		}
		visible = append(visible, candidate{
			threadID: threadID,
			running:  running && now.Sub(leaseUpdatedAt) < s.leaseTTL,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate threads: %v", ErrStorage, err)
	}

	page := &ThreadPage{Total: len(visible), Threads: []*ThreadMetadata{}}
	if offset >= len(visible) {
		return page, nil
	}
	end := offset + limit
	if end > len(visible) {
		end = len(visible)
	}
	for _, c := range visible[offset:end] {
		runs, err := s.ListRuns(ctx, c.threadID)
		if err != nil {
			return nil, err
		}
		if md := metadataFromRuns(c.threadID, runs, c.running); md != nil {
			page.Threads = append(page.Threads, md)
		}
	}
	return page, nil
}

func (s *PostgresStore) GetThreadMetadata(ctx context.Context, threadID string, sc *scope.ResourceScope) (*ThreadMetadata, error) {
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

func (s *PostgresStore) DeleteThread(ctx context.Context, threadID string, sc *scope.ResourceScope) error {
	md, err := s.GetThreadMetadata(ctx, threadID, sc)
	if err != nil {
		return err
	}
	if md == nil {
		return nil
	}
	q := s.getQuerier(ctx)
	if _, err := q.Exec(ctx, `DELETE FROM agentwire_runs WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("%w: delete runs: %v", ErrStorage, err)
	}
	if _, err := q.Exec(ctx, `DELETE FROM agentwire_run_state WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("%w: delete run state: %v", ErrStorage, err)
	}
	return nil
}

func (s *PostgresStore) IsRunning(ctx context.Context, threadID string) (bool, error) {
	query := `
		SELECT is_running AND updated_at > NOW() - make_interval(secs => $2)
		FROM agentwire_run_state
		WHERE thread_id = $1
	`
	var running bool
	err := s.getQuerier(ctx).QueryRow(ctx, query, threadID, s.leaseTTL.Seconds()).Scan(&running)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: query run state: %v", ErrStorage, err)
	}
	return running, nil
}

func (s *PostgresStore) AcquireRunLease(ctx context.Context, lease RunLease) (bool, error) {
	// Single upsert: the WHERE on the conflict branch makes the claim
	// atomic, and an expired lease may be taken over.
	query := `
		INSERT INTO agentwire_run_state (thread_id, is_running, current_run_id, server_id, updated_at)
		VALUES ($1, TRUE, $2, $3, NOW())
		ON CONFLICT (thread_id) DO UPDATE
		SET is_running = TRUE, current_run_id = $2, server_id = $3, updated_at = NOW()
		WHERE agentwire_run_state.is_running = FALSE
		   OR agentwire_run_state.updated_at <= NOW() - make_interval(secs => $4)
	`
	tag, err := s.getQuerier(ctx).Exec(ctx, query, lease.ThreadID, lease.RunID, lease.ServerID, s.leaseTTL.Seconds())
	if err != nil {
		return false, fmt.Errorf("%w: acquire run lease: %v", ErrStorage, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) RenewRunLease(ctx context.Context, lease RunLease) error {
	query := `
		UPDATE agentwire_run_state
		SET updated_at = NOW()
		WHERE thread_id = $1 AND is_running = TRUE AND current_run_id = $2 AND server_id = $3
	`
	if _, err := s.getQuerier(ctx).Exec(ctx, query, lease.ThreadID, lease.RunID, lease.ServerID); err != nil {
		return fmt.Errorf("%w: renew run lease: %v", ErrStorage, err)
	}
	return nil
}

func (s *PostgresStore) ReleaseRunLease(ctx context.Context, lease RunLease) error {
	query := `
		UPDATE agentwire_run_state
		SET is_running = FALSE, updated_at = NOW()
		WHERE thread_id = $1 AND current_run_id = $2 AND server_id = $3
	`
	if _, err := s.getQuerier(ctx).Exec(ctx, query, lease.ThreadID, lease.RunID, lease.ServerID); err != nil {
		return fmt.Errorf("%w: release run lease: %v", ErrStorage, err)
	}
	return nil
}

// scanRuns reads run rows into Run values, decoding the JSON columns.
func scanRuns(rows pgx.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		var (
			run         Run
			resourceIDs []byte
			properties  []byte
			input       []byte
			eventsJSON  []byte
		)
		if err := rows.Scan(
			&run.RunID, &run.ThreadID, &run.ParentRunID,
			&resourceIDs, &properties, &input, &eventsJSON,
			&run.CreatedAt, &run.Version,
		); err != nil {
			return nil, fmt.Errorf("%w: scan run: %v", ErrStorage, err)
		}
		if err := decodeRunBlobs(&run, resourceIDs, properties, input, eventsJSON); err != nil {
			return nil, err
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate runs: %v", ErrStorage, err)
	}
	return runs, nil
}

// decodeRunBlobs fills a Run's JSON-encoded columns. Null columns leave
// the zero value.
func decodeRunBlobs(run *Run, resourceIDs, properties, input, eventsJSON []byte) error {
	if len(resourceIDs) > 0 && string(resourceIDs) != "null" {
		if err := json.Unmarshal(resourceIDs, &run.ResourceIDs); err != nil {
			return fmt.Errorf("%w: unmarshal resource ids: %v", ErrStorage, err)
		}
	}
	if len(properties) > 0 && string(properties) != "null" {
		if err := json.Unmarshal(properties, &run.Properties); err != nil {
			return fmt.Errorf("%w: unmarshal properties: %v", ErrStorage, err)
		}
	}
	if len(input) > 0 && string(input) != "null" {
		run.Input = &events.RunInput{}
		if err := json.Unmarshal(input, run.Input); err != nil {
			return fmt.Errorf("%w: unmarshal input: %v", ErrStorage, err)
		}
	}
	if len(eventsJSON) > 0 && string(eventsJSON) != "null" {
		if err := json.Unmarshal(eventsJSON, &run.Events); err != nil {
			return fmt.Errorf("%w: unmarshal events: %v", ErrStorage, err)
		}
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
