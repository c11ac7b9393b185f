// Package storage provides the durable per-thread run log and the
// authoritative run-state flag used for single-writer admission.
//
// Three implementations share the same semantics: PostgresStore (pgx/v5)
// for production, SQLiteStore (modernc.org/sqlite) for embedded
// deployments, and MemoryStore for tests and ephemeral use. Runs form a
// linked list per thread ordered by parent run id, appends are idempotent
// on run id, and scope-filtered reads return not-found rather than
// forbidden.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/agentwire/agentwire/events"
	"github.com/agentwire/agentwire/scope"
)

// ErrStorage marks failures of the durable backend. Callers treat these as
// fatal for the current operation; run state is never silently dropped.
var ErrStorage = errors.New("storage operation failed")

// DefaultRunLeaseTTL bounds how long a crashed server keeps a thread
// locked. The coordinator renews held leases at a third of this.
const DefaultRunLeaseTTL = 2 * time.Minute

// suggestionMarker tags autogenerated suggestion threads, which are
// hidden from thread listings.
const suggestionMarker = "suggestion"

// Run is one persisted execution of an agent against a thread.
type Run struct {
	RunID       string           `json:"runId"`
	ThreadID    string           `json:"threadId"`
	ParentRunID *string          `json:"parentRunId,omitempty"`
	ResourceIDs []string         `json:"resourceIds,omitempty"`
	Properties  map[string]any   `json:"properties,omitempty"`
	Input       *events.RunInput `json:"input,omitempty"`
	Events      []events.Event   `json:"events"`
	CreatedAt   time.Time        `json:"createdAt"`
	Version     int              `json:"version"`
}

// ThreadMetadata summarizes a thread for listings and lookups.
type ThreadMetadata struct {
	ThreadID       string    `json:"threadId"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	IsRunning      bool      `json:"isRunning"`
	MessageCount   int       `json:"messageCount"`
	FirstMessage   string    `json:"firstMessage,omitempty"`
	// ResourceID is the first of the thread's resource ids, kept for
	// client compatibility. ResourceIDs carries the full ownership set.
	ResourceID  string         `json:"resourceId,omitempty"`
	ResourceIDs []string       `json:"-"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// ThreadPage is one page of a thread listing. Total counts every thread
// visible to the caller's scope, not just the page.
type ThreadPage struct {
	Threads []*ThreadMetadata `json:"threads"`
	Total   int               `json:"total"`
}

// RunLease identifies a server's claim on a thread's active run.
type RunLease struct {
	ThreadID string
	RunID    string
	ServerID string
}

// Store is the durable thread store.
type Store interface {
	// AppendRun persists a completed run. Idempotent on RunID: replaying
	// the same run is a no-op, never a duplicate.
	AppendRun(ctx context.Context, run *Run) error

	// ListRuns returns a thread's runs in chain order: the run whose
	// parent is null first, then each child in turn. Chain order is
	// authoritative even under clock skew.
	ListRuns(ctx context.Context, threadID string) ([]*Run, error)

	// ListThreads pages over the threads visible to the given scope,
	// sorted by last activity descending. Suggestion threads are
	// excluded. limit 0 defaults to 20 and is clamped to [1,100]; offset
	// is clamped to >= 0.
	ListThreads(ctx context.Context, sc *scope.ResourceScope, limit, offset int) (*ThreadPage, error)

	// GetThreadMetadata returns a thread's metadata, or nil if the thread
	// does not exist or the scope does not match it. Absent and forbidden
	// are indistinguishable to prevent enumeration.
	GetThreadMetadata(ctx context.Context, threadID string, sc *scope.ResourceScope) (*ThreadMetadata, error)

	// DeleteThread removes a thread and its runs. Idempotent: deleting an
	// absent or scope-mismatched thread is not an error.
	DeleteThread(ctx context.Context, threadID string, sc *scope.ResourceScope) error

	// IsRunning reports whether the thread holds an unexpired run lease.
	IsRunning(ctx context.Context, threadID string) (bool, error)

	// AcquireRunLease atomically claims the thread's run flag. It returns
	// false if another unexpired lease holds it; an expired lease may be
	// taken over.
	AcquireRunLease(ctx context.Context, lease RunLease) (bool, error)

	// RenewRunLease extends a held lease. Renewing a lost lease is a
	// no-op.
	RenewRunLease(ctx context.Context, lease RunLease) error

	// ReleaseRunLease clears the thread's run flag if the lease still
	// holds it.
	ReleaseRunLease(ctx context.Context, lease RunLease) error
}

// ClampLimit applies the listing page-size bounds.
func ClampLimit(limit int) int {
	switch {
	case limit == 0:
		return 20
	case limit < 1:
		return 1
	case limit > 100:
		return 100
	}
	return limit
}

// ClampOffset applies the listing offset bound.
func ClampOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

// IsSuggestionThread reports whether a thread id carries the suggestion
// marker.
func IsSuggestionThread(threadID string) bool {
	return strings.Contains(threadID, suggestionMarker)
}

// threadStats derives the event-dependent metadata fields from a thread's
// runs in chain order.
func threadStats(runs []*Run) (messageCount int, firstMessage string) {
	seen := make(map[string]struct{})
	for _, run := range runs {
		for id := range events.MessageIDs(run.Events) {
			seen[id] = struct{}{}
		}
		if firstMessage == "" {
			firstMessage = events.FirstContentDelta(run.Events, 100)
		}
	}
	return len(seen), firstMessage
}

// metadataFromRuns assembles thread metadata from the thread's runs in
// chain order. Ownership and properties come from the first run; activity
// from the last.
func metadataFromRuns(threadID string, runs []*Run, isRunning bool) *ThreadMetadata {
	if len(runs) == 0 {
		return nil
	}
	first, last := runs[0], runs[len(runs)-1]
	count, firstMsg := threadStats(runs)

	md := &ThreadMetadata{
		ThreadID:       threadID,
		CreatedAt:      first.CreatedAt,
		LastActivityAt: last.CreatedAt,
		IsRunning:      isRunning,
		MessageCount:   count,
		FirstMessage:   firstMsg,
		ResourceIDs:    first.ResourceIDs,
		Properties:     first.Properties,
	}
	if len(first.ResourceIDs) > 0 {
		md.ResourceID = first.ResourceIDs[0]
	}
	return md
}

// chainOrder sorts runs into parent-chain order. The root is the run with
// a nil parent; each following run is the child of the previous. Runs
// whose parent is missing are appended in insertion order so nothing is
// lost on a corrupted chain.
func chainOrder(runs []*Run) []*Run {
	if len(runs) <= 1 {
		return runs
	}

	byParent := make(map[string]*Run, len(runs))
	var root *Run
	for _, r := range runs {
		if r.ParentRunID == nil || *r.ParentRunID == "" {
			if root == nil {
				root = r
			}
			continue
		}
		if _, dup := byParent[*r.ParentRunID]; !dup {
			byParent[*r.ParentRunID] = r
		}
	}
	if root == nil {
		return runs
	}

	ordered := make([]*Run, 0, len(runs))
	placed := make(map[string]struct{}, len(runs))
	for cur := root; cur != nil; cur = byParent[cur.RunID] {
		if _, again := placed[cur.RunID]; again {
			break
		}
		placed[cur.RunID] = struct{}{}
		ordered = append(ordered, cur)
	}
	for _, r := range runs {
		if _, ok := placed[r.RunID]; !ok {
			ordered = append(ordered, r)
		}
	}
	return ordered
}
