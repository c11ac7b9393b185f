package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentwire/agentwire/scope"
)

// MemoryStore is an in-memory Store for tests and ephemeral deployments.
// Safe for concurrent use. Data does not survive the process.
type MemoryStore struct {
	mu       sync.RWMutex
	threads  map[string]*memThread
	leaseTTL time.Duration
	now      func() time.Time
}

type memThread struct {
	runs     []*Run
	byRunID  map[string]struct{}
	lease    RunLease
	running  bool
	leasedAt time.Time
}

// NewMemoryStore returns an empty in-memory store with the default run
// lease TTL.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  make(map[string]*memThread),
		leaseTTL: DefaultRunLeaseTTL,
		now:      time.Now,
	}
}

// SetLeaseTTL overrides the run lease TTL. Intended for tests.
func (s *MemoryStore) SetLeaseTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaseTTL = ttl
}

func (s *MemoryStore) AppendRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	th := s.threads[run.ThreadID]
	if th == nil {
		th = &memThread{byRunID: make(map[string]struct{})}
		s.threads[run.ThreadID] = th
	}
	if _, dup := th.byRunID[run.RunID]; dup {
		return nil
	}

	stored := *run
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	if stored.Version == 0 {
		stored.Version = 1
	}
	th.runs = append(th.runs, &stored)
	th.byRunID[run.RunID] = struct{}{}
	return nil
}

func (s *MemoryStore) ListRuns(_ context.Context, threadID string) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	th := s.threads[threadID]
	if th == nil {
		return nil, nil
	}
	ordered := chainOrder(th.runs)
	out := make([]*Run, len(ordered))
	copy(out, ordered)
	return out, nil
}

func (s *MemoryStore) ListThreads(_ context.Context, sc *scope.ResourceScope, limit, offset int) (*ThreadPage, error) {
	limit = ClampLimit(limit)
	offset = ClampOffset(offset)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var visible []*ThreadMetadata
	for id, th := range s.threads {
		if IsSuggestionThread(id) || len(th.runs) == 0 {
			continue
		}
		md := metadataFromRuns(id, chainOrder(th.runs), s.leaseHeld(th))
		if md == nil || !scope.Matches(md.ResourceIDs, sc) {
			continue
		}
		visible = append(visible, md)
	}

	sort.Slice(visible, func(i, j int) bool {
		if !visible[i].LastActivityAt.Equal(visible[j].LastActivityAt) {
			return visible[i].LastActivityAt.After(visible[j].LastActivityAt)
		}
		return visible[i].ThreadID < visible[j].ThreadID
	})

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

func (s *MemoryStore) GetThreadMetadata(_ context.Context, threadID string, sc *scope.ResourceScope) (*ThreadMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	th := s.threads[threadID]
	if th == nil || len(th.runs) == 0 {
		return nil, nil
	}
	md := metadataFromRuns(threadID, chainOrder(th.runs), s.leaseHeld(th))
	if md == nil || !scope.Matches(md.ResourceIDs, sc) {
		return nil, nil
	}
	return md, nil
}

func (s *MemoryStore) DeleteThread(_ context.Context, threadID string, sc *scope.ResourceScope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	th := s.threads[threadID]
	if th == nil || len(th.runs) == 0 {
		return nil
	}
	md := metadataFromRuns(threadID, chainOrder(th.runs), false)
	if md == nil || !scope.Matches(md.ResourceIDs, sc) {
		return nil
	}
	delete(s.threads, threadID)
	return nil
}

func (s *MemoryStore) IsRunning(_ context.Context, threadID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	th := s.threads[threadID]
	if th == nil {
		return false, nil
	}
	return s.leaseHeld(th), nil
}

func (s *MemoryStore) AcquireRunLease(_ context.Context, lease RunLease) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	th := s.threads[lease.ThreadID]
	if th == nil {
		th = &memThread{byRunID: make(map[string]struct{})}
		s.threads[lease.ThreadID] = th
	}
	if s.leaseHeld(th) {
		return false, nil
	}
	th.lease = lease
	th.running = true
	th.leasedAt = s.now()
	return true, nil
}

func (s *MemoryStore) RenewRunLease(_ context.Context, lease RunLease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	th := s.threads[lease.ThreadID]
	if th == nil || !th.running || th.lease != lease {
		return nil
	}
	th.leasedAt = s.now()
	return nil
}

func (s *MemoryStore) ReleaseRunLease(_ context.Context, lease RunLease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	th := s.threads[lease.ThreadID]
	if th == nil || !th.running || th.lease != lease {
		return nil
	}
	th.running = false
	th.lease = RunLease{}
	return nil
}

// leaseHeld reports whether the thread's lease is held and unexpired.
// Callers hold s.mu.
func (s *MemoryStore) leaseHeld(th *memThread) bool {
	return th.running && s.now().Sub(th.leasedAt) < s.leaseTTL
}

var _ Store = (*MemoryStore)(nil)
