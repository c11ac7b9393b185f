package agentwire

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentwire/agentwire/bus"
	"github.com/agentwire/agentwire/events"
	"github.com/agentwire/agentwire/internal/logger"
	"github.com/agentwire/agentwire/scope"
	"github.com/agentwire/agentwire/storage"
)

// persistTimeout bounds the final transcript write after a run ends. The
// run's own context may already be cancelled by then.
const persistTimeout = 15 * time.Second

// Coordinator owns run admission, execution, streaming, and persistence
// for a set of registered agents.
type Coordinator struct {
	store    storage.Store
	bus      *bus.Bus
	agents   *Registry
	logger   *logger.Logger
	serverID string
	leaseTTL time.Duration

	mu     sync.Mutex
	active map[string]*activeRun
}

// activeRun tracks a run executing in this process. feed is the thread's
// shared live feed; private carries the originator's view, which omits
// the events lowered from the run's own input messages.
type activeRun struct {
	runID         string
	resourceIDs   []string
	feed          *bus.Feed
	private       *bus.Feed
	cancel        context.CancelFunc
	stopRequested atomic.Bool
	done          chan struct{}
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the coordinator's logger.
func WithLogger(l *logger.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// WithBus sets the event bus, e.g. one carrying a NATS mirror.
func WithBus(b *bus.Bus) CoordinatorOption {
	return func(c *Coordinator) { c.bus = b }
}

// WithServerID sets the id stamped on run leases. Defaults to a random
// UUID per process.
func WithServerID(id string) CoordinatorOption {
	return func(c *Coordinator) { c.serverID = id }
}

// WithLeaseTTL sets how often the lease keeper must renew before another
// server may take a thread over.
func WithLeaseTTL(ttl time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.leaseTTL = ttl }
}

// NewCoordinator creates a Coordinator over the given store and agents.
func NewCoordinator(store storage.Store, agents *Registry, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:    store,
		agents:   agents,
		logger:   logger.Default(),
		serverID: uuid.New().String(),
		leaseTTL: storage.DefaultRunLeaseTTL,
		active:   make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.bus == nil {
		c.bus = bus.New()
	}
	return c
}

// RunRequest asks the coordinator to execute an agent against a thread.
type RunRequest struct {
	// AgentID names a registered agent.
	AgentID string

	// ThreadID selects the thread; empty creates a new thread.
	ThreadID string

	// RunID identifies the run; empty generates one. Replaying a run id
	// that was already persisted is a storage no-op.
	RunID string

	// Input carries the client's messages and forwarded state.
	Input *events.RunInput

	// Scope is the caller's resolved resource scope. Nil is the admin
	// bypass, which may act on existing threads but not create new ones.
	Scope *scope.ResourceScope
}

// RunHandle is a started run: its ids plus a subscription that streams
// the run from RUN_STARTED through its terminal event. The handle stream
// carries only what the run produced; the caller's own input messages are
// not echoed back. They still reach connected subscribers and the stored
// transcript.
type RunHandle struct {
	ThreadID string
	RunID    string
	Events   *bus.Subscription
}

// ============================================================================
// Run
// ============================================================================

// Run admits and starts a run, returning a handle streaming its live
// feed. The run itself executes on a background context: abandoning the
// subscription does not abort the agent.
func (c *Coordinator) Run(ctx context.Context, req RunRequest) (*RunHandle, error) {
	agent, err := c.agents.Get(req.AgentID)
	if err != nil {
		return nil, err
	}
	if cl, ok := agent.(Cloner); ok {
		agent = cl.Clone()
	}
	if req.Scope.IsEmpty() {
		return nil, ErrInvalidScope
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.New().String()
	}
	runID := req.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	// Admission: existing threads must be visible to the caller, and a
	// thread's absence must look identical to a scope mismatch. Admins
	// may run on any existing thread but never create one.
	existing, err := c.store.GetThreadMetadata(ctx, threadID, nil)
	if err != nil {
		return nil, err
	}
	resourceIDs, properties := runOwnership(existing, req.Scope)
	if existing == nil {
		if req.Scope == nil {
			return nil, fmt.Errorf("%w: admin scope cannot create threads", ErrInvalidScope)
		}
	} else if !scope.Matches(existing.ResourceIDs, req.Scope) {
		return nil, ErrThreadNotFound
	}

	lease := storage.RunLease{ThreadID: threadID, RunID: runID, ServerID: c.serverID}
	acquired, err := c.store.AcquireRunLease(ctx, lease)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrThreadAlreadyRunning
	}

	priorRuns, err := c.store.ListRuns(ctx, threadID)
	if err != nil {
		releaseErr := c.store.ReleaseRunLease(context.WithoutCancel(ctx), lease)
		if releaseErr != nil {
			c.logger.WithThreadID(threadID).WithError(releaseErr).Error("Failed to release lease after admission error")
		}
		return nil, err
	}

	historic := historicMessageIDs(priorRuns)
	var parentRunID *string
	if len(priorRuns) > 0 {
		last := priorRuns[len(priorRuns)-1].RunID
		parentRunID = &last
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ar := &activeRun{
		runID:       runID,
		resourceIDs: resourceIDs,
		feed:        c.bus.Open(threadID),
		private:     bus.NewFeed(),
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	c.mu.Lock()
	c.active[threadID] = ar
	c.mu.Unlock()

	sub := ar.private.Subscribe()

	go c.executeRun(runCtx, ar, agent, runParams{
		threadID:       threadID,
		runID:          runID,
		parentRunID:    parentRunID,
		resourceIDs:    resourceIDs,
		properties:     properties,
		input:          sanitizeInput(req.Input, historic),
		knownToolCalls: historicToolCallIDs(priorRuns),
		lease:          lease,
	})

	return &RunHandle{ThreadID: threadID, RunID: runID, Events: sub}, nil
}

type runParams struct {
	threadID       string
	runID          string
	parentRunID    *string
	resourceIDs    []string
	properties     map[string]any
	input          *events.RunInput
	knownToolCalls map[string]struct{}
	lease          storage.RunLease
}

// executeRun drives a single admitted run to completion: framing,
// message injection, the agent itself, finalization, compaction,
// persistence, lease release.
func (c *Coordinator) executeRun(ctx context.Context, ar *activeRun, agent Agent, p runParams) {
	log := c.logger.WithThreadID(p.threadID).WithRunID(p.runID)

	keeperStop := make(chan struct{})
	go c.keepLease(p.lease, keeperStop, log)

	// Agents may emit from helper goroutines; the buffer is the ordered
	// record of everything published. emit reaches every sink; inject
	// skips the originator's handle, which already knows its own input.
	var bufMu sync.Mutex
	var buffer []events.Event
	emit := func(ev events.Event) {
		bufMu.Lock()
		buffer = append(buffer, ev)
		c.bus.Publish(p.threadID, ev)
		ar.private.Publish(ev)
		bufMu.Unlock()
	}
	inject := func(ev events.Event) {
		bufMu.Lock()
		buffer = append(buffer, ev)
		c.bus.Publish(p.threadID, ev)
		bufMu.Unlock()
	}

	started := events.NewRunStarted(p.threadID, p.runID)
	started.Input = p.input
	emit(started)

	// New input messages join the transcript and the live feed before the
	// agent speaks. A tool result whose call was never started, neither in
	// this thread's history nor by this input, is dropped.
	if p.input != nil {
		known := p.knownToolCalls
		if known == nil {
			known = make(map[string]struct{})
		}
		for _, msg := range p.input.Messages {
			for _, ev := range events.MessageToEvents(msg) {
				switch ev.Type {
				case events.TypeToolCallStart:
					known[ev.ToolCallID] = struct{}{}
				case events.TypeToolCallResult:
					if _, ok := known[ev.ToolCallID]; !ok {
						log.Warn("Dropping tool result without a matching tool call",
							zap.String("toolCallId", ev.ToolCallID))
						continue
					}
				}
				inject(ev)
			}
		}
	}

	agentErr := c.runAgentGuarded(ctx, agent, p.input, emit, log)

	for _, ev := range events.Finalize(buffer, p.threadID, p.runID, ar.stopRequested.Load(), agentErr) {
		emit(ev)
	}

	persistCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	run := &storage.Run{
		RunID:       p.runID,
		ThreadID:    p.threadID,
		ParentRunID: p.parentRunID,
		ResourceIDs: p.resourceIDs,
		Properties:  p.properties,
		Input:       p.input,
		Events:      events.Compact(buffer),
		CreatedAt:   time.Now(),
	}
	if err := c.store.AppendRun(persistCtx, run); err != nil {
		log.WithError(err).Error("Failed to persist run transcript")
	}

	// Tear down before releasing the lease so a run admitted elsewhere
	// cannot race this run's feed or active-map entry.
	c.bus.Close(p.threadID)
	ar.private.Close()
	c.mu.Lock()
	if c.active[p.threadID] == ar {
		delete(c.active, p.threadID)
	}
	c.mu.Unlock()

	close(keeperStop)
	if err := c.store.ReleaseRunLease(persistCtx, p.lease); err != nil {
		log.WithError(err).Error("Failed to release run lease")
	}

	ar.cancel()
	close(ar.done)

	if agentErr != nil {
		log.WithError(agentErr).Warn("Run finished with agent error")
	} else {
		log.Info("Run finished", zap.Int("events", len(run.Events)))
	}
}

// runAgentGuarded invokes the agent, converting panics into run errors so
// a misbehaving agent cannot take the server down.
func (c *Coordinator) runAgentGuarded(ctx context.Context, agent Agent, input *events.RunInput, emit func(events.Event), log *logger.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent panicked: %v", r)
			log.Error("Agent panicked", zap.Any("panic", r))
		}
	}()
	return agent.RunAgent(ctx, input, emit)
}

// keepLease renews the run lease at a third of the TTL until stopped.
func (c *Coordinator) keepLease(lease storage.RunLease, stop <-chan struct{}, log *logger.Logger) {
	interval := c.leaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if err := c.store.RenewRunLease(ctx, lease); err != nil {
				log.WithError(err).Warn("Failed to renew run lease")
			}
			cancel()
		}
	}
}

// ============================================================================
// Connect / Stop
// ============================================================================

// ConnectResult carries a thread's stored transcript and, when a run is
// active in this process, a live subscription that replays the current
// run from its first event.
type ConnectResult struct {
	Replay []events.Event
	Live   *bus.Subscription
}

// Connect attaches a client to a thread: the persisted transcript plus
// the live feed of any in-flight run. Returns ErrThreadNotFound for
// threads that do not exist or that the scope cannot see.
func (c *Coordinator) Connect(ctx context.Context, threadID string, sc *scope.ResourceScope) (*ConnectResult, error) {
	if sc.IsEmpty() {
		return nil, ErrInvalidScope
	}

	// Attach to the live feed before reading storage so a run finishing
	// in between cannot fall in the gap. Its events then arrive on the
	// live side and its persisted copy is filtered below.
	c.mu.Lock()
	ar := c.active[threadID]
	c.mu.Unlock()

	var live *bus.Subscription
	var activeRunID string
	if ar != nil {
		if !scope.Matches(ar.resourceIDs, sc) {
			return nil, ErrThreadNotFound
		}
		live = ar.feed.Subscribe()
		activeRunID = ar.runID
	}

	runs, err := c.store.ListRuns(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 && ar == nil {
		return nil, ErrThreadNotFound
	}
	if len(runs) > 0 && !scope.Matches(runs[0].ResourceIDs, sc) {
		if ar == nil {
			return nil, ErrThreadNotFound
		}
	}

	var replay []events.Event
	for _, run := range runs {
		if run.RunID == activeRunID {
			continue
		}
		replay = append(replay, run.Events...)
	}
	return &ConnectResult{Replay: replay, Live: live}, nil
}

// Stop requests a graceful stop of the thread's active run. Returns true
// only when the run executes in this process and the stop was delivered;
// the stopped run still ends with a proper terminal event. A run on
// another server cannot be stopped from here and yields false.
func (c *Coordinator) Stop(_ context.Context, threadID string, sc *scope.ResourceScope) (bool, error) {
	if sc.IsEmpty() {
		return false, ErrInvalidScope
	}

	c.mu.Lock()
	ar := c.active[threadID]
	c.mu.Unlock()

	if ar == nil {
		return false, nil
	}
	if !scope.Matches(ar.resourceIDs, sc) {
		return false, ErrThreadNotFound
	}

	ar.stopRequested.Store(true)
	ar.cancel()
	return true, nil
}

// ============================================================================
// Thread reads
// ============================================================================

// IsRunning reports whether the thread has an active run, here or on any
// server sharing the store.
func (c *Coordinator) IsRunning(ctx context.Context, threadID string) (bool, error) {
	c.mu.Lock()
	_, inProcess := c.active[threadID]
	c.mu.Unlock()
	if inProcess {
		return true, nil
	}
	return c.store.IsRunning(ctx, threadID)
}

// ListThreads pages over the threads visible to the scope.
func (c *Coordinator) ListThreads(ctx context.Context, sc *scope.ResourceScope, limit, offset int) (*storage.ThreadPage, error) {
	if sc.IsEmpty() {
		return nil, ErrInvalidScope
	}
	return c.store.ListThreads(ctx, sc, limit, offset)
}

// GetThread returns a thread's metadata, or ErrThreadNotFound when absent
// or not visible to the scope.
func (c *Coordinator) GetThread(ctx context.Context, threadID string, sc *scope.ResourceScope) (*storage.ThreadMetadata, error) {
	if sc.IsEmpty() {
		return nil, ErrInvalidScope
	}
	md, err := c.store.GetThreadMetadata(ctx, threadID, sc)
	if err != nil {
		return nil, err
	}
	if md == nil {
		return nil, ErrThreadNotFound
	}
	return md, nil
}

// DeleteThread deletes a thread and its transcript. A thread with an
// active run must be stopped first.
func (c *Coordinator) DeleteThread(ctx context.Context, threadID string, sc *scope.ResourceScope) error {
	if sc.IsEmpty() {
		return ErrInvalidScope
	}
	running, err := c.IsRunning(ctx, threadID)
	if err != nil {
		return err
	}
	if running {
		return ErrThreadAlreadyRunning
	}
	return c.store.DeleteThread(ctx, threadID, sc)
}

// AgentNames returns the ids of the registered agents, sorted.
func (c *Coordinator) AgentNames() []string {
	return c.agents.Names()
}

// HasAgent reports whether an agent is registered under id.
func (c *Coordinator) HasAgent(id string) bool {
	_, err := c.agents.Get(id)
	return err == nil
}

// WaitForRun blocks until the thread's in-process run (if any) has fully
// persisted and released its lease. Intended for tests and shutdown.
func (c *Coordinator) WaitForRun(threadID string) {
	c.mu.Lock()
	ar := c.active[threadID]
	c.mu.Unlock()
	if ar != nil {
		<-ar.done
	}
}

// ============================================================================
// Helpers
// ============================================================================

// historicMessageIDs collects every message and tool-call id already
// persisted on the thread. Input messages with these ids are filtered so
// replayed history is never re-recorded.
func historicMessageIDs(runs []*storage.Run) map[string]struct{} {
	historic := make(map[string]struct{})
	for _, run := range runs {
		for id := range events.MessageIDs(run.Events) {
			historic[id] = struct{}{}
		}
		for id := range events.ToolCallIDs(run.Events) {
			historic[id] = struct{}{}
		}
		if run.Input == nil {
			continue
		}
		for _, msg := range run.Input.Messages {
			if msg.ID != "" {
				historic[msg.ID] = struct{}{}
			}
		}
	}
	return historic
}

// historicToolCallIDs collects every tool-call id already persisted on
// the thread. A new input may carry results for these calls.
func historicToolCallIDs(runs []*storage.Run) map[string]struct{} {
	ids := make(map[string]struct{})
	for _, run := range runs {
		for id := range events.ToolCallIDs(run.Events) {
			ids[id] = struct{}{}
		}
	}
	return ids
}

// sanitizeInput strips messages already present in the thread history and
// collapses ids repeated within the request itself, so the persisted
// RUN_STARTED input holds each of this run's new messages exactly once.
func sanitizeInput(input *events.RunInput, historic map[string]struct{}) *events.RunInput {
	if input == nil {
		return nil
	}
	out := *input
	out.Messages = nil
	seen := make(map[string]struct{})
	for _, msg := range input.Messages {
		if msg.ID != "" {
			if _, dup := historic[msg.ID]; dup {
				continue
			}
			if _, dup := seen[msg.ID]; dup {
				continue
			}
			seen[msg.ID] = struct{}{}
		}
		out.Messages = append(out.Messages, msg)
	}
	return &out
}

// runOwnership decides the resourceIds and properties recorded on the
// run: an existing thread keeps its ownership, a new thread takes the
// caller's scope.
func runOwnership(existing *storage.ThreadMetadata, sc *scope.ResourceScope) ([]string, map[string]any) {
	if existing != nil {
		return existing.ResourceIDs, existing.Properties
	}
	if sc == nil {
		return nil, nil
	}
	return sc.ResourceID, sc.Properties
}
