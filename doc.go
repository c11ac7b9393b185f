// Package agentwire coordinates AI agent runs over persistent threads.
//
// A thread is a durable conversation; a run is one agent execution against
// it. The coordinator enforces one active run per thread across every
// server sharing a store, streams each run's events live to any number of
// subscribers, and appends a compacted transcript to storage when the run
// completes.
//
// # Key Features
//
//   - Per-thread mutual exclusion via storage-backed run leases with TTL
//     takeover, so a crashed server never strands a thread
//   - Live event fan-out with full replay, so a subscriber attaching
//     mid-run still sees the run from its first event
//   - Tenant resource scoping on every operation, with scope mismatches
//     reported as not-found
//   - Graceful stop with a guaranteed terminal event on both the live
//     feed and the persisted transcript
//   - Cross-run message deduplication, so resubmitted history is never
//     re-emitted or re-persisted
//
// # Quick Start
//
// Register an agent and start the coordinator over a store:
//
//	registry := agentwire.NewRegistry()
//	registry.MustRegister("assistant", myAgent)
//
//	pool, _ := pgxpool.New(ctx, connString)
//	store, _ := storage.NewPostgresStore(ctx, pool)
//	coord := agentwire.NewCoordinator(store, registry)
//
// Start a run and stream it:
//
//	handle, err := coord.Run(ctx, agentwire.RunRequest{
//	    AgentID:  "assistant",
//	    ThreadID: "thread-123",
//	    Input:    &events.RunInput{Messages: msgs},
//	    Scope:    scope.New("user-123"),
//	})
//	for ev := range handle.Events.Events() {
//	    // forward ev to the client
//	}
//
// Attach to a thread later, replaying its transcript and following any
// in-flight run:
//
//	res, err := coord.Connect(ctx, "thread-123", scope.New("user-123"))
//
// # Agents
//
// An agent is anything implementing the Agent interface; it receives the
// run input and an emit callback for streaming events. The agents/anthropic
// package provides a Claude-backed implementation.
//
// # Serving
//
// The httpapi package exposes the coordinator over HTTP with SSE
// streaming; cmd/agentwire is a runnable server wiring configuration,
// storage backends, and an optional NATS event mirror together.
package agentwire
