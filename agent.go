package agentwire

import (
	"context"

	"github.com/agentwire/agentwire/events"
)

// Agent produces a run's events. Implementations emit protocol events
// through the provided emit callback as they are produced; the coordinator
// handles framing (RUN_STARTED, terminal events) and persistence, so an
// agent only emits the content of its own turn: text message and tool
// call streams, and custom events.
//
// The context is cancelled when the run is stopped; an agent should
// return promptly on cancellation. Returning an error marks the run
// failed; the coordinator closes any half-open streams and appends the
// terminal event either way.
type Agent interface {
	RunAgent(ctx context.Context, input *events.RunInput, emit func(events.Event)) error
}

// Cloner is implemented by agents that carry per-run state. The
// coordinator clones such an agent before every run, so concurrent runs
// never share an instance. Stateless agents need not implement it.
type Cloner interface {
	Clone() Agent
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc func(ctx context.Context, input *events.RunInput, emit func(events.Event)) error

// RunAgent implements Agent.
func (f AgentFunc) RunAgent(ctx context.Context, input *events.RunInput, emit func(events.Event)) error {
	return f(ctx, input, emit)
}
