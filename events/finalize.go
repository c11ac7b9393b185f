package events

// Error codes attached to synthesized RUN_ERROR events.
const (
	CodeStopped      = "STOPPED"
	CodeAgentFailure = "AGENT_FAILURE"
)

// interruptedResult is the content of tool results synthesized for tool
// calls that were still in flight when a run was stopped.
const interruptedResult = `{"status":"interrupted"}`

// Finalize returns the events that must be appended to a run buffer so the
// stored run satisfies the transcript guarantees: every START has a
// matching END, every interrupted tool call has a result, and the run ends
// with exactly one terminal event.
//
// stopRequested marks a user-initiated stop; agentErr is the error the
// agent returned, if any. The returned events are appended to the buffer
// (and published) by the caller before compaction.
func Finalize(buffer []Event, threadID, runID string, stopRequested bool, agentErr error) []Event {
	var (
		openText  []string
		textOpen  = make(map[string]bool)
		toolOrder []string
		toolEnd   = make(map[string]bool)
		toolRes   = make(map[string]bool)
	)

	for _, ev := range buffer {
		switch ev.Type {
		case TypeTextMessageStart:
			if !textOpen[ev.MessageID] {
				textOpen[ev.MessageID] = true
				openText = append(openText, ev.MessageID)
			}
		case TypeTextMessageEnd:
			if textOpen[ev.MessageID] {
				textOpen[ev.MessageID] = false
			}
		case TypeToolCallStart:
			if _, seen := toolEnd[ev.ToolCallID]; !seen {
				toolEnd[ev.ToolCallID] = false
				toolOrder = append(toolOrder, ev.ToolCallID)
			}
		case TypeToolCallEnd:
			toolEnd[ev.ToolCallID] = true
		case TypeToolCallResult:
			toolRes[ev.ToolCallID] = true
		}
	}

	var appended []Event

	abnormal := stopRequested || agentErr != nil
	if abnormal {
		for _, id := range openText {
			if textOpen[id] {
				appended = append(appended, NewTextMessageEnd(id))
			}
		}
		for _, id := range toolOrder {
			if !toolEnd[id] {
				appended = append(appended, NewToolCallEnd(id))
			}
		}
	}
	if stopRequested {
		for _, id := range toolOrder {
			if !toolRes[id] {
				appended = append(appended, NewToolCallResult(id+"-result", id, interruptedResult))
			}
		}
	}

	if !HasTerminal(buffer) {
		switch {
		case stopRequested:
			appended = append(appended, NewRunError("Run stopped by user", CodeStopped))
		case agentErr != nil:
			appended = append(appended, NewRunError(agentErr.Error(), CodeAgentFailure))
		default:
			// Agent returned normally without a terminal event; synthesize
			// RUN_FINISHED so subscriber streams always complete.
			appended = append(appended, NewRunFinished(threadID, runID))
		}
	}

	return appended
}
