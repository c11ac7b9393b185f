package events

// MessageToEvents lowers an input message to the event subsequence that
// represents it in a thread's transcript.
//
// Text-bearing roles (user, assistant, system, developer) with non-empty
// content produce a START/CONTENT/END triple. Assistant messages
// additionally produce a START/ARGS/END triple per tool call. A tool-role
// message with a tool call id produces a single TOOL_CALL_RESULT. Any
// other combination produces nothing.
func MessageToEvents(msg Message) []Event {
	var out []Event

	switch msg.Role {
	case RoleUser, RoleAssistant, RoleSystem, RoleDeveloper:
		if msg.Content != "" {
			out = append(out,
				NewTextMessageStart(msg.ID, msg.Role),
				NewTextMessageContent(msg.ID, msg.Content),
				NewTextMessageEnd(msg.ID),
			)
		}
		if msg.Role == RoleAssistant {
			for _, tc := range msg.ToolCalls {
				out = append(out,
					NewToolCallStart(tc.ID, tc.Function.Name, msg.ID),
					NewToolCallArgs(tc.ID, tc.Function.Arguments),
					NewToolCallEnd(tc.ID),
				)
			}
		}

	case RoleTool:
		if msg.ToolCallID != "" {
			out = append(out, NewToolCallResult(msg.ID, msg.ToolCallID, msg.Content))
		}
	}

	return out
}
