package events

import "strings"

// textGroup tracks one open streamed text message during compaction.
type textGroup struct {
	start    Event
	content  strings.Builder
	buffered []Event
}

// Compact normalizes an event sequence in a single pass.
//
// Consecutive TEXT_MESSAGE_CONTENT deltas for the same message are merged
// into one event. Non-text events arriving between a message's START and
// END are buffered and re-emitted after the END, so every stored message
// is a contiguous START/CONTENT/END triple. Tool-call streaming events
// pass through unmodified (their deltas carry partial JSON, which has no
// meaningful merge at this layer); so does everything else.
//
// A message that never sees its END is flushed at end of input without a
// synthetic END. Compact is idempotent: applying it to its own output is
// the identity.
func Compact(in []Event) []Event {
	out := make([]Event, 0, len(in))

	open := make(map[string]*textGroup)
	var order []string

	flush := func(id string, end *Event) {
		g := open[id]
		out = append(out, g.start)
		if g.content.Len() > 0 {
			out = append(out, NewTextMessageContent(id, g.content.String()))
		}
		if end != nil {
			out = append(out, *end)
		}
		out = append(out, g.buffered...)
		delete(open, id)
		for i, oid := range order {
			if oid == id {
				order = append(order[:i], order[i+1:]...)
				break
			}
		}
	}

	for _, ev := range in {
		switch ev.Type {
		case TypeTextMessageStart:
			if _, exists := open[ev.MessageID]; exists {
				// Duplicate START for an open message; pass it through
				// rather than losing it.
				out = append(out, ev)
				continue
			}
			open[ev.MessageID] = &textGroup{start: ev}
			order = append(order, ev.MessageID)

		case TypeTextMessageContent:
			if g, ok := open[ev.MessageID]; ok {
				g.content.WriteString(ev.Delta)
			} else {
				out = append(out, ev)
			}

		case TypeTextMessageEnd:
			if _, ok := open[ev.MessageID]; ok {
				end := ev
				flush(ev.MessageID, &end)
			} else {
				out = append(out, ev)
			}

		default:
			// Attribute to the first open group in insertion order, if any.
			if len(order) > 0 {
				g := open[order[0]]
				g.buffered = append(g.buffered, ev)
			} else {
				out = append(out, ev)
			}
		}
	}

	// Flush messages that never saw an END, in insertion order.
	for len(order) > 0 {
		flush(order[0], nil)
	}

	return out
}

// MessageIDs returns the set of message ids present in the sequence,
// resolving tool-call streaming events through their parent message.
func MessageIDs(in []Event) map[string]struct{} {
	ids := make(map[string]struct{})
	for _, ev := range in {
		if id := ev.MessageKey(); id != "" {
			ids[id] = struct{}{}
		}
	}
	return ids
}

// ToolCallIDs returns the set of tool call ids present in the sequence.
func ToolCallIDs(in []Event) map[string]struct{} {
	ids := make(map[string]struct{})
	for _, ev := range in {
		if id := ev.ToolCallKey(); id != "" {
			ids[id] = struct{}{}
		}
	}
	return ids
}

// FirstContentDelta returns the first non-empty TEXT_MESSAGE_CONTENT delta
// in the sequence, truncated to max runes, or "" if none exists.
func FirstContentDelta(in []Event, max int) string {
	for _, ev := range in {
		if ev.Type == TypeTextMessageContent && ev.Delta != "" {
			r := []rune(ev.Delta)
			if len(r) > max {
				return string(r[:max])
			}
			return ev.Delta
		}
	}
	return ""
}

// HasTerminal reports whether the sequence contains a terminal event.
func HasTerminal(in []Event) bool {
	for _, ev := range in {
		if ev.Type.IsTerminal() {
			return true
		}
	}
	return false
}
