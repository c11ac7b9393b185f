// Package events defines the typed event stream produced by agent runs,
// plus the pure transforms applied to it: message injection, compaction,
// and terminal finalization.
//
// Events form a closed, tagged union keyed on Type. They are encoded as
// flat JSON objects so the same representation serves the wire (SSE), the
// in-process bus, and durable storage.
package events

import "encoding/json"

// Type identifies the kind of an Event.
type Type string

// The closed set of event types.
const (
	TypeRunStarted  Type = "RUN_STARTED"
	TypeRunFinished Type = "RUN_FINISHED"
	TypeRunError    Type = "RUN_ERROR"

	TypeTextMessageStart   Type = "TEXT_MESSAGE_START"
	TypeTextMessageContent Type = "TEXT_MESSAGE_CONTENT"
	TypeTextMessageEnd     Type = "TEXT_MESSAGE_END"

	TypeToolCallStart  Type = "TOOL_CALL_START"
	TypeToolCallArgs   Type = "TOOL_CALL_ARGS"
	TypeToolCallEnd    Type = "TOOL_CALL_END"
	TypeToolCallResult Type = "TOOL_CALL_RESULT"

	TypeCustom Type = "CUSTOM"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleDeveloper = "developer"
	RoleTool      = "tool"
)

// IsValid returns true if t is a known event type.
func (t Type) IsValid() bool {
	switch t {
	case TypeRunStarted, TypeRunFinished, TypeRunError,
		TypeTextMessageStart, TypeTextMessageContent, TypeTextMessageEnd,
		TypeToolCallStart, TypeToolCallArgs, TypeToolCallEnd, TypeToolCallResult,
		TypeCustom:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if t ends a run.
func (t Type) IsTerminal() bool {
	return t == TypeRunFinished || t == TypeRunError
}

// Event is one observable thing that happened during a run.
//
// The union is flattened into a single struct; which fields are meaningful
// depends on Type. Unused fields stay zero and are omitted from JSON.
type Event struct {
	Type Type `json:"type"`

	// RUN_STARTED / RUN_FINISHED
	ThreadID string    `json:"threadId,omitempty"`
	RunID    string    `json:"runId,omitempty"`
	Input    *RunInput `json:"input,omitempty"`

	// RUN_ERROR
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`

	// TEXT_MESSAGE_* and TOOL_CALL_RESULT
	MessageID string `json:"messageId,omitempty"`
	Role      string `json:"role,omitempty"`
	Delta     string `json:"delta,omitempty"`

	// TOOL_CALL_*
	ToolCallID      string `json:"toolCallId,omitempty"`
	ToolCallName    string `json:"toolCallName,omitempty"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
	Content         string `json:"content,omitempty"`

	// CUSTOM
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// RunInput is the immutable snapshot an agent run starts from.
type RunInput struct {
	Messages []Message       `json:"messages,omitempty"`
	State    json.RawMessage `json:"state,omitempty"`
	Tools    json.RawMessage `json:"tools,omitempty"`
	Context  json.RawMessage `json:"context,omitempty"`
}

// Message is an input record supplied by the client. It is lowered to an
// event subsequence by MessageToEvents.
type Message struct {
	ID         string     `json:"id"`
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
}

// ToolCall is an assistant-issued tool invocation carried on a Message.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type,omitempty"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction names the tool and carries its serialized arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// NewRunStarted builds a RUN_STARTED event without input attached.
func NewRunStarted(threadID, runID string) Event {
	return Event{Type: TypeRunStarted, ThreadID: threadID, RunID: runID}
}

// NewRunFinished builds the clean terminal event.
func NewRunFinished(threadID, runID string) Event {
	return Event{Type: TypeRunFinished, ThreadID: threadID, RunID: runID}
}

// NewRunError builds the error terminal event.
func NewRunError(message, code string) Event {
	return Event{Type: TypeRunError, Message: message, Code: code}
}

// NewTextMessageStart opens a streamed text message.
func NewTextMessageStart(messageID, role string) Event {
	return Event{Type: TypeTextMessageStart, MessageID: messageID, Role: role}
}

// NewTextMessageContent carries one streamed text delta.
func NewTextMessageContent(messageID, delta string) Event {
	return Event{Type: TypeTextMessageContent, MessageID: messageID, Delta: delta}
}

// NewTextMessageEnd closes a streamed text message.
func NewTextMessageEnd(messageID string) Event {
	return Event{Type: TypeTextMessageEnd, MessageID: messageID}
}

// NewToolCallStart opens a streamed tool call.
func NewToolCallStart(toolCallID, toolCallName, parentMessageID string) Event {
	return Event{
		Type:            TypeToolCallStart,
		ToolCallID:      toolCallID,
		ToolCallName:    toolCallName,
		ParentMessageID: parentMessageID,
	}
}

// NewToolCallArgs carries one streamed tool-argument delta.
func NewToolCallArgs(toolCallID, delta string) Event {
	return Event{Type: TypeToolCallArgs, ToolCallID: toolCallID, Delta: delta}
}

// NewToolCallEnd closes a streamed tool call.
func NewToolCallEnd(toolCallID string) Event {
	return Event{Type: TypeToolCallEnd, ToolCallID: toolCallID}
}

// NewToolCallResult reports the outcome of a tool call.
func NewToolCallResult(messageID, toolCallID, content string) Event {
	return Event{
		Type:       TypeToolCallResult,
		MessageID:  messageID,
		ToolCallID: toolCallID,
		Content:    content,
		Role:       RoleTool,
	}
}

// NewCustom builds an application-defined event.
func NewCustom(id, name string, value json.RawMessage) Event {
	return Event{Type: TypeCustom, ID: id, Name: name, Value: value}
}

// MessageKey returns the message id an event belongs to, or "" when the
// event is not attributable to a message. Tool-call streaming events
// resolve through ParentMessageID where present.
func (e Event) MessageKey() string {
	switch e.Type {
	case TypeTextMessageStart, TypeTextMessageContent, TypeTextMessageEnd, TypeToolCallResult:
		return e.MessageID
	case TypeToolCallStart:
		return e.ParentMessageID
	default:
		return ""
	}
}

// ToolCallKey returns the tool call id an event belongs to, or "".
func (e Event) ToolCallKey() string {
	switch e.Type {
	case TypeToolCallStart, TypeToolCallArgs, TypeToolCallEnd, TypeToolCallResult:
		return e.ToolCallID
	default:
		return ""
	}
}
