package events

import (
	"errors"
	"testing"
)

func TestFinalize_StopClosesHalfOpenMessage(t *testing.T) {
	buffer := []Event{
		NewRunStarted("t1", "r1"),
		NewTextMessageStart("m1", RoleAssistant),
		NewTextMessageContent("m1", "Thin"),
	}

	appended := Finalize(buffer, "t1", "r1", true, nil)

	if len(appended) != 2 {
		t.Fatalf("appended %d events, want 2: %+v", len(appended), appended)
	}
	if appended[0].Type != TypeTextMessageEnd || appended[0].MessageID != "m1" {
		t.Errorf("appended[0] = %+v, want TEXT_MESSAGE_END(m1)", appended[0])
	}
	if appended[1].Type != TypeRunError || appended[1].Code != CodeStopped {
		t.Errorf("appended[1] = %+v, want RUN_ERROR(STOPPED)", appended[1])
	}
	if appended[1].Message != "Run stopped by user" {
		t.Errorf("message = %q", appended[1].Message)
	}
}

func TestFinalize_StopClosesHalfOpenToolCall(t *testing.T) {
	buffer := []Event{
		NewRunStarted("t1", "r1"),
		NewToolCallStart("tc1", "search", "m1"),
		NewToolCallArgs("tc1", `{"q":`),
	}

	appended := Finalize(buffer, "t1", "r1", true, nil)

	if len(appended) != 3 {
		t.Fatalf("appended %d events, want 3: %+v", len(appended), appended)
	}
	if appended[0].Type != TypeToolCallEnd || appended[0].ToolCallID != "tc1" {
		t.Errorf("appended[0] = %+v, want TOOL_CALL_END(tc1)", appended[0])
	}
	res := appended[1]
	if res.Type != TypeToolCallResult || res.ToolCallID != "tc1" {
		t.Fatalf("appended[1] = %+v, want TOOL_CALL_RESULT(tc1)", res)
	}
	if res.MessageID != "tc1-result" {
		t.Errorf("result messageId = %q, want %q", res.MessageID, "tc1-result")
	}
	if res.Content != `{"status":"interrupted"}` {
		t.Errorf("result content = %q", res.Content)
	}
	if res.Role != RoleTool {
		t.Errorf("result role = %q, want tool", res.Role)
	}
	if appended[2].Type != TypeRunError || appended[2].Code != CodeStopped {
		t.Errorf("appended[2] = %+v, want RUN_ERROR(STOPPED)", appended[2])
	}
}

func TestFinalize_ToolCallWithEndButNoResult(t *testing.T) {
	buffer := []Event{
		NewToolCallStart("tc1", "search", "m1"),
		NewToolCallArgs("tc1", "{}"),
		NewToolCallEnd("tc1"),
	}

	appended := Finalize(buffer, "t1", "r1", true, nil)

	// No synthetic END needed, but the interrupted result and terminal are.
	if len(appended) != 2 {
		t.Fatalf("appended %d events, want 2: %+v", len(appended), appended)
	}
	if appended[0].Type != TypeToolCallResult {
		t.Errorf("appended[0] = %+v, want TOOL_CALL_RESULT", appended[0])
	}
}

func TestFinalize_SynthesizesRunFinished(t *testing.T) {
	buffer := []Event{
		NewRunStarted("t1", "r1"),
		NewTextMessageStart("m1", RoleAssistant),
		NewTextMessageContent("m1", "done"),
		NewTextMessageEnd("m1"),
	}

	appended := Finalize(buffer, "t1", "r1", false, nil)

	if len(appended) != 1 {
		t.Fatalf("appended %d events, want 1: %+v", len(appended), appended)
	}
	if appended[0].Type != TypeRunFinished {
		t.Errorf("appended[0] = %+v, want RUN_FINISHED", appended[0])
	}
	if appended[0].ThreadID != "t1" || appended[0].RunID != "r1" {
		t.Errorf("terminal carries %q/%q, want t1/r1", appended[0].ThreadID, appended[0].RunID)
	}
}

func TestFinalize_AgentErrorBecomesRunError(t *testing.T) {
	buffer := []Event{
		NewRunStarted("t1", "r1"),
		NewTextMessageStart("m1", RoleAssistant),
	}

	appended := Finalize(buffer, "t1", "r1", false, errors.New("model unavailable"))

	if len(appended) != 2 {
		t.Fatalf("appended %d events, want 2: %+v", len(appended), appended)
	}
	if appended[0].Type != TypeTextMessageEnd {
		t.Errorf("appended[0] = %+v, want TEXT_MESSAGE_END", appended[0])
	}
	last := appended[1]
	if last.Type != TypeRunError || last.Code != CodeAgentFailure {
		t.Errorf("last = %+v, want RUN_ERROR(AGENT_FAILURE)", last)
	}
	if last.Message != "model unavailable" {
		t.Errorf("message = %q", last.Message)
	}
}

func TestFinalize_NoopWhenTerminalPresent(t *testing.T) {
	buffer := []Event{
		NewRunStarted("t1", "r1"),
		NewTextMessageStart("m1", RoleAssistant),
		NewTextMessageContent("m1", "ok"),
		NewTextMessageEnd("m1"),
		NewRunFinished("t1", "r1"),
	}

	if appended := Finalize(buffer, "t1", "r1", false, nil); len(appended) != 0 {
		t.Errorf("appended = %+v, want none", appended)
	}
}

func TestFinalize_StopWithTerminalStillClosesMessages(t *testing.T) {
	// Agent emitted its own terminal but left a message open; stop still
	// closes the message, and no second terminal is added.
	buffer := []Event{
		NewTextMessageStart("m1", RoleAssistant),
		NewRunError("agent gave up", ""),
	}

	appended := Finalize(buffer, "t1", "r1", true, nil)

	if len(appended) != 1 {
		t.Fatalf("appended %d events, want 1: %+v", len(appended), appended)
	}
	if appended[0].Type != TypeTextMessageEnd {
		t.Errorf("appended[0] = %+v, want TEXT_MESSAGE_END", appended[0])
	}
}
