package events

import (
	"reflect"
	"testing"
)

func TestCompact_MergesStreamingDeltas(t *testing.T) {
	in := []Event{
		NewTextMessageStart("m1", RoleUser),
		NewTextMessageContent("m1", "H"),
		NewTextMessageContent("m1", "i"),
		NewCustom("c1", "checkpoint", nil),
		NewTextMessageContent("m1", "!"),
		NewTextMessageEnd("m1"),
		NewRunFinished("t1", "r1"),
	}

	want := []Event{
		NewTextMessageStart("m1", RoleUser),
		NewTextMessageContent("m1", "Hi!"),
		NewTextMessageEnd("m1"),
		NewCustom("c1", "checkpoint", nil),
		NewRunFinished("t1", "r1"),
	}

	got := Compact(in)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Compact() = %+v, want %+v", got, want)
	}
}

func TestCompact_Idempotent(t *testing.T) {
	tests := []struct {
		name string
		in   []Event
	}{
		{
			name: "closed message with interleaved custom",
			in: []Event{
				NewTextMessageStart("m1", RoleAssistant),
				NewTextMessageContent("m1", "a"),
				NewCustom("c1", "x", nil),
				NewTextMessageContent("m1", "b"),
				NewTextMessageEnd("m1"),
			},
		},
		{
			name: "unclosed message flushed at end of input",
			in: []Event{
				NewTextMessageStart("m1", RoleAssistant),
				NewTextMessageContent("m1", "partial"),
				NewCustom("c1", "x", nil),
			},
		},
		{
			name: "interleaved groups",
			in: []Event{
				NewTextMessageStart("m1", RoleAssistant),
				NewTextMessageStart("m2", RoleAssistant),
				NewTextMessageContent("m2", "two"),
				NewTextMessageContent("m1", "one"),
				NewTextMessageEnd("m2"),
				NewTextMessageEnd("m1"),
			},
		},
		{
			name: "tool call stream passes through",
			in: []Event{
				NewToolCallStart("tc1", "search", "m1"),
				NewToolCallArgs("tc1", `{"q":`),
				NewToolCallArgs("tc1", `"go"}`),
				NewToolCallEnd("tc1"),
				NewToolCallResult("m2", "tc1", "results"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			once := Compact(tt.in)
			twice := Compact(once)
			if !reflect.DeepEqual(once, twice) {
				t.Errorf("Compact not idempotent:\n once = %+v\ntwice = %+v", once, twice)
			}
		})
	}
}

func TestCompact_PreservesNonStreamingEvents(t *testing.T) {
	in := []Event{
		NewRunStarted("t1", "r1"),
		NewTextMessageStart("m1", RoleAssistant),
		NewTextMessageContent("m1", "he"),
		NewTextMessageContent("m1", "llo"),
		NewTextMessageEnd("m1"),
		NewToolCallStart("tc1", "calc", "m1"),
		NewToolCallArgs("tc1", "{}"),
		NewToolCallEnd("tc1"),
		NewRunFinished("t1", "r1"),
	}

	got := Compact(in)

	// Concatenated content per message is preserved.
	var content string
	for _, ev := range got {
		if ev.Type == TypeTextMessageContent && ev.MessageID == "m1" {
			content += ev.Delta
		}
	}
	if content != "hello" {
		t.Errorf("content = %q, want %q", content, "hello")
	}

	// The set of non-streaming events is identical.
	count := func(seq []Event, typ Type) int {
		n := 0
		for _, ev := range seq {
			if ev.Type == typ {
				n++
			}
		}
		return n
	}
	for _, typ := range []Type{TypeRunStarted, TypeRunFinished, TypeToolCallStart, TypeToolCallEnd} {
		if count(got, typ) != count(in, typ) {
			t.Errorf("event type %s count changed: got %d, want %d", typ, count(got, typ), count(in, typ))
		}
	}
}

func TestCompact_EmptySequence(t *testing.T) {
	if got := Compact(nil); len(got) != 0 {
		t.Errorf("Compact(nil) = %+v, want empty", got)
	}
}

func TestFirstContentDelta(t *testing.T) {
	tests := []struct {
		name string
		in   []Event
		max  int
		want string
	}{
		{
			name: "first non-empty delta",
			in: []Event{
				NewTextMessageStart("m1", RoleUser),
				NewTextMessageContent("m1", ""),
				NewTextMessageContent("m1", "hello world"),
			},
			max:  100,
			want: "hello world",
		},
		{
			name: "truncated",
			in:   []Event{NewTextMessageContent("m1", "abcdef")},
			max:  3,
			want: "abc",
		},
		{
			name: "no content",
			in:   []Event{NewRunStarted("t1", "r1")},
			max:  100,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FirstContentDelta(tt.in, tt.max); got != tt.want {
				t.Errorf("FirstContentDelta() = %q, want %q", got, tt.want)
			}
		})
	}
}
