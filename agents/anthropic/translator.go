package anthropic

import (
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"

	"github.com/agentwire/agentwire/events"
)

// blockKind tracks what a content block index is streaming.
type blockKind int

const (
	blockText blockKind = iota
	blockToolUse
)

// openBlock is a content block the model is currently streaming.
type openBlock struct {
	kind   blockKind
	toolID string
}

// translator turns Anthropic stream events into agentwire events.
//
// Text blocks share one message: the first text block opens it and it is
// closed when the stream ends. Each tool_use block maps to its own
// tool-call start/args/end subsequence, parented on that message.
type translator struct {
	emit func(events.Event)

	messageID string
	textOpen  bool
	blocks    map[int]openBlock
}

func newTranslator(emit func(events.Event)) *translator {
	return &translator{
		emit:   emit,
		blocks: make(map[int]openBlock),
	}
}

// process dispatches one SDK stream event.
func (t *translator) process(event anthropic.MessageStreamEventUnion) {
	switch e := event.AsAny().(type) {
	case anthropic.MessageStartEvent:
		t.onMessageStart(e.Message.ID)

	case anthropic.ContentBlockStartEvent:
		switch content := e.ContentBlock.AsAny().(type) {
		case anthropic.TextBlock:
			t.onTextBlockStart(int(e.Index))
			if content.Text != "" {
				t.onTextDelta(content.Text)
			}
		case anthropic.ToolUseBlock:
			t.onToolBlockStart(int(e.Index), content.ID, content.Name)
		}

	case anthropic.ContentBlockDeltaEvent:
		block, exists := t.blocks[int(e.Index)]
		if !exists {
			return
		}
		switch delta := e.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			if block.kind == blockText {
				t.onTextDelta(delta.Text)
			}
		case anthropic.InputJSONDelta:
			if block.kind == blockToolUse {
				t.onToolArgsDelta(block.toolID, delta.PartialJSON)
			}
		}

	case anthropic.ContentBlockStopEvent:
		t.onBlockStop(int(e.Index))

	default:
		// Message deltas and pings carry no transcript content.
	}
}

// finish closes the text message if the stream left it open.
func (t *translator) finish() {
	if t.textOpen {
		t.emit(events.NewTextMessageEnd(t.messageID))
		t.textOpen = false
	}
}

func (t *translator) onMessageStart(id string) {
	if id == "" {
		id = uuid.New().String()
	}
	t.messageID = id
}

func (t *translator) onTextBlockStart(index int) {
	t.blocks[index] = openBlock{kind: blockText}
	if t.textOpen {
		return
	}
	if t.messageID == "" {
		t.messageID = uuid.New().String()
	}
	t.textOpen = true
	t.emit(events.NewTextMessageStart(t.messageID, events.RoleAssistant))
}

func (t *translator) onTextDelta(text string) {
	if !t.textOpen || text == "" {
		return
	}
	t.emit(events.NewTextMessageContent(t.messageID, text))
}

func (t *translator) onToolBlockStart(index int, toolID, toolName string) {
	t.blocks[index] = openBlock{kind: blockToolUse, toolID: toolID}
	t.emit(events.NewToolCallStart(toolID, toolName, t.messageID))
}

func (t *translator) onToolArgsDelta(toolID, partial string) {
	if partial == "" {
		return
	}
	t.emit(events.NewToolCallArgs(toolID, partial))
}

func (t *translator) onBlockStop(index int) {
	block, exists := t.blocks[index]
	if !exists {
		return
	}
	delete(t.blocks, index)
	if block.kind == blockToolUse {
		t.emit(events.NewToolCallEnd(block.toolID))
	}
}
