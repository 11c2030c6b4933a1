package protocol

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Tag is the single-character frame discriminator.
type Tag byte

const (
	// TagText carries a JSON-encoded string appended to the in-flight
	// assistant message.
	TagText Tag = '0'
	// TagError carries a JSON-encoded string describing a non-fatal,
	// inline error notice.
	TagError Tag = '3'
	// TagToolCall carries a complete tool call: toolCallId, toolName and
	// the full args object.
	TagToolCall Tag = '9'
	// TagToolResult carries the result for a previously started tool call.
	TagToolResult Tag = 'a'
	// TagToolCallStart opens the streaming lifecycle for one toolCallId.
	TagToolCallStart Tag = 'b'
	// TagToolCallDelta carries an incremental fragment of a tool call's
	// argument text.
	TagToolCallDelta Tag = 'c'
	// TagFinishMessage terminates the assistant message. Exactly one per
	// stream; nothing follows it. Older producers also smuggled a final
	// textDelta inside its payload, which consumers must still honor.
	TagFinishMessage Tag = 'd'
	// TagFinishStep marks the end of one model step (a text burst or a
	// tool-call round) within the message.
	TagFinishStep Tag = 'e'
)

// Known reports whether t is part of the grammar.
func (t Tag) Known() bool {
	switch t {
	case TagText, TagError, TagToolCall, TagToolResult,
		TagToolCallStart, TagToolCallDelta, TagFinishMessage, TagFinishStep:
		return true
	}
	return false
}

func (t Tag) String() string { return string(rune(t)) }

// Frame is one tagged line of the stream, without its trailing newline.
type Frame struct {
	Tag     Tag
	Payload string
}

// Parse splits a single line (newline already removed) into a frame.
// Unknown tags parse successfully; callers decide whether to skip them.
func Parse(line string) (Frame, error) {
	if len(line) < 2 || line[1] != ':' {
		return Frame{}, ErrMalformedFrame
	}
	return Frame{Tag: Tag(line[0]), Payload: line[2:]}, nil
}

// String renders the frame as a wire line including the terminator.
func (f Frame) String() string {
	var b strings.Builder
	b.Grow(len(f.Payload) + 3)
	b.WriteByte(byte(f.Tag))
	b.WriteByte(':')
	b.WriteString(f.Payload)
	b.WriteByte('\n')
	return b.String()
}

// Field extracts a payload field by gjson path. Missing fields and
// malformed payloads yield a zero result rather than an error; the
// protocol is optimistic and later frames may still make sense.
func (f Frame) Field(path string) gjson.Result {
	return gjson.Get(f.Payload, path)
}

// TextPayload interprets the payload as a JSON-encoded string, falling
// back to the raw sanitize transform for payloads written by producers
// that did not quote properly.
func (f Frame) TextPayload() string {
	var s string
	if err := json.Unmarshal([]byte(f.Payload), &s); err == nil {
		return s
	}
	return SanitizeText(f.Payload)
}

// Usage is the token accounting carried by finish frames.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// Text builds a text-delta frame.
func Text(delta string) Frame {
	b, _ := json.Marshal(delta)
	return Frame{Tag: TagText, Payload: string(b)}
}

// ErrorNotice builds an inline error frame.
func ErrorNotice(msg string) Frame {
	b, _ := json.Marshal(msg)
	return Frame{Tag: TagError, Payload: string(b)}
}

// ToolCallStart builds the opening frame for one toolCallId.
func ToolCallStart(toolCallID, toolName string) Frame {
	p, _ := sjson.Set("", "toolCallId", toolCallID)
	p, _ = sjson.Set(p, "toolName", toolName)
	return Frame{Tag: TagToolCallStart, Payload: p}
}

// ToolCallDelta builds an argument-delta frame for one toolCallId.
func ToolCallDelta(toolCallID, argsTextDelta string) Frame {
	p, _ := sjson.Set("", "toolCallId", toolCallID)
	p, _ = sjson.Set(p, "argsTextDelta", argsTextDelta)
	return Frame{Tag: TagToolCallDelta, Payload: p}
}

// ToolCall builds a complete-call frame. args must be a JSON document;
// anything else is embedded as a JSON string.
func ToolCall(toolCallID, toolName, args string) Frame {
	p, _ := sjson.Set("", "toolCallId", toolCallID)
	p, _ = sjson.Set(p, "toolName", toolName)
	if gjson.Valid(args) {
		p, _ = sjson.SetRaw(p, "args", args)
	} else {
		p, _ = sjson.Set(p, "args", args)
	}
	return Frame{Tag: TagToolCall, Payload: p}
}

// ToolResult builds a result frame. result must be a JSON document.
func ToolResult(toolCallID string, result json.RawMessage) Frame {
	p, _ := sjson.Set("", "toolCallId", toolCallID)
	if gjson.ValidBytes(result) {
		p, _ = sjson.SetRaw(p, "result", string(result))
	} else {
		p, _ = sjson.Set(p, "result", string(result))
	}
	return Frame{Tag: TagToolResult, Payload: p}
}

// FinishStep builds a step-finish frame.
func FinishStep(reason string, usage Usage, isContinued bool) Frame {
	p, _ := sjson.Set("", "finishReason", reason)
	p, _ = sjson.Set(p, "usage.promptTokens", usage.PromptTokens)
	p, _ = sjson.Set(p, "usage.completionTokens", usage.CompletionTokens)
	p, _ = sjson.Set(p, "isContinued", isContinued)
	return Frame{Tag: TagFinishStep, Payload: p}
}

// FinishMessage builds the terminal frame of a stream.
func FinishMessage(reason string, usage Usage) Frame {
	p, _ := sjson.Set("", "finishReason", reason)
	p, _ = sjson.Set(p, "usage.promptTokens", usage.PromptTokens)
	p, _ = sjson.Set(p, "usage.completionTokens", usage.CompletionTokens)
	return Frame{Tag: TagFinishMessage, Payload: p}
}
