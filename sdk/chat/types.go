// Package chat provides a Go SDK for the forkchat streaming conversation
// protocol: an incremental frame decoder, the conversation state it folds
// frames into, the fork/edit state machine layered on top, and an HTTP
// client for the server surface.
//
// Example usage:
//
//	client := chat.NewClient("http://localhost:8080")
//	session := chat.NewSession(client, chat.NewID())
//
//	// Submit a message and stream the assistant's reply.
//	if err := session.Submit(ctx, "compute 1+1 in python"); err != nil {
//	    // ...
//	}
//	last := session.Conversation().Last()
package chat

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// InvocationState tracks one tool call through its lifecycle.
type InvocationState string

const (
	// StatePartialCall means arguments are still streaming in.
	StatePartialCall InvocationState = "partial-call"
	// StateCall means the call is fully specified but has no result yet.
	StateCall InvocationState = "call"
	// StateResult means the call has completed and Result is populated.
	StateResult InvocationState = "result"
)

// ToolError describes a failure raised by the executed code or by the
// execution transport.
type ToolError struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// ToolResult is the structured outcome of one tool invocation.
type ToolResult struct {
	Success bool               `json:"success"`
	Output  string             `json:"output,omitempty"`
	Error   *ToolError         `json:"error,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// ToolInvocation is the lifecycle object for one external call requested
// by the assistant. Identity is ToolCallID; every argument delta for the
// same id merges into the same Args buffer.
type ToolInvocation struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	State      InvocationState `json:"state"`
	Args       string          `json:"args,omitempty"`
	Result     *ToolResult     `json:"result,omitempty"`
}

// Message is one conversation entry. Only the last message of a live
// conversation mutates; earlier messages are settled.
type Message struct {
	ID              string            `json:"id"`
	Role            Role              `json:"role"`
	Content         string            `json:"content"`
	ToolInvocations []*ToolInvocation `json:"toolInvocations,omitempty"`
}

// Invocation returns the invocation with the given toolCallId, or nil.
func (m *Message) Invocation(toolCallID string) *ToolInvocation {
	for _, inv := range m.ToolInvocations {
		if inv.ToolCallID == toolCallID {
			return inv
		}
	}
	return nil
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	out := &Message{ID: m.ID, Role: m.Role, Content: m.Content}
	if len(m.ToolInvocations) > 0 {
		out.ToolInvocations = make([]*ToolInvocation, len(m.ToolInvocations))
		for i, inv := range m.ToolInvocations {
			cp := *inv
			if inv.Result != nil {
				r := *inv.Result
				cp.Result = &r
			}
			out.ToolInvocations[i] = &cp
		}
	}
	return out
}

// NewID returns a fresh opaque identifier for messages, chats and forks.
func NewID() string { return uuid.NewString() }

// renderToolContent is the content body of a synthesized tool-role
// message: a JSON array so downstream consumers can address each result.
func renderToolContent(inv *ToolInvocation) string {
	b, err := json.Marshal([]*ToolInvocation{inv})
	if err != nil {
		return "[]"
	}
	return string(b)
}

// SynthesizeToolMessage builds the tool-role message that mirrors the
// completed invocations of a turn. Nil when none reached a result.
func SynthesizeToolMessage(invocations []*ToolInvocation) *Message {
	var done []*ToolInvocation
	for _, inv := range invocations {
		if inv.State == StateResult {
			done = append(done, inv)
		}
	}
	if len(done) == 0 {
		return nil
	}
	b, err := json.Marshal(done)
	if err != nil {
		return nil
	}
	return &Message{ID: NewID(), Role: RoleTool, Content: string(b)}
}
