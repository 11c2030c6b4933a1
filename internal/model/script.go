package model

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"forkchat/internal/encoder"
	"forkchat/internal/executor"
	"forkchat/protocol"
)

// ScriptSource replays a fixed event sequence, optionally pacing events
// to feel like a live stream. It backs dev mode and tests.
type ScriptSource struct {
	events []encoder.Event
	delay  time.Duration
	i      int
}

// NewScript builds a source over the given events.
func NewScript(events ...encoder.Event) *ScriptSource {
	return &ScriptSource{events: events}
}

// Paced sets a per-event delay and returns the source.
func (s *ScriptSource) Paced(d time.Duration) *ScriptSource {
	s.delay = d
	return s
}

// Recv yields the next scripted event, io.EOF when exhausted.
func (s *ScriptSource) Recv(ctx context.Context) (encoder.Event, error) {
	if s.i >= len(s.events) {
		return encoder.Event{}, io.EOF
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return encoder.Event{}, ctx.Err()
		}
	}
	ev := s.events[s.i]
	s.i++
	return ev, nil
}

// EchoScript builds the dev-mode turn: a short acknowledgement, a tool
// call that echoes the input through the sandbox, and a finish. It
// keeps the full encode/execute/decode path exercised without a model
// in the loop.
func EchoScript(input string) *ScriptSource {
	code := fmt.Sprintf("print(%q)", input)
	args := fmt.Sprintf(`{"code":%q}`, code)

	var events []encoder.Event
	for _, word := range strings.SplitAfter("Echoing that through the sandbox.\n", " ") {
		events = append(events, encoder.Event{Type: encoder.EventTextDelta, TextDelta: word})
	}
	events = append(events,
		encoder.Event{Type: encoder.EventToolCallStart, ToolCallID: "script_1", ToolName: executor.ToolName},
		encoder.Event{Type: encoder.EventToolCallDelta, ToolCallID: "script_1", ArgsDelta: args},
		encoder.Event{Type: encoder.EventFinish, FinishReason: "stop",
			Usage: &protocol.Usage{}},
	)
	return NewScript(events...)
}
