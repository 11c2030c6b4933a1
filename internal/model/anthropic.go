// Package model provides encoder event sources: the Anthropic streaming
// adapter used in production and a scripted source for dev mode and
// tests, plus token usage estimation.
package model

import (
	"context"
	"io"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"forkchat/internal/encoder"
	"forkchat/internal/executor"
	"forkchat/protocol"
	"forkchat/sdk/chat"
)

const defaultMaxTokens = 4096

// AnthropicSource adapts the Anthropic streaming API to the encoder
// source contract. The stream starts lazily on the first Recv so it
// inherits the caller's context.
type AnthropicSource struct {
	client anthropic.Client
	params anthropic.MessageNewParams

	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	queue  []encoder.Event
	blocks map[int64]string

	usage      protocol.Usage
	reason     string
	finishSent bool
}

// NewAnthropicSource builds a source for one turn over the given
// transcript.
func NewAnthropicSource(client anthropic.Client, model anthropic.Model, messages []*chat.Message) *AnthropicSource {
	return &AnthropicSource{
		client: client,
		params: anthropic.MessageNewParams{
			Model:     model,
			MaxTokens: defaultMaxTokens,
			Messages:  buildHistory(messages),
			Tools:     buildTools(executor.ToolDefinition()),
		},
		blocks: make(map[int64]string),
	}
}

// Recv yields the next turn event, io.EOF once the turn is over.
func (s *AnthropicSource) Recv(ctx context.Context) (encoder.Event, error) {
	if s.stream == nil {
		s.stream = s.client.Messages.NewStreaming(ctx, s.params)
	}
	for {
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			return ev, nil
		}
		if s.finishSent {
			return encoder.Event{}, io.EOF
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				return encoder.Event{}, err
			}
			// Stream closed without message_stop; synthesize the finish.
			s.pushFinish()
			continue
		}
		s.translate(s.stream.Current())
	}
}

func (s *AnthropicSource) translate(raw anthropic.MessageStreamEventUnion) {
	switch ev := raw.AsAny().(type) {
	case anthropic.MessageStartEvent:
		s.usage.PromptTokens = int(ev.Message.Usage.InputTokens)

	case anthropic.ContentBlockStartEvent:
		if block, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
			s.blocks[ev.Index] = block.ID
			s.queue = append(s.queue, encoder.Event{
				Type:       encoder.EventToolCallStart,
				ToolCallID: block.ID,
				ToolName:   block.Name,
			})
		}

	case anthropic.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			s.queue = append(s.queue, encoder.Event{
				Type:      encoder.EventTextDelta,
				TextDelta: delta.Text,
			})
		case anthropic.InputJSONDelta:
			if id, ok := s.blocks[ev.Index]; ok && delta.PartialJSON != "" {
				s.queue = append(s.queue, encoder.Event{
					Type:       encoder.EventToolCallDelta,
					ToolCallID: id,
					ArgsDelta:  delta.PartialJSON,
				})
			}
		}

	case anthropic.MessageDeltaEvent:
		s.reason = finishReason(string(ev.Delta.StopReason))
		s.usage.CompletionTokens = int(ev.Usage.OutputTokens)

	case anthropic.MessageStopEvent:
		s.pushFinish()
	}
}

func (s *AnthropicSource) pushFinish() {
	if s.finishSent {
		return
	}
	s.finishSent = true
	usage := s.usage
	s.queue = append(s.queue, encoder.Event{
		Type:         encoder.EventFinish,
		FinishReason: s.reason,
		Usage:        &usage,
	})
}

// finishReason maps Anthropic stop reasons onto the wire vocabulary.
func finishReason(stop string) string {
	switch stop {
	case "tool_use":
		return "tool-calls"
	case "max_tokens":
		return "length"
	case "end_turn", "stop_sequence", "":
		return "stop"
	}
	return "stop"
}

// buildHistory converts the transcript into API messages. Tool-role
// messages are skipped: their rendered output already lives in the
// preceding assistant prose.
func buildHistory(messages []*chat.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		switch msg.Role {
		case chat.RoleUser:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		case chat.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}
	return out
}

func buildTools(def executor.Definition) []anthropic.ToolUnionParam {
	schema := def.InputSchema
	properties := schema["properties"]
	required, _ := schema["required"].([]string)

	inputSchema := anthropic.ToolInputSchemaParam{
		Properties: properties,
		Required:   required,
		Type:       "object",
	}

	toolUnion := anthropic.ToolUnionParamOfTool(inputSchema, def.Name)
	if t := toolUnion.OfTool; t != nil {
		t.Description = anthropic.Opt(def.Description)
	}
	return []anthropic.ToolUnionParam{toolUnion}
}
