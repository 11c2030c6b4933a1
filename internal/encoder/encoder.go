// Package encoder turns model events into the tagged frame stream the
// client decodes. It owns the server side of a streamed turn: frame
// emission, tool-call accumulation, driving the sandbox, and the
// termination guarantee that every stream ends in exactly one finish
// frame no matter how the turn goes wrong.
package encoder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"forkchat/internal/executor"
	"forkchat/protocol"
	"forkchat/sdk/chat"
)

// EventType discriminates source events.
type EventType int

const (
	// EventTextDelta carries a fragment of assistant prose.
	EventTextDelta EventType = iota
	// EventToolCallStart opens a streamed tool call.
	EventToolCallStart
	// EventToolCallDelta carries a fragment of a tool call's argument
	// text.
	EventToolCallDelta
	// EventToolCall carries a complete tool call in one piece.
	EventToolCall
	// EventStepFinish ends one model step; the turn may continue.
	EventStepFinish
	// EventFinish ends the turn. The source yields io.EOF afterwards.
	EventFinish
	// EventError reports a provider-side problem worth telling the
	// client about inline.
	EventError
)

// Event is one occurrence in a model turn.
type Event struct {
	Type EventType

	TextDelta string

	ToolCallID string
	ToolName   string
	ArgsDelta  string
	Args       string

	FinishReason string
	Usage        *protocol.Usage
	IsContinued  bool

	Message string
}

// Source produces the events of one model turn. Recv returns io.EOF
// when the turn is over.
type Source interface {
	Recv(ctx context.Context) (Event, error)
}

// Estimator fills in token usage when the source does not report it.
type Estimator func(prompt, completion string) protocol.Usage

type toolCall struct {
	id       string
	name     string
	args     strings.Builder
	surfaced bool
	executed bool
	result   executor.Result
}

// Encoder streams one turn's frames to a writer.
type Encoder struct {
	w      io.Writer
	runner executor.Runner
	log    zerolog.Logger

	estimate Estimator
	onFrame  func(protocol.Frame)
	onFinish func(*Encoder) error

	prompt string
	text   strings.Builder
	calls  map[string]*toolCall
	order  []string

	finished     bool
	finishReason string
	usage        protocol.Usage
}

// Option configures the encoder.
type Option func(*Encoder)

// WithLogger sets the turn logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Encoder) { e.log = log }
}

// WithEstimator supplies a usage estimator used when the source reports
// zero usage.
func WithEstimator(est Estimator) Option {
	return func(e *Encoder) { e.estimate = est }
}

// WithFrameObserver calls fn for every frame written, after the write.
func WithFrameObserver(fn func(protocol.Frame)) Option {
	return func(e *Encoder) { e.onFrame = fn }
}

// WithPrompt records the prompt text used by the usage estimator.
func WithPrompt(prompt string) Option {
	return func(e *Encoder) { e.prompt = prompt }
}

// WithOnFinish runs fn once the turn is over, before the finish frame
// goes out. A returned error becomes an inline error frame; the stream
// still terminates normally. The server persists the transcript here.
func WithOnFinish(fn func(*Encoder) error) Option {
	return func(e *Encoder) { e.onFinish = fn }
}

// New creates an encoder writing to w. runner may be nil when the turn
// cannot call tools; tool calls then fail inline as execution errors.
func New(w io.Writer, runner executor.Runner, opts ...Option) *Encoder {
	e := &Encoder{
		w:      w,
		runner: runner,
		log:    zerolog.Nop(),
		calls:  make(map[string]*toolCall),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run consumes the source until it finishes or fails and streams the
// corresponding frames. Whatever happens, exactly one finish frame is
// written, and the returned error reflects only transport-level
// trouble; model and sandbox problems surface inline as error frames.
func (e *Encoder) Run(ctx context.Context, src Source) (err error) {
	defer func() {
		if ferr := e.terminate(); ferr != nil && err == nil {
			err = ferr
		}
	}()

	for {
		ev, rerr := src.Recv(ctx)
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				// Client went away; nothing left to tell it.
				e.finishReason = "error"
				return nil
			}
			e.log.Warn().Err(rerr).Msg("model source failed")
			e.finishReason = "error"
			if werr := e.emit(protocol.ErrorNotice(rerr.Error())); werr != nil {
				return werr
			}
			return nil
		}

		if werr := e.dispatch(ctx, ev); werr != nil {
			return werr
		}
		if ev.Type == EventFinish {
			return nil
		}
	}
}

func (e *Encoder) dispatch(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EventTextDelta:
		e.text.WriteString(ev.TextDelta)
		return e.emit(protocol.Text(ev.TextDelta))

	case EventToolCallStart:
		_, err := e.open(ev.ToolCallID, ev.ToolName)
		return err

	case EventToolCallDelta:
		call, err := e.open(ev.ToolCallID, ev.ToolName)
		if err != nil {
			return err
		}
		call.args.WriteString(ev.ArgsDelta)
		if err := e.emit(protocol.ToolCallDelta(call.id, ev.ArgsDelta)); err != nil {
			return err
		}
		return e.maybeSurface(call)

	case EventToolCall:
		call, err := e.open(ev.ToolCallID, ev.ToolName)
		if err != nil {
			return err
		}
		if call.args.Len() == 0 {
			call.args.WriteString(ev.Args)
		}
		if err := e.emit(protocol.ToolCall(call.id, call.name, call.args.String())); err != nil {
			return err
		}
		if err := e.maybeSurface(call); err != nil {
			return err
		}
		return e.execute(ctx, call)

	case EventStepFinish:
		usage := e.usageFrom(ev.Usage)
		if err := e.executePending(ctx); err != nil {
			return err
		}
		return e.emit(protocol.FinishStep(ev.FinishReason, usage, ev.IsContinued))

	case EventFinish:
		e.finishReason = ev.FinishReason
		if ev.Usage != nil {
			e.usage = *ev.Usage
		}
		return e.executePending(ctx)

	case EventError:
		return e.emit(protocol.ErrorNotice(ev.Message))
	}
	e.log.Debug().Int("type", int(ev.Type)).Msg("dropping unknown event")
	return nil
}

// open returns the accumulator for id, creating it and emitting the
// start frame on first sight. Deltas for an id that never started still
// get a well-formed stream.
func (e *Encoder) open(id, name string) (*toolCall, error) {
	if call, ok := e.calls[id]; ok {
		return call, nil
	}
	if name == "" {
		name = executor.ToolName
	}
	call := &toolCall{id: id, name: name}
	e.calls[id] = call
	e.order = append(e.order, id)
	return call, e.emit(protocol.ToolCallStart(id, name))
}

// maybeSurface streams the call's code as a fenced block the moment the
// accumulated argument text parses as JSON with a code field. Partial
// JSON is the normal case here, not a failure.
func (e *Encoder) maybeSurface(call *toolCall) error {
	if call.surfaced {
		return nil
	}
	args := call.args.String()
	if !gjson.Valid(args) {
		return nil
	}
	code := gjson.Get(args, "code")
	if !code.Exists() {
		return nil
	}
	call.surfaced = true
	block := "\n```python\n" + code.String() + "\n```\n"
	e.text.WriteString(block)
	return e.emit(protocol.Text(block))
}

// execute runs the call at most once and emits its result frame plus a
// textual rendering. Re-seeing a completed call is a no-op.
func (e *Encoder) execute(ctx context.Context, call *toolCall) error {
	if call.executed {
		return nil
	}
	call.executed = true

	call.result = e.run(ctx, call)
	payload, err := json.Marshal(call.result)
	if err != nil {
		return fmt.Errorf("marshal tool result: %w", err)
	}
	if err := e.emit(protocol.ToolResult(call.id, payload)); err != nil {
		return err
	}
	rendered := "\n" + executor.Render(call.result) + "\n"
	e.text.WriteString(rendered)
	return e.emit(protocol.Text(rendered))
}

func (e *Encoder) run(ctx context.Context, call *toolCall) executor.Result {
	args := call.args.String()
	code := gjson.Get(args, "code")
	if !gjson.Valid(args) || !code.Exists() {
		return executor.Result{
			Success: false,
			Error: &executor.ExecError{
				Type:    "ExecutionError",
				Message: "tool call arguments never became valid JSON with a code field",
			},
		}
	}
	if e.runner == nil {
		return executor.Result{
			Success: false,
			Error: &executor.ExecError{
				Type:    "ExecutionError",
				Message: "no execution backend configured",
			},
		}
	}
	req := executor.Request{
		Code:         code.String(),
		OutputFormat: executor.OutputFormat(gjson.Get(args, "output_format").String()),
		Timeout:      int(gjson.Get(args, "timeout").Int()),
	}
	e.log.Debug().Str("toolCallId", call.id).Msg("executing tool call")
	return e.runner.Execute(ctx, req)
}

// executePending runs every accumulated call that has not executed yet,
// in arrival order.
func (e *Encoder) executePending(ctx context.Context) error {
	for _, id := range e.order {
		if err := e.execute(ctx, e.calls[id]); err != nil {
			return err
		}
	}
	return nil
}

// terminate writes the single finish frame. Idempotent; Run defers it
// so even a panic-free early return cannot leave the stream open.
func (e *Encoder) terminate() error {
	if e.finished {
		return nil
	}
	if e.finishReason == "" {
		e.finishReason = "stop"
	}
	if e.onFinish != nil {
		if err := e.onFinish(e); err != nil {
			e.log.Error().Err(err).Msg("finish hook failed")
			if werr := e.emit(protocol.ErrorNotice(err.Error())); werr != nil {
				return werr
			}
		}
	}
	e.finished = true
	return e.emit(protocol.FinishMessage(e.finishReason, e.usageFrom(&e.usage)))
}

func (e *Encoder) usageFrom(u *protocol.Usage) protocol.Usage {
	if u != nil && (u.PromptTokens != 0 || u.CompletionTokens != 0) {
		return *u
	}
	if e.estimate != nil {
		return e.estimate(e.prompt, e.text.String())
	}
	if u != nil {
		return *u
	}
	return protocol.Usage{}
}

func (e *Encoder) emit(f protocol.Frame) error {
	if e.finished && f.Tag != protocol.TagFinishMessage {
		return nil
	}
	if _, err := io.WriteString(e.w, f.String()); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if fl, ok := e.w.(http.Flusher); ok {
		fl.Flush()
	}
	if e.onFrame != nil {
		e.onFrame(f)
	}
	return nil
}

// Notice writes an inline error frame outside the event loop; the
// server uses it for persistence failures after the turn streamed.
func (e *Encoder) Notice(msg string) error {
	return e.emit(protocol.ErrorNotice(msg))
}

// Text returns everything streamed as prose, including surfaced code
// blocks and rendered tool output.
func (e *Encoder) Text() string { return e.text.String() }

// FinishReason reports the terminal reason once the turn is over.
func (e *Encoder) FinishReason() string { return e.finishReason }

// Messages materializes the turn as transcript messages for
// persistence: one assistant message carrying the prose and the tool
// invocations, plus a tool-role message when any call ran.
func (e *Encoder) Messages() []*chat.Message {
	assistant := &chat.Message{
		ID:      chat.NewID(),
		Role:    chat.RoleAssistant,
		Content: e.text.String(),
	}
	var invocations []*chat.ToolInvocation
	for _, id := range e.order {
		call := e.calls[id]
		inv := &chat.ToolInvocation{
			ToolCallID: call.id,
			ToolName:   call.name,
			State:      chat.StateCall,
			Args:       call.args.String(),
		}
		if call.executed {
			inv.State = chat.StateResult
			inv.Result = resultToChat(call.result)
		}
		invocations = append(invocations, inv)
	}
	assistant.ToolInvocations = invocations

	msgs := []*chat.Message{assistant}
	if len(invocations) > 0 {
		if toolMsg := chat.SynthesizeToolMessage(invocations); toolMsg != nil {
			msgs = append(msgs, toolMsg)
		}
	}
	return msgs
}

func resultToChat(r executor.Result) *chat.ToolResult {
	out := &chat.ToolResult{Success: r.Success, Output: r.Output}
	if r.Error != nil {
		out.Error = &chat.ToolError{Type: r.Error.Type, Message: r.Error.Message}
	}
	return out
}
