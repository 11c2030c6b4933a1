package chat

import (
	"bytes"
	"context"
	"io"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"forkchat/protocol"
)

// Decoder folds a frame stream into conversation state. Chunks may split
// a line anywhere — mid-tag, mid-payload, inside a multibyte rune — and
// the result is identical to delivering the stream whole. A decoder
// serves exactly one assistant turn and owns its buffers exclusively.
type Decoder struct {
	conv       *Conversation
	inFlightID string

	pending  []byte
	calls    map[string]*ToolInvocation
	finished bool

	finishReason string
	usage        protocol.Usage
	notices      []string

	onText func(string)
	log    zerolog.Logger
}

// DecoderOption configures the decoder.
type DecoderOption func(*Decoder)

// WithLogger routes frame anomalies to the given logger.
func WithLogger(log zerolog.Logger) DecoderOption {
	return func(d *Decoder) { d.log = log }
}

// WithTextCallback is invoked for each text delta applied to the
// in-flight message, for progressive display.
func WithTextCallback(fn func(delta string)) DecoderOption {
	return func(d *Decoder) { d.onText = fn }
}

// NewDecoder creates a decoder that mutates conv, targeting the
// in-flight assistant message with the given id. That message must
// already be the last entry of conv.
func NewDecoder(conv *Conversation, inFlightID string, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		conv:       conv,
		inFlightID: inFlightID,
		calls:      make(map[string]*ToolInvocation),
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed appends a chunk and dispatches every complete line it closes.
// The trailing partial line stays buffered for the next chunk.
func (d *Decoder) Feed(chunk []byte) error {
	if d.finished {
		return ErrDecoderFinished
	}
	d.pending = append(d.pending, chunk...)
	for !d.finished {
		i := bytes.IndexByte(d.pending, '\n')
		if i < 0 {
			return nil
		}
		line := string(d.pending[:i])
		d.pending = d.pending[i+1:]
		d.dispatch(line)
	}
	// The finish frame is terminal; anything after it is dropped.
	d.pending = nil
	return nil
}

// Finish flushes any buffered partial line through the same dispatch
// path and seals the decoder. Safe to call more than once.
func (d *Decoder) Finish() {
	if d.finished {
		return
	}
	if len(d.pending) > 0 {
		line := string(d.pending)
		d.pending = nil
		d.dispatch(line)
	}
	d.finished = true
}

// Abort seals the decoder without flushing. Frames already dispatched
// keep their effects; nothing further is applied.
func (d *Decoder) Abort() {
	d.pending = nil
	d.finished = true
}

// Finished reports whether the decoder is sealed.
func (d *Decoder) Finished() bool { return d.finished }

// FinishReason returns the terminal finish reason, if one arrived.
func (d *Decoder) FinishReason() string { return d.finishReason }

// Usage returns the token usage reported by the finish frame.
func (d *Decoder) Usage() protocol.Usage { return d.usage }

// Notices returns inline error notices collected from the stream.
func (d *Decoder) Notices() []string { return d.notices }

// Run consumes r chunk by chunk until EOF or ctx cancellation. A read
// error after cancellation is silent termination, not a failure: the
// transport was torn down underneath us on purpose.
func (d *Decoder) Run(ctx context.Context, r io.Reader) error {
	buf := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			d.Abort()
			return nil
		}
		n, err := r.Read(buf)
		if n > 0 {
			if ferr := d.Feed(buf[:n]); ferr != nil {
				return ferr
			}
			if d.finished {
				return nil
			}
		}
		if err != nil {
			if err == io.EOF {
				d.Finish()
				return nil
			}
			if ctx.Err() != nil {
				d.Abort()
				return nil
			}
			d.Abort()
			return err
		}
	}
}

func (d *Decoder) dispatch(line string) {
	if line == "" {
		return
	}
	f, err := protocol.Parse(line)
	if err != nil {
		d.log.Warn().Str("line", line).Msg("skipping malformed frame")
		return
	}
	switch f.Tag {
	case protocol.TagText:
		d.applyText(f.TextPayload())
	case protocol.TagError:
		d.notices = append(d.notices, f.TextPayload())
		d.log.Warn().Str("notice", f.TextPayload()).Msg("inline error frame")
	case protocol.TagToolCallStart:
		d.applyToolCallStart(f)
	case protocol.TagToolCallDelta:
		d.applyToolCallDelta(f)
	case protocol.TagToolCall:
		d.applyToolCall(f)
	case protocol.TagToolResult:
		d.applyToolResult(f)
	case protocol.TagFinishStep:
		// Step boundary; nothing to fold into state.
	case protocol.TagFinishMessage:
		d.applyFinish(f)
	default:
		d.log.Debug().Str("tag", f.Tag.String()).Msg("skipping unknown tag")
	}
}

func (d *Decoder) applyText(delta string) {
	if delta == "" {
		return
	}
	if !d.conv.AppendText(d.inFlightID, delta) {
		d.log.Debug().Msg("dropping text frame for superseded turn")
		return
	}
	if d.onText != nil {
		d.onText(delta)
	}
}

// invocation returns the tracked invocation for id, creating and
// attaching it to the in-flight message when create is set. One map
// entry per toolCallId — interleaved calls never share a buffer.
func (d *Decoder) invocation(id string, create bool) *ToolInvocation {
	if inv, ok := d.calls[id]; ok {
		return inv
	}
	if !create {
		return nil
	}
	inv := &ToolInvocation{ToolCallID: id, State: StatePartialCall}
	d.calls[id] = inv
	if m, _ := d.conv.Find(d.inFlightID); m != nil {
		m.ToolInvocations = append(m.ToolInvocations, inv)
	}
	return inv
}

func (d *Decoder) applyToolCallStart(f protocol.Frame) {
	id := f.Field("toolCallId").String()
	if id == "" {
		d.log.Warn().Str("payload", f.Payload).Msg("tool-call start without toolCallId")
		return
	}
	inv := d.invocation(id, true)
	if name := f.Field("toolName").String(); name != "" {
		inv.ToolName = name
	}
}

func (d *Decoder) applyToolCallDelta(f protocol.Frame) {
	id := f.Field("toolCallId").String()
	if id == "" {
		d.log.Warn().Str("payload", f.Payload).Msg("tool-call delta without toolCallId")
		return
	}
	inv := d.invocation(id, true)
	inv.Args += f.Field("argsTextDelta").String()
}

func (d *Decoder) applyToolCall(f protocol.Frame) {
	id := f.Field("toolCallId").String()
	if id == "" {
		return
	}
	inv := d.invocation(id, true)
	if name := f.Field("toolName").String(); name != "" {
		inv.ToolName = name
	}
	if args := f.Field("args"); args.Exists() {
		inv.Args = args.Raw
		if args.Type == gjson.String {
			inv.Args = args.String()
		}
	}
	inv.State = StateCall
}

// applyToolResult updates the invocation state and synthesizes a
// separate tool-role message, because downstream consumers expect tool
// outputs addressable as first-class messages.
func (d *Decoder) applyToolResult(f protocol.Frame) {
	id := f.Field("toolCallId").String()
	inv := d.invocation(id, false)
	if inv == nil {
		d.log.Warn().Str("toolCallId", id).Msg("result frame for unknown tool call")
		return
	}
	inv.State = StateResult
	if res := f.Field("result"); res.Exists() {
		inv.Result = parseToolResult(res)
	}
	d.conv.Append(&Message{
		ID:              NewID(),
		Role:            RoleTool,
		Content:         renderToolContent(inv),
		ToolInvocations: []*ToolInvocation{inv},
	})
}

func (d *Decoder) applyFinish(f protocol.Frame) {
	// Older producers attached a last textDelta to the finish frame.
	if td := f.Field("textDelta"); td.Exists() {
		d.applyText(td.String())
	}
	d.finishReason = f.Field("finishReason").String()
	d.usage = protocol.Usage{
		PromptTokens:     int(f.Field("usage.promptTokens").Int()),
		CompletionTokens: int(f.Field("usage.completionTokens").Int()),
	}
	d.finished = true
	d.pending = nil
}

func parseToolResult(res gjson.Result) *ToolResult {
	out := &ToolResult{
		Success: res.Get("success").Bool(),
		Output:  res.Get("output").String(),
	}
	if e := res.Get("error"); e.Exists() {
		out.Error = &ToolError{
			Type:      e.Get("type").String(),
			Message:   e.Get("message").String(),
			Traceback: e.Get("traceback").String(),
		}
	}
	if m := res.Get("metrics"); m.IsObject() {
		out.Metrics = make(map[string]float64)
		m.ForEach(func(k, v gjson.Result) bool {
			out.Metrics[k.String()] = v.Float()
			return true
		})
	}
	return out
}
