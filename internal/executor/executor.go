// Package executor runs model-requested code in a remote sandbox over
// HTTP. The adapter folds every failure mode of the sandbox itself into
// a Result so callers stream one uniform shape back to the client; only
// request construction can fail hard.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// OutputFormat selects how the sandbox renders successful output.
type OutputFormat string

const (
	FormatPlain OutputFormat = "plain"
	FormatRich  OutputFormat = "rich"
	FormatJSON  OutputFormat = "json"
)

// Request is the body of POST /api/v1/execute.
type Request struct {
	Code         string       `json:"code"`
	OutputFormat OutputFormat `json:"output_format,omitempty"`
	// Timeout is advisory, in seconds. The sandbox may clamp it.
	Timeout int `json:"timeout,omitempty"`
}

// ExecError describes a failure raised while running the submitted code.
type ExecError struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// Metrics is the sandbox's accounting for one execution.
type Metrics struct {
	DurationMS int `json:"duration_ms,omitempty"`
	MemoryKB   int `json:"memory_kb,omitempty"`
}

// Result is what an execution produces, success or not.
type Result struct {
	Success bool       `json:"success"`
	Output  string     `json:"output,omitempty"`
	Error   *ExecError `json:"error,omitempty"`
	Metrics *Metrics   `json:"metrics,omitempty"`
}

// Runner executes code and always comes back with a Result. A non-nil
// error means the request never reached the sandbox in a well-formed
// way, not that the code failed.
type Runner interface {
	Execute(ctx context.Context, req Request) Result
}

// Client is the HTTP Runner.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout bounds the whole round trip, independent of the advisory
// per-request sandbox timeout.
func WithTimeout(d time.Duration) Option {
	return func(client *Client) {
		if client.httpClient == nil {
			client.httpClient = &http.Client{}
		}
		client.httpClient.Timeout = d
	}
}

// WithLogger sets the execution logger.
func WithLogger(log zerolog.Logger) Option {
	return func(client *Client) {
		client.log = log
	}
}

// NewClient creates a client against the sandbox base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute runs code in the sandbox. Transport failures, non-2xx
// statuses and undecodable bodies all fold into a failed Result with an
// ExecutionError, so a broken sandbox degrades into a tool error the
// model can read rather than a dropped stream.
func (c *Client) Execute(ctx context.Context, req Request) Result {
	if req.OutputFormat == "" {
		req.OutputFormat = FormatRich
	}

	body, err := json.Marshal(req)
	if err != nil {
		return failure(fmt.Sprintf("encode request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/execute", bytes.NewReader(body))
	if err != nil {
		return failure(fmt.Sprintf("create request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.log.Warn().Err(err).Msg("sandbox unreachable")
		return failure(fmt.Sprintf("sandbox unreachable: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.log.Warn().Int("status", resp.StatusCode).Msg("sandbox rejected execution")
		return failure(fmt.Sprintf("sandbox HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(b))))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return failure(fmt.Sprintf("decode sandbox response: %v", err))
	}

	c.log.Debug().
		Bool("success", result.Success).
		Dur("elapsed", time.Since(started)).
		Msg("code executed")
	return result
}

func failure(msg string) Result {
	return Result{
		Success: false,
		Error:   &ExecError{Type: "ExecutionError", Message: msg},
	}
}

// Render turns a result into the text shown inline in the transcript.
// Successful runs show their output; failures show the error the way a
// Python REPL would.
func Render(r Result) string {
	if r.Success {
		if r.Output == "" {
			return "(no output)"
		}
		return r.Output
	}
	if r.Error == nil {
		return "ExecutionError"
	}
	var b strings.Builder
	b.WriteString(r.Error.Type)
	if r.Error.Message != "" {
		b.WriteString(": ")
		b.WriteString(r.Error.Message)
	}
	if r.Error.Traceback != "" {
		b.WriteString("\n")
		b.WriteString(r.Error.Traceback)
	}
	return b.String()
}
