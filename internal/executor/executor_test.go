package executor_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"forkchat/internal/executor"
)

func TestExecuteSuccess(t *testing.T) {
	var got executor.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/execute" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(executor.Result{Success: true, Output: "4"})
	}))
	defer srv.Close()

	client := executor.NewClient(srv.URL)
	result := client.Execute(context.Background(), executor.Request{Code: "2+2", Timeout: 30})

	if !result.Success || result.Output != "4" {
		t.Errorf("result = %+v", result)
	}
	if got.Code != "2+2" || got.Timeout != 30 {
		t.Errorf("request sent = %+v", got)
	}
	if got.OutputFormat != executor.FormatRich {
		t.Errorf("default output_format = %q, want rich", got.OutputFormat)
	}
}

func TestExecuteSandboxError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(executor.Result{
			Success: false,
			Error: &executor.ExecError{
				Type:      "NameError",
				Message:   "name 'x' is not defined",
				Traceback: "Traceback (most recent call last): ...",
			},
		})
	}))
	defer srv.Close()

	result := executor.NewClient(srv.URL).Execute(context.Background(), executor.Request{Code: "x"})
	if result.Success {
		t.Fatal("result.Success = true, want false")
	}
	if result.Error == nil || result.Error.Type != "NameError" {
		t.Errorf("error = %+v", result.Error)
	}
}

// Every sandbox-side breakage must come back as a failed Result, never
// as a dropped execution.
func TestExecuteFoldsTransportFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "non-2xx status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "out of capacity", http.StatusServiceUnavailable)
			},
		},
		{
			name: "undecodable body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("<html>not json</html>"))
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			result := executor.NewClient(srv.URL).Execute(context.Background(), executor.Request{Code: "1"})
			if result.Success {
				t.Fatal("result.Success = true, want false")
			}
			if result.Error == nil || result.Error.Type != "ExecutionError" {
				t.Errorf("error = %+v, want ExecutionError", result.Error)
			}
		})
	}
}

func TestExecuteUnreachableSandbox(t *testing.T) {
	// Closed server: connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	result := executor.NewClient(srv.URL).Execute(context.Background(), executor.Request{Code: "1"})
	if result.Success || result.Error == nil || result.Error.Type != "ExecutionError" {
		t.Errorf("result = %+v", result)
	}
}

func TestRender(t *testing.T) {
	tests := []struct {
		name   string
		result executor.Result
		want   string
	}{
		{"success", executor.Result{Success: true, Output: "42"}, "42"},
		{"success empty", executor.Result{Success: true}, "(no output)"},
		{
			"error with traceback",
			executor.Result{Error: &executor.ExecError{
				Type: "ZeroDivisionError", Message: "division by zero", Traceback: "line 1",
			}},
			"ZeroDivisionError: division by zero\nline 1",
		},
		{"error without detail", executor.Result{}, "ExecutionError"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := executor.Render(tc.result); got != tc.want {
				t.Errorf("Render() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestToolDefinition(t *testing.T) {
	def := executor.ToolDefinition()
	if def.Name != executor.ToolName {
		t.Errorf("name = %q", def.Name)
	}
	props, ok := def.InputSchema["properties"].(map[string]interface{})
	if !ok {
		t.Fatal("schema has no properties")
	}
	if _, ok := props["code"]; !ok {
		t.Error("schema missing code property")
	}
	required, _ := def.InputSchema["required"].([]string)
	if len(required) != 1 || required[0] != "code" {
		t.Errorf("required = %v", required)
	}
	if !strings.Contains(def.Description, "Python") {
		t.Errorf("description = %q", def.Description)
	}
}
