package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"forkchat/internal/config"
	"forkchat/internal/encoder"
	"forkchat/internal/executor"
	"forkchat/internal/model"
	"forkchat/internal/server"
	"forkchat/internal/store"
	"forkchat/protocol"
	"forkchat/sdk/chat"
)

type fakeRunner struct {
	result executor.Result
}

func (r *fakeRunner) Execute(ctx context.Context, req executor.Request) executor.Result {
	return r.result
}

// scriptFactory replays the same event sequence for every turn.
func scriptFactory(events ...encoder.Event) server.SourceFactory {
	return func([]*chat.Message) encoder.Source {
		return model.NewScript(events...)
	}
}

func textTurn(text string) server.SourceFactory {
	return scriptFactory(
		encoder.Event{Type: encoder.EventTextDelta, TextDelta: text},
		encoder.Event{Type: encoder.EventFinish, FinishReason: "stop",
			Usage: &protocol.Usage{PromptTokens: 1, CompletionTokens: 1}},
	)
}

func newServer(t *testing.T, cfg config.Config, mem *store.Memory, factory server.SourceFactory) *httptest.Server {
	t.Helper()
	s := server.New(cfg, zerolog.Nop(), mem, mem,
		&fakeRunner{result: executor.Result{Success: true, Output: "ok"}}, factory)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postChat(t *testing.T, srv *httptest.Server, req *chat.SubmitRequest) (*http.Response, string) {
	t.Helper()
	body, _ := json.Marshal(req)
	resp, err := http.Post(srv.URL+"/chat", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /chat: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.String()
}

func parseFrames(t *testing.T, raw string) []protocol.Frame {
	t.Helper()
	var out []protocol.Frame
	for _, line := range strings.Split(raw, "\n") {
		if line == "" {
			continue
		}
		f, err := protocol.Parse(line)
		if err != nil {
			t.Fatalf("malformed frame %q: %v", line, err)
		}
		out = append(out, f)
	}
	return out
}

func TestChatStreamsAndPersists(t *testing.T) {
	mem := store.NewMemory()
	srv := newServer(t, config.Default(), mem, textTurn("Hello!"))

	user := &chat.Message{ID: chat.NewID(), Role: chat.RoleUser, Content: "hi"}
	resp, body := postChat(t, srv, &chat.SubmitRequest{
		ChatID:   "chat-1",
		Messages: []*chat.Message{user},
	})

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	frames := parseFrames(t, body)
	if frames[len(frames)-1].Tag != protocol.TagFinishMessage {
		t.Errorf("last frame = %+v, want finish", frames[len(frames)-1])
	}

	rec, err := mem.GetChat("chat-1")
	if err != nil {
		t.Fatalf("chat not persisted: %v", err)
	}
	if len(rec.Messages) != 2 {
		t.Fatalf("persisted messages = %d, want user + assistant", len(rec.Messages))
	}
	if rec.Messages[1].Role != chat.RoleAssistant || rec.Messages[1].Content != "Hello!" {
		t.Errorf("assistant = %+v", rec.Messages[1])
	}
}

type failingChatStore struct {
	store.ChatStore
}

func (failingChatStore) SaveChat(string, []*chat.Message) error {
	return errors.New("disk full")
}

func TestPersistFailureBecomesInlineNotice(t *testing.T) {
	mem := store.NewMemory()
	s := server.New(config.Default(), zerolog.Nop(), failingChatStore{mem}, mem,
		nil, textTurn("hi"))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, body := postChat(t, srv, &chat.SubmitRequest{
		ChatID:   "chat-1",
		Messages: []*chat.Message{{ID: "u1", Role: chat.RoleUser, Content: "hi"}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; persistence failures stay inline", resp.StatusCode)
	}

	frames := parseFrames(t, body)
	if last := frames[len(frames)-1]; last.Tag != protocol.TagFinishMessage {
		t.Fatalf("stream did not terminate: %+v", last)
	}
	notice := frames[len(frames)-2]
	if notice.Tag != protocol.TagError || !strings.Contains(notice.TextPayload(), "disk full") {
		t.Errorf("frame before finish = %+v, want save notice", notice)
	}
}

func TestChatRejectsMissingChatID(t *testing.T) {
	srv := newServer(t, config.Default(), store.NewMemory(), textTurn("x"))
	resp, _ := postChat(t, srv, &chat.SubmitRequest{})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestBearerAuth(t *testing.T) {
	cfg := config.Default()
	cfg.Server.AuthToken = "sekrit"
	srv := newServer(t, cfg, store.NewMemory(), textTurn("x"))

	// Health stays open.
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}

	// Everything else requires the token.
	resp, err = http.Get(srv.URL + "/chat/whatever")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/chat/whatever", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	// Authenticated but missing chat: past auth, into the handler.
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("authenticated status = %d, want 404", resp.StatusCode)
	}
}

func TestEditTruncatesPersistedChat(t *testing.T) {
	mem := store.NewMemory()
	msgs := []*chat.Message{
		{ID: "m0", Role: chat.RoleUser, Content: "one"},
		{ID: "m1", Role: chat.RoleAssistant, Content: "two"},
		{ID: "m2", Role: chat.RoleUser, Content: "three"},
	}
	mem.SaveChat("chat-1", msgs)
	srv := newServer(t, config.Default(), mem, textTurn("x"))

	client := chat.NewClient(srv.URL)
	err := client.EditMessage(context.Background(), &chat.EditRequest{
		ChatID: "chat-1", MessageID: "m0", NewContent: "rewritten",
	})
	if err != nil {
		t.Fatalf("EditMessage() error = %v", err)
	}

	rec, _ := mem.GetChat("chat-1")
	if len(rec.Messages) != 1 || rec.Messages[0].Content != "rewritten" {
		t.Errorf("messages = %+v", rec.Messages)
	}

	err = client.EditMessage(context.Background(), &chat.EditRequest{
		ChatID: "chat-1", MessageID: "ghost", NewContent: "x",
	})
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("unknown message error = %v, want 404", err)
	}
}

func TestForkEndpoints(t *testing.T) {
	mem := store.NewMemory()
	srv := newServer(t, config.Default(), mem, textTurn("x"))
	client := chat.NewClient(srv.URL)

	conv := chat.NewConversation([]*chat.Message{
		{ID: "m0", Role: chat.RoleUser, Content: "q"},
		{ID: "m1", Role: chat.RoleAssistant, Content: "a"},
	})
	fork, err := chat.NewFork("chat-1", conv, "m0", "branched q")
	if err != nil {
		t.Fatal(err)
	}

	created, err := client.CreateFork(context.Background(), fork)
	if err != nil {
		t.Fatalf("CreateFork() error = %v", err)
	}
	if created.Status != chat.StatusDraft {
		t.Errorf("status = %q", created.Status)
	}

	updated, err := client.UpdateForkStatus(context.Background(), created.ID, chat.StatusSubmitted)
	if err != nil {
		t.Fatalf("UpdateForkStatus() error = %v", err)
	}
	if updated.Status != chat.StatusSubmitted {
		t.Errorf("status = %q", updated.Status)
	}

	got, err := client.GetFork(context.Background(), created.ID)
	if err != nil || got.Status != chat.StatusSubmitted {
		t.Errorf("GetFork() = %+v, %v", got, err)
	}

	if _, err := client.GetFork(context.Background(), "missing"); err == nil {
		t.Error("GetFork(missing) = nil, want 404 error")
	}
}

func TestDeleteChatRemovesForks(t *testing.T) {
	mem := store.NewMemory()
	mem.SaveChat("chat-1", []*chat.Message{{ID: "m0", Role: chat.RoleUser, Content: "q"}})
	conv := chat.NewConversation([]*chat.Message{{ID: "m0", Role: chat.RoleUser, Content: "q"}})
	fork, _ := chat.NewFork("chat-1", conv, "m0", "alt")
	mem.SaveFork(fork)

	srv := newServer(t, config.Default(), mem, textTurn("x"))
	client := chat.NewClient(srv.URL)

	if err := client.DeleteChat(context.Background(), "chat-1"); err != nil {
		t.Fatalf("DeleteChat() error = %v", err)
	}
	if _, err := mem.GetChat("chat-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("chat survived: %v", err)
	}
	if _, err := mem.GetFork(fork.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("fork survived: %v", err)
	}
}

// End to end: the SDK session against the real server, scripted model,
// fake sandbox.
func TestSessionAgainstServer(t *testing.T) {
	mem := store.NewMemory()
	factory := scriptFactory(
		encoder.Event{Type: encoder.EventTextDelta, TextDelta: "Running it.\n"},
		encoder.Event{Type: encoder.EventToolCall, ToolCallID: "call_1",
			ToolName: executor.ToolName, Args: `{"code":"1+1"}`},
		encoder.Event{Type: encoder.EventFinish, FinishReason: "stop"},
	)
	srv := newServer(t, config.Default(), mem, factory)

	session := chat.NewSession(chat.NewClient(srv.URL), "chat-e2e")
	if _, err := session.Submit(context.Background(), "compute 1+1"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	conv := session.Conversation()
	var assistant *chat.Message
	for _, m := range conv.Messages() {
		if m.Role == chat.RoleAssistant {
			assistant = m
		}
	}
	if assistant == nil {
		t.Fatal("no assistant message")
	}
	inv := assistant.Invocation("call_1")
	if inv == nil || inv.State != chat.StateResult || !inv.Result.Success {
		t.Errorf("invocation = %+v", inv)
	}

	rec, err := mem.GetChat("chat-e2e")
	if err != nil {
		t.Fatalf("chat not persisted: %v", err)
	}
	if len(rec.Messages) < 2 {
		t.Errorf("persisted messages = %d", len(rec.Messages))
	}
}
