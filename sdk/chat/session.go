package chat

import (
	"context"
	"fmt"
	"sync"
)

// Session drives one chat (or one fork) against a server, holding its
// conversation state and enforcing the single-stream rule: starting a
// new submission first cancels any prior in-flight stream for the same
// session. Last writer wins.
type Session struct {
	client *Client
	chatID string
	isFork bool
	forkID string
	conv   *Conversation

	mu     sync.Mutex
	active *streamHandle
}

type streamHandle struct {
	cancel context.CancelFunc
}

// NewSession creates a session over an empty conversation.
func NewSession(client *Client, chatID string) *Session {
	return &Session{client: client, chatID: chatID, conv: NewConversation(nil)}
}

// NewForkSession creates a session replaying a fork's snapshot.
func NewForkSession(client *Client, fork *Fork) *Session {
	return &Session{
		client: client,
		chatID: fork.ChatID,
		isFork: true,
		forkID: fork.ID,
		conv:   fork.Conversation(),
	}
}

// Conversation returns the session's live conversation.
func (s *Session) Conversation() *Conversation { return s.conv }

// Submit appends a user message and streams the assistant's reply,
// blocking until the stream terminates. Any prior in-flight stream for
// this session is canceled first.
func (s *Session) Submit(ctx context.Context, input string) (*Decoder, error) {
	s.conv.Append(&Message{ID: NewID(), Role: RoleUser, Content: input})
	return s.resubmit(ctx)
}

// Stop cancels the in-flight stream, if any. Effects already applied to
// the conversation remain.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		s.active.cancel()
		s.active = nil
	}
}

// EditDirect edits a message in the live conversation, truncates the
// tail, persists the edit, and replays through the pipeline.
func (s *Session) EditDirect(ctx context.Context, messageID, newContent string) (*Decoder, error) {
	if _, err := DirectEdit(s.conv, messageID, newContent); err != nil {
		return nil, err
	}
	err := s.client.EditMessage(ctx, &EditRequest{
		ChatID:     s.chatID,
		MessageID:  messageID,
		NewContent: newContent,
		IsFork:     s.isFork,
		ForkID:     s.forkID,
	})
	if err != nil {
		return nil, fmt.Errorf("persist edit: %w", err)
	}
	return s.resubmit(ctx)
}

// ForkAt branches the conversation at messageID with newContent and
// persists the draft. The live conversation is untouched; drive the
// returned fork with NewForkSession.
func (s *Session) ForkAt(ctx context.Context, messageID, newContent string) (*Fork, error) {
	fork, err := NewFork(s.chatID, s.conv, messageID, newContent)
	if err != nil {
		return nil, err
	}
	return s.client.CreateFork(ctx, fork)
}

// SubmitFork transitions the fork to submitted and replays its snapshot
// through the pipeline. The status transition happens once; resubmitting
// an already-submitted fork still replays.
func (s *Session) SubmitFork(ctx context.Context, fork *Fork) (*Decoder, error) {
	if fork.MarkSubmitted() {
		if _, err := s.client.UpdateForkStatus(ctx, fork.ID, StatusSubmitted); err != nil {
			return nil, fmt.Errorf("update fork status: %w", err)
		}
	}
	return s.resubmit(ctx)
}

// resubmit cancels any in-flight stream and posts the current
// conversation.
func (s *Session) resubmit(ctx context.Context) (*Decoder, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	h := &streamHandle{cancel: cancel}

	s.mu.Lock()
	if s.active != nil {
		s.active.cancel()
	}
	s.active = h
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		if s.active == h {
			s.active = nil
		}
		s.mu.Unlock()
	}()

	req := &SubmitRequest{
		ChatID:   s.chatID,
		Messages: s.conv.Messages(),
		IsFork:   s.isFork,
		ForkID:   s.forkID,
	}
	return s.client.Submit(streamCtx, req, s.conv)
}
