package chat

import (
	"fmt"
	"time"
)

// ForkStatus is the fork lifecycle state.
type ForkStatus string

const (
	// StatusDraft means the fork is editable and has not been replayed
	// through the model.
	StatusDraft ForkStatus = "draft"
	// StatusSubmitted means the replay completed. The transition happens
	// exactly once.
	StatusSubmitted ForkStatus = "submitted"
)

// EditPoint records which message was changed, its original and new
// content, and when.
type EditPoint struct {
	MessageID       string    `json:"messageId"`
	OriginalContent string    `json:"originalContent"`
	NewContent      string    `json:"newContent"`
	Timestamp       time.Time `json:"timestamp"`
}

// Fork is a named branch of a conversation created from an edit point.
type Fork struct {
	ID              string     `json:"id"`
	ChatID          string     `json:"chatId"`
	ParentChatID    string     `json:"parentChatId,omitempty"`
	ParentMessageID string     `json:"parentMessageId"`
	Messages        []*Message `json:"messages"`
	Title           string     `json:"title,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	EditPoint       EditPoint  `json:"editPoint"`
	Status          ForkStatus `json:"status"`
}

// NewFork branches conv at messageID: history is truncated to that point,
// the branched message gets newContent, and the original conversation is
// left untouched. The fork starts in draft.
func NewFork(chatID string, conv *Conversation, messageID, newContent string) (*Fork, error) {
	m, _ := conv.Find(messageID)
	if m == nil {
		return nil, fmt.Errorf("%w: cannot fork at %s", ErrMessageNotFound, messageID)
	}
	snapshot, err := conv.Snapshot(messageID)
	if err != nil {
		return nil, err
	}
	original := m.Content
	snapshot[len(snapshot)-1].Content = newContent
	return &Fork{
		ID:              NewID(),
		ChatID:          chatID,
		ParentChatID:    chatID,
		ParentMessageID: messageID,
		Messages:        snapshot,
		Title:           fmt.Sprintf("Fork of message %s", messageID),
		CreatedAt:       time.Now(),
		EditPoint: EditPoint{
			MessageID:       messageID,
			OriginalContent: original,
			NewContent:      newContent,
			Timestamp:       time.Now(),
		},
		Status: StatusDraft,
	}, nil
}

// Conversation wraps the fork's message snapshot for replay.
func (f *Fork) Conversation() *Conversation {
	return NewConversation(f.Messages)
}

// MarkSubmitted transitions draft to submitted. Re-marking a submitted
// fork is a no-op so callers can resubmit the pipeline freely.
func (f *Fork) MarkSubmitted() bool {
	if f.Status == StatusSubmitted {
		return false
	}
	f.Status = StatusSubmitted
	return true
}

// DirectEdit mutates the live conversation in place: the edited message
// keeps its id, gets newContent, and everything after it is dropped,
// ready for resubmission through the encoder/decoder pipeline.
func DirectEdit(conv *Conversation, messageID, newContent string) (EditPoint, error) {
	m, _ := conv.Find(messageID)
	if m == nil {
		return EditPoint{}, fmt.Errorf("%w: cannot edit %s", ErrMessageNotFound, messageID)
	}
	ep := EditPoint{
		MessageID:       messageID,
		OriginalContent: m.Content,
		NewContent:      newContent,
		Timestamp:       time.Now(),
	}
	if err := conv.TruncateAt(messageID, newContent); err != nil {
		return EditPoint{}, err
	}
	return ep, nil
}
