// Package store persists chats and forks. The server depends on the
// two interfaces here; the in-memory implementation backs dev mode and
// tests.
package store

import (
	"errors"
	"time"

	"forkchat/sdk/chat"
)

// ErrNotFound is returned when a chat or fork does not exist.
var ErrNotFound = errors.New("store: not found")

// ChatRecord is a persisted conversation.
type ChatRecord struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Messages  []*chat.Message `json:"messages"`
}

// ChatStore persists conversations.
type ChatStore interface {
	// SaveChat replaces the chat's full message set, creating the
	// record if needed.
	SaveChat(id string, messages []*chat.Message) error
	// GetChat returns the chat or ErrNotFound.
	GetChat(id string) (*ChatRecord, error)
	// UpdateMessage rewrites one message's content and truncates
	// everything after it.
	UpdateMessage(chatID, messageID, newContent string) error
	// DeleteChat removes the chat. Deleting a missing chat is not an
	// error.
	DeleteChat(id string) error
}

// ForkStore persists fork records.
type ForkStore interface {
	// SaveFork creates or replaces a fork.
	SaveFork(fork *chat.Fork) error
	// GetFork returns the fork or ErrNotFound.
	GetFork(id string) (*chat.Fork, error)
	// UpdateForkStatus transitions the fork's status.
	UpdateForkStatus(id string, status chat.ForkStatus) (*chat.Fork, error)
	// ForksByChat lists the forks branched from a chat.
	ForksByChat(chatID string) ([]*chat.Fork, error)
	// DeleteForksByChat removes every fork of a chat.
	DeleteForksByChat(chatID string) error
}
