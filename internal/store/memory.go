package store

import (
	"fmt"
	"sync"
	"time"

	"forkchat/sdk/chat"
)

// Memory is the in-process ChatStore and ForkStore.
type Memory struct {
	mu    sync.RWMutex
	chats map[string]*ChatRecord
	forks map[string]*chat.Fork
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		chats: make(map[string]*ChatRecord),
		forks: make(map[string]*chat.Fork),
	}
}

func (m *Memory) SaveChat(id string, messages []*chat.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	rec, ok := m.chats[id]
	if !ok {
		rec = &ChatRecord{ID: id, CreatedAt: now}
		m.chats[id] = rec
	}
	rec.UpdatedAt = now
	rec.Messages = cloneMessages(messages)
	return nil
}

func (m *Memory) GetChat(id string) (*ChatRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.chats[id]
	if !ok {
		return nil, fmt.Errorf("chat %s: %w", id, ErrNotFound)
	}
	out := *rec
	out.Messages = cloneMessages(rec.Messages)
	return &out, nil
}

func (m *Memory) UpdateMessage(chatID, messageID, newContent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.chats[chatID]
	if !ok {
		return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	for i, msg := range rec.Messages {
		if msg.ID == messageID {
			edited := msg.Clone()
			edited.Content = newContent
			edited.ToolInvocations = nil
			rec.Messages = append(rec.Messages[:i:i], edited)
			rec.UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
}

func (m *Memory) DeleteChat(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chats, id)
	return nil
}

func (m *Memory) SaveFork(fork *chat.Fork) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forks[fork.ID] = cloneFork(fork)
	return nil
}

func (m *Memory) GetFork(id string) (*chat.Fork, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fork, ok := m.forks[id]
	if !ok {
		return nil, fmt.Errorf("fork %s: %w", id, ErrNotFound)
	}
	return cloneFork(fork), nil
}

func (m *Memory) UpdateForkStatus(id string, status chat.ForkStatus) (*chat.Fork, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fork, ok := m.forks[id]
	if !ok {
		return nil, fmt.Errorf("fork %s: %w", id, ErrNotFound)
	}
	fork.Status = status
	return cloneFork(fork), nil
}

func (m *Memory) ForksByChat(chatID string) ([]*chat.Fork, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*chat.Fork
	for _, fork := range m.forks {
		if fork.ChatID == chatID {
			out = append(out, cloneFork(fork))
		}
	}
	return out, nil
}

func (m *Memory) DeleteForksByChat(chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, fork := range m.forks {
		if fork.ChatID == chatID {
			delete(m.forks, id)
		}
	}
	return nil
}

func cloneMessages(messages []*chat.Message) []*chat.Message {
	out := make([]*chat.Message, len(messages))
	for i, msg := range messages {
		out[i] = msg.Clone()
	}
	return out
}

func cloneFork(f *chat.Fork) *chat.Fork {
	out := *f
	out.Messages = cloneMessages(f.Messages)
	return &out
}
