package chat

import "fmt"

// Conversation is an ordered sequence of messages. It is append-only
// while a turn is streaming and replaced wholesale on edit or fork
// truncation. It is not safe for concurrent mutation; exactly one
// decoder or one edit operation owns it at a time.
type Conversation struct {
	messages []*Message
}

// NewConversation builds a conversation over an initial message slice.
// The slice is adopted, not copied.
func NewConversation(initial []*Message) *Conversation {
	return &Conversation{messages: initial}
}

// Messages returns the live message slice.
func (c *Conversation) Messages() []*Message { return c.messages }

// Len returns the number of messages.
func (c *Conversation) Len() int { return len(c.messages) }

// Last returns the most recent message, or nil when empty.
func (c *Conversation) Last() *Message {
	if len(c.messages) == 0 {
		return nil
	}
	return c.messages[len(c.messages)-1]
}

// Append adds a message at the end.
func (c *Conversation) Append(m *Message) { c.messages = append(c.messages, m) }

// Find returns the message with the given id and its index, or (nil, -1).
func (c *Conversation) Find(messageID string) (*Message, int) {
	for i, m := range c.messages {
		if m.ID == messageID {
			return m, i
		}
	}
	return nil, -1
}

// AppendText appends delta to the content of the message with the given
// id, which may no longer be last once tool messages were synthesized
// behind it. Frames for a superseded turn miss and are dropped.
func (c *Conversation) AppendText(messageID, delta string) bool {
	m, _ := c.Find(messageID)
	if m == nil {
		return false
	}
	m.Content += delta
	return true
}

// TruncateAt replaces the message at messageID with newContent and drops
// everything after it. A conversation of length n edited at index k
// becomes length k+1.
func (c *Conversation) TruncateAt(messageID, newContent string) error {
	m, i := c.Find(messageID)
	if m == nil {
		return fmt.Errorf("%w: message %s", ErrMessageNotFound, messageID)
	}
	m.Content = newContent
	c.messages = c.messages[:i+1]
	return nil
}

// Snapshot returns a deep copy of all messages up to and including
// messageID, or of the whole history when messageID is empty.
func (c *Conversation) Snapshot(messageID string) ([]*Message, error) {
	end := len(c.messages)
	if messageID != "" {
		_, i := c.Find(messageID)
		if i < 0 {
			return nil, fmt.Errorf("%w: message %s", ErrMessageNotFound, messageID)
		}
		end = i + 1
	}
	out := make([]*Message, end)
	for i, m := range c.messages[:end] {
		out[i] = m.Clone()
	}
	return out, nil
}
