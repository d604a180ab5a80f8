package domain

import (
	"time"
)

// DefaultTitle is the sentinel title assigned to conversations until the
// title synthesizer (or an explicit rename) replaces it.
const DefaultTitle = "New Conversation"

// Conversation is a titled, user-owned, ordered container of messages.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Messages is populated on single-conversation reads, ordered by
	// timestamp ascending. List endpoints carry LastMessage instead.
	Messages    []Message `json:"messages,omitempty"`
	LastMessage *Message  `json:"last_message,omitempty"`
}

// HasDefaultTitle reports whether the conversation still carries the
// sentinel title and is therefore eligible for automatic titling.
func (c *Conversation) HasDefaultTitle() bool {
	return c.Title == "" || c.Title == DefaultTitle
}
