package domain

import (
	"strings"
	"time"
)

// Sender identifies which side of the conversation authored a message.
type Sender string

const (
	SenderUser Sender = "USER"
	SenderAI   Sender = "AI"
)

// TempIDPrefix marks client-local message IDs that have not been confirmed
// by the server. Temporary messages are never persisted.
const TempIDPrefix = "temp-"

// Message is one turn of a conversation. Ordering is by Timestamp
// ascending; within one send the AI reply always carries a strictly later
// timestamp than the user message it answers.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sender         Sender    `json:"sender"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// IsTemporary reports whether the message only exists client-side.
func (m *Message) IsTemporary() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}
