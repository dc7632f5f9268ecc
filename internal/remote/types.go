package remote

import "encoding/json"

// Conversation is the server's view of a conversation list entry.
type Conversation struct {
	ID                 string `json:"id"`
	ParticipantName    string `json:"participant_name"`
	ParticipantAvatar  string `json:"participant_avatar"`
	LastMessagePreview string `json:"last_message_preview"`
	LastActivityAt     int64  `json:"last_activity_at"` // unix ms
	ContextRef         string `json:"context_ref,omitempty"`
}

// Message is a server-confirmed message record.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	SenderType     string          `json:"sender_type"` // self | peer | system | admin
	Content        string          `json:"content"`
	MessageType    string          `json:"message_type"` // text | file | booking_request | system_notification
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      int64           `json:"created_at"` // unix ms
	ReadAt         *int64          `json:"read_at,omitempty"`

	// ClientRef echoes the client_ref of the send that created this
	// message, when the server knows it. It lets a poll that races the
	// send ack collapse onto the optimistic entry instead of duplicating.
	ClientRef string `json:"client_ref,omitempty"`
}

// TypingEvent is a transient presence signal for one participant.
type TypingEvent struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	UserName       string `json:"user_name,omitempty"`
	IsTyping       bool   `json:"is_typing"`
}
