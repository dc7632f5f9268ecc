package store

// Conversation is a cached conversation row.
type Conversation struct {
	ID                 string
	ParticipantName    string
	ParticipantAvatar  string
	LastMessagePreview string
	LastActivityAt     int64
	ContextRef         string
	UnreadCount        int
}

// Message is a cached message row. MsgID is the server id, empty while
// a send is still pending; LocalID is the client-generated id.
type Message struct {
	ID             int64
	ConversationID string
	MsgID          string
	LocalID        string
	SenderID       string
	SenderType     string
	Content        string
	MessageType    string
	Metadata       string
	CreatedAt      int64
	ReadAt         *int64
	Delivery       string // pending, sent, failed
	FailReason     string
}

// OutboxEntry is a queued outgoing message.
type OutboxEntry struct {
	ID             int64
	ClientMsgID    string
	ConversationID string
	Content        string
	Status         string // queued, sending, sent, failed
	ErrorMessage   string
	ServerMsgID    string
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
