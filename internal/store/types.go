package store

// Message type values.
const (
	TypeText   = "text"
	TypeImage  = "image"
	TypeGift   = "gift"
	TypeSystem = "system"
)

// Message status values.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusDeleted   = "deleted"
)

// Conversation is a direct-message thread with its denormalized
// last-message snapshot and unread counter.
type Conversation struct {
	ID              string   `json:"id"`
	Participants    []string `json:"participants"`
	LastMessageID   string   `json:"lastMessageId,omitempty"`
	LastMessageText string   `json:"lastMessageText,omitempty"`
	LastSenderID    string   `json:"lastSenderId,omitempty"`
	LastMessageAt   int64    `json:"lastMessageAt"` // unix ms
	UnreadCount     int      `json:"unreadCount"`
	Archived        bool     `json:"archived"`
	Muted           bool     `json:"muted"`
}

// Message is one persisted message. Within a conversation, ids are unique
// and reads come back ordered ascending by (created_at, id).
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	Type           string `json:"type"`
	Status         string `json:"status"`
	CreatedAt      int64  `json:"createdAt"` // unix ms
}
