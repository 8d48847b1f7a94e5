package transport

import "encoding/json"

// Envelope is the wire format for every realtime frame, in both directions.
// RequestID is set on client requests and echoed on the matching ack.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Inbound event types.
const (
	EventConnected    = "connect"
	EventNewMessage   = "newMessage"
	EventMessagesRead = "messagesRead"
	EventUserTyping   = "userTyping"
	EventAck          = "ack"
	EventPong         = "pong"
)

// Outbound event types.
const (
	EventSendMessage = "sendMessage"
	EventMarkAsRead  = "markAsRead"
	EventTyping      = "typing"
	EventPing        = "ping"
)

// MessagePayload is the wire shape of a persisted message.
type MessagePayload struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	Type           string `json:"type"`
	Status         string `json:"status"`
	CreatedAtMs    int64  `json:"createdAt"`
}

// NewMessagePayload wraps a message broadcast to conversation members,
// including an echo of the sender's own message.
type NewMessagePayload struct {
	Message MessagePayload `json:"message"`
}

// MessagesReadPayload reports a bulk read receipt for a conversation.
type MessagesReadPayload struct {
	ConversationID string `json:"conversationId"`
	ReadBy         string `json:"readBy"`
}

// UserTypingPayload reports a remote user's typing state.
type UserTypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// SendMessagePayload is the outbound draft for a sendMessage request.
type SendMessagePayload struct {
	ConversationID string `json:"conversationId,omitempty"`
	RecipientID    string `json:"recipientId,omitempty"`
	Content        string `json:"content"`
	Type           string `json:"type"`
	AttachmentURL  string `json:"attachmentUrl,omitempty"`
}

// MarkAsReadPayload is the outbound body for a markAsRead request.
type MarkAsReadPayload struct {
	ConversationID string `json:"conversationId"`
}

// TypingPayload is the outbound fire-and-forget typing signal.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// AckPayload is the server response to a correlated request.
// Exactly one of Message or Error is set.
type AckPayload struct {
	Message *MessagePayload `json:"message,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// WireError is a server-reported error inside an ack.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *WireError) Error() string {
	return e.Code + ": " + e.Message
}
