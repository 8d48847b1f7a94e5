package conn

import (
	"encoding/json"
	"time"

	"github.com/tcardozo/mingle/internal/bus"
	"github.com/tcardozo/mingle/internal/store"
	"github.com/tcardozo/mingle/internal/transport"
	"go.uber.org/zap"
)

// Bus event kinds for decoded inbound frames.
const (
	EventMessage      = "conn.event.message"
	EventMessagesRead = "conn.event.messages_read"
	EventUserTyping   = "conn.event.user_typing"
)

// dispatch routes one inbound envelope. Correlated responses resolve
// their pending request; everything else is decoded and published under
// "conn.event." for the engine and typing coordinator to consume.
// Runs only on the read loop, so downstream consumers see frames in
// arrival order.
func (m *Manager) dispatch(env transport.Envelope) {
	if env.RequestID != "" {
		m.pendingMu.Lock()
		ch, ok := m.pending[env.RequestID]
		if ok {
			delete(m.pending, env.RequestID)
		}
		m.pendingMu.Unlock()
		if ok {
			ch <- env
			close(ch)
		}
		return
	}

	switch env.Type {
	case transport.EventNewMessage:
		var p transport.NewMessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			m.logger.Warn("bad newMessage payload", zap.Error(err))
			return
		}
		m.bus.Publish(bus.Event{
			Kind:      EventMessage,
			Timestamp: time.Now(),
			Payload:   ToStoreMessage(p.Message),
		})
	case transport.EventMessagesRead:
		var p transport.MessagesReadPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			m.logger.Warn("bad messagesRead payload", zap.Error(err))
			return
		}
		m.bus.Publish(bus.Event{Kind: EventMessagesRead, Timestamp: time.Now(), Payload: p})
	case transport.EventUserTyping:
		var p transport.UserTypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			m.logger.Warn("bad userTyping payload", zap.Error(err))
			return
		}
		m.bus.Publish(bus.Event{Kind: EventUserTyping, Timestamp: time.Now(), Payload: p})
	case transport.EventPong:
		// Uncorrelated pong; the heartbeat only counts correlated ones.
	default:
		m.logger.Debug("unhandled event", zap.String("type", env.Type))
	}
}

// ToStoreMessage converts a wire message into its domain shape.
func ToStoreMessage(p transport.MessagePayload) *store.Message {
	return &store.Message{
		ID:             p.ID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		Content:        p.Content,
		Type:           p.Type,
		Status:         p.Status,
		CreatedAt:      p.CreatedAtMs,
	}
}
