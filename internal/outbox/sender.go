// Package outbox is the send pipeline. Every user-initiated write goes
// through it: realtime with ack correlation when the session is up, HTTP
// fallback when it is not. Either way the server's persisted copy is
// what lands in the store, so local state never diverges from an
// optimistic guess.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tcardozo/mingle/internal/bus"
	"github.com/tcardozo/mingle/internal/config"
	"github.com/tcardozo/mingle/internal/conn"
	"github.com/tcardozo/mingle/internal/store"
	"github.com/tcardozo/mingle/internal/transport"
	"go.uber.org/zap"
)

// Draft is a user-composed message before the server has seen it.
type Draft struct {
	ConversationID string
	RecipientID    string
	Content        string
	Type           string
	AttachmentURL  string
}

// ValidationError rejects a draft before anything touches the network.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid draft: %s %s", e.Field, e.Reason)
}

// Realtime is the slice of the connection manager the sender needs.
type Realtime interface {
	State() conn.State
	Request(ctx context.Context, eventType string, payload any) (transport.Envelope, error)
}

// Fallback is the HTTP path used while realtime is down.
type Fallback interface {
	SendMessage(ctx context.Context, draft transport.SendMessagePayload) (*store.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
}

// Sender routes drafts to whichever path is alive.
type Sender struct {
	db       *store.DB
	realtime Realtime
	fallback Fallback
	cfg      config.Send
	bus      *bus.Bus
	logger   *zap.Logger
}

// NewSender creates a send pipeline over the given paths.
func NewSender(db *store.DB, rt Realtime, fb Fallback, cfg config.Send, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		db:       db,
		realtime: rt,
		fallback: fb,
		cfg:      cfg,
		bus:      b,
		logger:   logger,
	}
}

func (s *Sender) validate(d *Draft) error {
	if d.ConversationID == "" && d.RecipientID == "" {
		return &ValidationError{Field: "conversation", Reason: "missing"}
	}
	if d.Type == "" {
		d.Type = store.TypeText
	}
	if strings.TrimSpace(d.Content) == "" && d.AttachmentURL == "" {
		return &ValidationError{Field: "content", Reason: "empty"}
	}
	if s.cfg.MaxLength > 0 && len(d.Content) > s.cfg.MaxLength {
		return &ValidationError{Field: "content", Reason: fmt.Sprintf("exceeds %d bytes", s.cfg.MaxLength)}
	}
	return nil
}

// Send delivers one draft and ingests the server's persisted copy.
//
// The realtime path is tried first whenever the session is Connected. A
// missed ack deadline is returned as conn.ErrAckTimeout without falling
// back and without ingesting anything: the server may well have
// persisted the message, and the echoed newMessage broadcast will land
// it in the store if it did. Only a definite "not connected" falls
// through to HTTP.
func (s *Sender) Send(ctx context.Context, draft Draft) (*store.Message, error) {
	if err := s.validate(&draft); err != nil {
		return nil, err
	}

	payload := transport.SendMessagePayload{
		ConversationID: draft.ConversationID,
		RecipientID:    draft.RecipientID,
		Content:        draft.Content,
		Type:           draft.Type,
		AttachmentURL:  draft.AttachmentURL,
	}

	if s.realtime.State() == conn.Connected {
		msg, err := s.sendRealtime(ctx, payload)
		if err == nil {
			return s.ingest(msg)
		}
		if !errors.Is(err, conn.ErrNotConnected) {
			s.publishFailed(draft, err)
			return nil, err
		}
		s.logger.Info("realtime send raced a disconnect, using fallback")
	}

	msg, err := s.fallback.SendMessage(ctx, payload)
	if err != nil {
		s.publishFailed(draft, err)
		return nil, fmt.Errorf("fallback send: %w", err)
	}
	return s.ingest(msg)
}

func (s *Sender) sendRealtime(ctx context.Context, payload transport.SendMessagePayload) (*store.Message, error) {
	ackCtx, cancel := context.WithTimeout(ctx, s.cfg.AckTimeout.D())
	defer cancel()

	env, err := s.realtime.Request(ackCtx, transport.EventSendMessage, payload)
	if err != nil {
		return nil, err
	}
	var ack transport.AckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		return nil, fmt.Errorf("decode ack: %w", err)
	}
	if ack.Error != nil {
		return nil, ack.Error
	}
	if ack.Message == nil {
		return nil, errors.New("ack carried no message")
	}
	return conn.ToStoreMessage(*ack.Message), nil
}

func (s *Sender) ingest(msg *store.Message) (*store.Message, error) {
	if _, err := s.db.IngestMessage(msg); err != nil {
		return nil, fmt.Errorf("persist sent message: %w", err)
	}
	s.bus.Publish(bus.Event{
		Kind:      "chat.message_sent",
		Timestamp: time.Now(),
		Payload:   msg,
	})
	return msg, nil
}

func (s *Sender) publishFailed(draft Draft, err error) {
	s.logger.Error("send failed",
		zap.String("conversation_id", draft.ConversationID),
		zap.Error(err))
	s.bus.Publish(bus.Event{
		Kind:      "chat.send_failed",
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": draft.ConversationID,
			"error":           err.Error(),
		},
	})
}

// MarkRead reports the read receipt upstream and zeroes the local
// counters. The local side is applied regardless of which path carried
// the receipt.
func (s *Sender) MarkRead(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return &ValidationError{Field: "conversation", Reason: "missing"}
	}

	sent := false
	if s.realtime.State() == conn.Connected {
		ackCtx, cancel := context.WithTimeout(ctx, s.cfg.AckTimeout.D())
		_, err := s.realtime.Request(ackCtx, transport.EventMarkAsRead, transport.MarkAsReadPayload{ConversationID: conversationID})
		cancel()
		if err == nil {
			sent = true
		} else if !errors.Is(err, conn.ErrNotConnected) {
			return err
		}
	}
	if !sent {
		if err := s.fallback.MarkRead(ctx, conversationID); err != nil {
			return fmt.Errorf("fallback mark read: %w", err)
		}
	}

	if err := s.db.MarkMessagesRead(conversationID, s.db.LocalUser()); err != nil {
		return err
	}
	if err := s.db.MarkConversationRead(conversationID); err != nil {
		return err
	}
	s.bus.Publish(bus.Event{
		Kind:      "chat.conversation_read",
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation_id": conversationID},
	})
	return nil
}
