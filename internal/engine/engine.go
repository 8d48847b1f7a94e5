// Package engine applies realtime events to the store, serialized in
// arrival order, and backfills state over HTTP whenever a session comes
// (back) up.
package engine

import (
	"context"
	"time"

	"github.com/tcardozo/mingle/internal/bus"
	"github.com/tcardozo/mingle/internal/conn"
	"github.com/tcardozo/mingle/internal/store"
	"github.com/tcardozo/mingle/internal/transport"
	"go.uber.org/zap"
)

// Bus event kinds published after store mutations land.
const (
	EventMessageUpserted     = "chat.message_upserted"
	EventConversationUpdated = "chat.conversation_updated"
)

// backfillPageSize bounds the per-conversation history fetch after a
// reconnect. Anything older is pulled on demand by explicit pagination.
const backfillPageSize = 50

// Backfiller is the slice of the HTTP client the engine syncs from.
type Backfiller interface {
	ListConversations(ctx context.Context) ([]*store.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, beforeMs int64, limit int) ([]*store.Message, error)
}

// Engine subscribes to "conn." events and owns all store writes driven
// by the server. One goroutine consumes the subscription, so mutations
// observe events in the order the read loop decoded them.
type Engine struct {
	db       *store.DB
	backfill Backfiller
	bus      *bus.Bus
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// NewEngine creates a sync engine.
func NewEngine(db *store.DB, bf Backfiller, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		db:       db,
		backfill: bf,
		bus:      b,
		logger:   logger,
	}
}

// Start subscribes to connection events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("conn.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case conn.EventMessage:
		msg, ok := evt.Payload.(*store.Message)
		if !ok {
			return
		}
		e.ingest(msg)
	case conn.EventMessagesRead:
		p, ok := evt.Payload.(transport.MessagesReadPayload)
		if !ok {
			return
		}
		e.applyReadReceipt(p)
	case "conn.state_changed":
		p, ok := evt.Payload.(conn.StateChange)
		if !ok {
			return
		}
		if p.To == conn.Connected {
			e.Backfill(ctx)
		}
	}
}

func (e *Engine) ingest(msg *store.Message) {
	inserted, err := e.db.IngestMessage(msg)
	if err != nil {
		e.logger.Error("failed to ingest message",
			zap.Error(err), zap.String("msg_id", msg.ID))
		return
	}
	if !inserted {
		return
	}
	e.bus.Publish(bus.Event{
		Kind:      EventMessageUpserted,
		Timestamp: time.Now(),
		Payload:   msg,
	})
}

// applyReadReceipt marks the reader's counterpart messages read. When
// the reader is the local user (a receipt from another device of ours)
// the conversation's unread counter is zeroed too.
func (e *Engine) applyReadReceipt(p transport.MessagesReadPayload) {
	if err := e.db.MarkMessagesRead(p.ConversationID, p.ReadBy); err != nil {
		e.logger.Error("failed to apply read receipt",
			zap.Error(err), zap.String("conversation_id", p.ConversationID))
		return
	}
	if p.ReadBy == e.db.LocalUser() {
		if err := e.db.MarkConversationRead(p.ConversationID); err != nil {
			e.logger.Error("failed to clear unread counter",
				zap.Error(err), zap.String("conversation_id", p.ConversationID))
		}
	}
	e.bus.Publish(bus.Event{
		Kind:      EventConversationUpdated,
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation_id": p.ConversationID, "read_by": p.ReadBy},
	})
}

// Backfill ingests the recent page of every conversation and then
// replaces the conversation list with the server's. The replace comes
// last: ingestion bumps unread counters as a side effect, and the
// server's counts are the authoritative ones. Message ingestion is
// idempotent, so overlap with frames that raced the reconnect is
// harmless.
func (e *Engine) Backfill(ctx context.Context) {
	convs, err := e.backfill.ListConversations(ctx)
	if err != nil {
		e.logger.Error("backfill: list conversations failed", zap.Error(err))
		return
	}

	total := 0
	for _, conv := range convs {
		msgs, err := e.backfill.ListMessages(ctx, conv.ID, 0, backfillPageSize)
		if err != nil {
			e.logger.Warn("backfill: history fetch failed",
				zap.Error(err), zap.String("conversation_id", conv.ID))
			continue
		}
		n, err := e.db.IngestBatch(msgs)
		if err != nil {
			e.logger.Error("backfill: ingest failed",
				zap.Error(err), zap.String("conversation_id", conv.ID))
			continue
		}
		total += n
	}

	if err := e.db.SetConversations(convs); err != nil {
		e.logger.Error("backfill: store conversations failed", zap.Error(err))
		return
	}

	e.logger.Info("backfill complete",
		zap.Int("conversations", len(convs)),
		zap.Int("new_messages", total))
	e.bus.Publish(bus.Event{
		Kind:      EventConversationUpdated,
		Timestamp: time.Now(),
		Payload:   map[string]string{"reason": "backfill"},
	})
}
