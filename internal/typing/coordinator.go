// Package typing coalesces local typing activity into the minimum wire
// traffic and expires remote indicators that never got an explicit stop.
package typing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tcardozo/mingle/internal/bus"
	"github.com/tcardozo/mingle/internal/config"
	"github.com/tcardozo/mingle/internal/conn"
	"github.com/tcardozo/mingle/internal/transport"
	"go.uber.org/zap"
)

// Changed is published on the bus whenever a conversation's set of
// typing users changes.
const Changed = "typing.changed"

// ChangedPayload carries the new typing set for one conversation.
type ChangedPayload struct {
	ConversationID string
	Users          []string
}

// Signaler sends fire-and-forget typing frames. conn.Manager satisfies
// it.
type Signaler interface {
	SendEvent(ctx context.Context, eventType string, payload any) error
}

type localState struct {
	lastSent  time.Time
	stopTimer *time.Timer
}

// Coordinator owns both directions of typing state. Outbound signals are
// best effort: a dropped frame only costs an indicator, so failures are
// logged and swallowed.
type Coordinator struct {
	cfg      config.Typing
	signaler Signaler
	bus      *bus.Bus
	logger   *zap.Logger
	cancel   context.CancelFunc

	mu     sync.Mutex
	local  map[string]*localState
	remote map[string]map[string]time.Time
}

// NewCoordinator creates a typing coordinator.
func NewCoordinator(cfg config.Typing, sig Signaler, b *bus.Bus, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		signaler: sig,
		bus:      b,
		logger:   logger,
		local:    make(map[string]*localState),
		remote:   make(map[string]map[string]time.Time),
	}
}

// Start subscribes to remote typing events and begins the expiry sweep.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	ch, unsub := c.bus.Subscribe(conn.EventUserTyping, 64)

	sweep := c.cfg.RemoteExpiry.D() / 4
	if sweep < 10*time.Millisecond {
		sweep = 10 * time.Millisecond
	}

	go func() {
		defer unsub()
		ticker := time.NewTicker(sweep)
		defer ticker.Stop()
		for {
			select {
			case evt := <-ch:
				p, ok := evt.Payload.(transport.UserTypingPayload)
				if !ok {
					continue
				}
				c.applyRemote(p)
			case <-ticker.C:
				c.expireRemote()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the sweep loop and any pending local auto-stops.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	for _, st := range c.local {
		if st.stopTimer != nil {
			st.stopTimer.Stop()
		}
	}
	c.local = make(map[string]*localState)
	c.mu.Unlock()
}

// NoteLocalActivity records a keystroke in a conversation. The first
// call sends a typing-start frame; further calls inside the resend
// window only push out the auto-stop deadline. Silence for the stop
// interval sends the matching stop.
func (c *Coordinator) NoteLocalActivity(ctx context.Context, conversationID string) {
	c.mu.Lock()
	st, ok := c.local[conversationID]
	if !ok {
		st = &localState{}
		c.local[conversationID] = st
	}

	now := time.Now()
	sendStart := now.Sub(st.lastSent) >= c.cfg.ResendWindow.D()
	if sendStart {
		st.lastSent = now
	}
	if st.stopTimer != nil {
		st.stopTimer.Stop()
	}
	st.stopTimer = time.AfterFunc(c.cfg.LocalStopAfter.D(), func() {
		c.StopLocal(context.Background(), conversationID)
	})
	c.mu.Unlock()

	if sendStart {
		c.signal(ctx, conversationID, true)
	}
}

// StopLocal sends an immediate typing-stop for a conversation, e.g. when
// the composed message is actually sent. No-op if nothing is active.
func (c *Coordinator) StopLocal(ctx context.Context, conversationID string) {
	c.mu.Lock()
	st, ok := c.local[conversationID]
	if ok {
		if st.stopTimer != nil {
			st.stopTimer.Stop()
		}
		delete(c.local, conversationID)
	}
	c.mu.Unlock()

	if ok {
		c.signal(ctx, conversationID, false)
	}
}

func (c *Coordinator) signal(ctx context.Context, conversationID string, isTyping bool) {
	err := c.signaler.SendEvent(ctx, transport.EventTyping, transport.TypingPayload{
		ConversationID: conversationID,
		IsTyping:       isTyping,
	})
	if err != nil {
		c.logger.Debug("typing signal dropped",
			zap.String("conversation_id", conversationID),
			zap.Bool("is_typing", isTyping),
			zap.Error(err))
	}
}

// TypingUsers returns the users currently typing in a conversation,
// sorted for stable rendering.
func (c *Coordinator) TypingUsers(conversationID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := make([]string, 0, len(c.remote[conversationID]))
	for id := range c.remote[conversationID] {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

func (c *Coordinator) applyRemote(p transport.UserTypingPayload) {
	c.mu.Lock()
	set := c.remote[p.ConversationID]
	changed := false
	if p.IsTyping {
		if set == nil {
			set = make(map[string]time.Time)
			c.remote[p.ConversationID] = set
		}
		if _, ok := set[p.UserID]; !ok {
			changed = true
		}
		set[p.UserID] = time.Now()
	} else if set != nil {
		if _, ok := set[p.UserID]; ok {
			delete(set, p.UserID)
			changed = true
		}
		if len(set) == 0 {
			delete(c.remote, p.ConversationID)
		}
	}
	c.mu.Unlock()

	if changed {
		c.publishChanged(p.ConversationID)
	}
}

// expireRemote drops indicators whose start frame was never followed by
// a stop, so a peer that vanished mid-keystroke doesn't type forever.
func (c *Coordinator) expireRemote() {
	cutoff := time.Now().Add(-c.cfg.RemoteExpiry.D())

	c.mu.Lock()
	var stale []string
	for convID, set := range c.remote {
		dropped := false
		for userID, seen := range set {
			if seen.Before(cutoff) {
				delete(set, userID)
				dropped = true
			}
		}
		if len(set) == 0 {
			delete(c.remote, convID)
		}
		if dropped {
			stale = append(stale, convID)
		}
	}
	c.mu.Unlock()

	for _, convID := range stale {
		c.publishChanged(convID)
	}
}

func (c *Coordinator) publishChanged(conversationID string) {
	c.bus.Publish(bus.Event{
		Kind:      Changed,
		Timestamp: time.Now(),
		Payload: ChangedPayload{
			ConversationID: conversationID,
			Users:          c.TypingUsers(conversationID),
		},
	})
}
