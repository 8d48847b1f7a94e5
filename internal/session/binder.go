package session

import (
	"context"
	"time"

	"github.com/tcardozo/mingle/internal/bus"
	"github.com/tcardozo/mingle/internal/conn"
	"go.uber.org/zap"
)

// Auth event kinds the binder reacts to.
const (
	EventLoggedIn     = "auth.logged_in"
	EventTokenRotated = "auth.token_rotated"
	EventLoggedOut    = "auth.logged_out"
)

// Realtime is the slice of the connection manager the binder drives.
type Realtime interface {
	Start(cred conn.Credential)
	Stop()
}

// Store is the local state the binder owns across identity changes.
type Store interface {
	SetLocalUser(userID string)
	Reset() error
}

// TokenSink receives the current bearer token, rest.Client satisfies it.
type TokenSink interface {
	SetToken(token string)
}

// Binder ties the authenticated identity to everything that depends on
// it. Login wires the credential through the HTTP client and brings the
// realtime session up; logout tears the session down and wipes local
// state so a following login can never see another identity's data.
type Binder struct {
	realtime Realtime
	store    Store
	tokens   TokenSink
	bus      *bus.Bus
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// NewBinder creates a session binder.
func NewBinder(rt Realtime, st Store, tokens TokenSink, b *bus.Bus, logger *zap.Logger) *Binder {
	return &Binder{
		realtime: rt,
		store:    st,
		tokens:   tokens,
		bus:      b,
		logger:   logger,
	}
}

// Start subscribes to auth events on the bus.
func (bd *Binder) Start(ctx context.Context) {
	ctx, bd.cancel = context.WithCancel(ctx)
	ch, unsub := bd.bus.Subscribe("auth.", 16)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				bd.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the binder.
func (bd *Binder) Stop() {
	if bd.cancel != nil {
		bd.cancel()
	}
}

func (bd *Binder) handleEvent(evt bus.Event) {
	cred, ok := evt.Payload.(conn.Credential)
	if !ok && evt.Kind != EventLoggedOut {
		return
	}
	switch evt.Kind {
	case EventLoggedIn:
		bd.logger.Info("session bound", zap.String("user", cred.UserID))
		bd.store.SetLocalUser(cred.UserID)
		bd.tokens.SetToken(cred.Token)
		bd.realtime.Start(cred)
	case EventTokenRotated:
		// Same identity, fresh token. Local state survives, the
		// session cycles.
		bd.logger.Info("token rotated", zap.String("user", cred.UserID))
		bd.tokens.SetToken(cred.Token)
		bd.realtime.Start(cred)
	case EventLoggedOut:
		bd.logger.Info("session unbound")
		bd.realtime.Stop()
		bd.tokens.SetToken("")
		if err := bd.store.Reset(); err != nil {
			bd.logger.Error("failed to reset local state", zap.Error(err))
		}
		bd.bus.Publish(bus.Event{Kind: "chat.reset", Timestamp: time.Now()})
	}
}
