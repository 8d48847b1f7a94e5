package typing

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/tcardozo/mingle/internal/bus"
	"github.com/tcardozo/mingle/internal/config"
	"github.com/tcardozo/mingle/internal/conn"
	"github.com/tcardozo/mingle/internal/transport"
	"go.uber.org/zap"
)

type fakeSignaler struct {
	mu   sync.Mutex
	sent []transport.TypingPayload
	fail error
}

func (f *fakeSignaler) SendEvent(_ context.Context, eventType string, payload any) error {
	if eventType != transport.EventTyping {
		return nil
	}
	f.mu.Lock()
	f.sent = append(f.sent, payload.(transport.TypingPayload))
	f.mu.Unlock()
	return f.fail
}

func (f *fakeSignaler) frames() []transport.TypingPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.TypingPayload, len(f.sent))
	copy(out, f.sent)
	return out
}

func testCoordinator(t *testing.T, sig *fakeSignaler) (*Coordinator, *bus.Bus) {
	t.Helper()
	cfg := config.Typing{
		LocalStopAfter: config.Duration(60 * time.Millisecond),
		ResendWindow:   config.Duration(40 * time.Millisecond),
		RemoteExpiry:   config.Duration(80 * time.Millisecond),
	}
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	c := NewCoordinator(cfg, sig, b, logger)
	c.Start(context.Background())
	t.Cleanup(c.Stop)
	return c, b
}

func TestLocalActivityCoalesced(t *testing.T) {
	sig := &fakeSignaler{}
	c, _ := testCoordinator(t, sig)

	// A burst of keystrokes inside the resend window is one start frame.
	for i := 0; i < 5; i++ {
		c.NoteLocalActivity(context.Background(), "c1")
		time.Sleep(2 * time.Millisecond)
	}

	frames := sig.frames()
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	if !frames[0].IsTyping || frames[0].ConversationID != "c1" {
		t.Errorf("frame = %+v", frames[0])
	}
}

func TestLocalAutoStop(t *testing.T) {
	sig := &fakeSignaler{}
	c, _ := testCoordinator(t, sig)

	c.NoteLocalActivity(context.Background(), "c1")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(sig.frames()) < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	frames := sig.frames()
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want start+stop", len(frames))
	}
	if frames[1].IsTyping {
		t.Error("second frame should be a stop")
	}
}

func TestLocalResendAfterWindow(t *testing.T) {
	sig := &fakeSignaler{}
	c, _ := testCoordinator(t, sig)

	c.NoteLocalActivity(context.Background(), "c1")
	time.Sleep(45 * time.Millisecond) // past the resend window, before auto-stop
	c.NoteLocalActivity(context.Background(), "c1")

	frames := sig.frames()
	if len(frames) != 2 || !frames[0].IsTyping || !frames[1].IsTyping {
		t.Errorf("frames = %+v, want two starts", frames)
	}
}

func TestStopLocalImmediate(t *testing.T) {
	sig := &fakeSignaler{}
	c, _ := testCoordinator(t, sig)

	c.NoteLocalActivity(context.Background(), "c1")
	c.StopLocal(context.Background(), "c1")

	frames := sig.frames()
	if len(frames) != 2 || frames[1].IsTyping {
		t.Fatalf("frames = %+v, want start then stop", frames)
	}

	// The auto-stop timer was cancelled; no third frame shows up.
	time.Sleep(100 * time.Millisecond)
	if got := len(sig.frames()); got != 2 {
		t.Errorf("frames after settling = %d, want 2", got)
	}
}

func TestStopLocalWithoutActivityIsNoop(t *testing.T) {
	sig := &fakeSignaler{}
	c, _ := testCoordinator(t, sig)

	c.StopLocal(context.Background(), "c1")
	if got := len(sig.frames()); got != 0 {
		t.Errorf("frames = %d, want 0", got)
	}
}

func TestRemoteTypingTracked(t *testing.T) {
	sig := &fakeSignaler{}
	c, b := testCoordinator(t, sig)

	b.Publish(bus.Event{Kind: conn.EventUserTyping, Timestamp: time.Now(),
		Payload: transport.UserTypingPayload{ConversationID: "c1", UserID: "bob", IsTyping: true}})
	b.Publish(bus.Event{Kind: conn.EventUserTyping, Timestamp: time.Now(),
		Payload: transport.UserTypingPayload{ConversationID: "c1", UserID: "alice", IsTyping: true}})

	waitFor(t, func() bool {
		return reflect.DeepEqual(c.TypingUsers("c1"), []string{"alice", "bob"})
	}, "both users typing, sorted")

	b.Publish(bus.Event{Kind: conn.EventUserTyping, Timestamp: time.Now(),
		Payload: transport.UserTypingPayload{ConversationID: "c1", UserID: "bob", IsTyping: false}})

	waitFor(t, func() bool {
		return reflect.DeepEqual(c.TypingUsers("c1"), []string{"alice"})
	}, "bob stopped")
}

func TestRemoteTypingExpires(t *testing.T) {
	sig := &fakeSignaler{}
	c, b := testCoordinator(t, sig)

	b.Publish(bus.Event{Kind: conn.EventUserTyping, Timestamp: time.Now(),
		Payload: transport.UserTypingPayload{ConversationID: "c1", UserID: "bob", IsTyping: true}})

	waitFor(t, func() bool { return len(c.TypingUsers("c1")) == 1 }, "bob typing")
	// No stop frame ever arrives; the sweep clears it.
	waitFor(t, func() bool { return len(c.TypingUsers("c1")) == 0 }, "indicator expired")
}

func TestChangedEventPublished(t *testing.T) {
	sig := &fakeSignaler{}
	_, b := testCoordinator(t, sig)
	ch, unsub := b.Subscribe("typing.", 10)
	defer unsub()

	b.Publish(bus.Event{Kind: conn.EventUserTyping, Timestamp: time.Now(),
		Payload: transport.UserTypingPayload{ConversationID: "c1", UserID: "bob", IsTyping: true}})

	select {
	case evt := <-ch:
		p, ok := evt.Payload.(ChangedPayload)
		if !ok {
			t.Fatalf("payload type = %T", evt.Payload)
		}
		if p.ConversationID != "c1" || !reflect.DeepEqual(p.Users, []string{"bob"}) {
			t.Errorf("payload = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no typing.changed event")
	}
}

func TestSignalFailureSwallowed(t *testing.T) {
	sig := &fakeSignaler{fail: conn.ErrNotConnected}
	c, _ := testCoordinator(t, sig)

	// Must not panic or surface the error anywhere.
	c.NoteLocalActivity(context.Background(), "c1")
	c.StopLocal(context.Background(), "c1")
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
