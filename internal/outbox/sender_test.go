package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tcardozo/mingle/internal/bus"
	"github.com/tcardozo/mingle/internal/config"
	"github.com/tcardozo/mingle/internal/conn"
	"github.com/tcardozo/mingle/internal/store"
	"github.com/tcardozo/mingle/internal/transport"
	"go.uber.org/zap"
)

type fakeRealtime struct {
	state    conn.State
	requests []string
	reply    *transport.AckPayload
	err      error
}

func (f *fakeRealtime) State() conn.State { return f.state }

func (f *fakeRealtime) Request(ctx context.Context, eventType string, payload any) (transport.Envelope, error) {
	f.requests = append(f.requests, eventType)
	if f.err != nil {
		return transport.Envelope{}, f.err
	}
	data, _ := json.Marshal(f.reply)
	return transport.Envelope{Type: transport.EventAck, RequestID: "r1", Payload: data}, nil
}

type fakeFallback struct {
	sent    []transport.SendMessagePayload
	marked  []string
	reply   *store.Message
	err     error
	readErr error
}

func (f *fakeFallback) SendMessage(ctx context.Context, draft transport.SendMessagePayload) (*store.Message, error) {
	f.sent = append(f.sent, draft)
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

func (f *fakeFallback) MarkRead(ctx context.Context, conversationID string) error {
	f.marked = append(f.marked, conversationID)
	return f.readErr
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "mingle.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	db.SetLocalUser("me")
	return db
}

func testSender(t *testing.T, rt *fakeRealtime, fb *fakeFallback) (*Sender, *store.DB, *bus.Bus) {
	t.Helper()
	db := testDB(t)
	b := bus.New()
	cfg := config.Default().Send
	cfg.AckTimeout = config.Duration(100 * time.Millisecond)
	logger, _ := zap.NewDevelopment()
	return NewSender(db, rt, fb, cfg, b, logger), db, b
}

func serverMsg(id string) *transport.MessagePayload {
	return &transport.MessagePayload{
		ID: id, ConversationID: "c1", SenderID: "me",
		Content: "hello", Type: "text", Status: "sent", CreatedAtMs: 1000,
	}
}

func TestSendRealtimePath(t *testing.T) {
	rt := &fakeRealtime{state: conn.Connected, reply: &transport.AckPayload{Message: serverMsg("m1")}}
	fb := &fakeFallback{}
	s, db, _ := testSender(t, rt, fb)

	msg, err := s.Send(context.Background(), Draft{ConversationID: "c1", Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != "m1" {
		t.Errorf("message id = %q", msg.ID)
	}
	if len(fb.sent) != 0 {
		t.Error("fallback used while realtime was up")
	}
	if got, _ := db.GetMessage("m1"); got == nil {
		t.Error("server copy not persisted")
	}
}

func TestSendFallbackWhenDisconnected(t *testing.T) {
	rt := &fakeRealtime{state: conn.Disconnected}
	fb := &fakeFallback{reply: &store.Message{
		ID: "m2", ConversationID: "c1", SenderID: "me",
		Content: "hello", Type: "text", Status: "sent", CreatedAt: 1000,
	}}
	s, db, _ := testSender(t, rt, fb)

	msg, err := s.Send(context.Background(), Draft{ConversationID: "c1", Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != "m2" {
		t.Errorf("message id = %q", msg.ID)
	}
	if len(rt.requests) != 0 {
		t.Error("realtime path used while disconnected")
	}
	if len(fb.sent) != 1 {
		t.Fatalf("fallback sends = %d, want exactly 1", len(fb.sent))
	}
	if got, _ := db.GetMessage("m2"); got == nil {
		t.Error("server copy not persisted")
	}
}

func TestSendFallsBackOnDisconnectRace(t *testing.T) {
	// State still reads Connected but the request hits a torn-down session.
	rt := &fakeRealtime{state: conn.Connected, err: conn.ErrNotConnected}
	fb := &fakeFallback{reply: &store.Message{ID: "m3", ConversationID: "c1", SenderID: "me", Content: "hi", Type: "text", CreatedAt: 1}}
	s, _, _ := testSender(t, rt, fb)

	msg, err := s.Send(context.Background(), Draft{ConversationID: "c1", Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != "m3" || len(fb.sent) != 1 {
		t.Errorf("msg = %+v, fallback sends = %d", msg, len(fb.sent))
	}
}

func TestSendAckTimeoutNoFallbackNoIngest(t *testing.T) {
	rt := &fakeRealtime{state: conn.Connected, err: conn.ErrAckTimeout}
	fb := &fakeFallback{}
	s, db, _ := testSender(t, rt, fb)

	_, err := s.Send(context.Background(), Draft{ConversationID: "c1", Content: "hello"})
	if !errors.Is(err, conn.ErrAckTimeout) {
		t.Fatalf("err = %v, want ErrAckTimeout", err)
	}
	if len(fb.sent) != 0 {
		t.Error("ack timeout must not trigger a fallback resend")
	}
	msgs, _ := db.Messages("c1", 0, 10)
	if len(msgs) != 0 {
		t.Error("nothing should be ingested on an unacked send")
	}
}

func TestSendServerRejection(t *testing.T) {
	rt := &fakeRealtime{state: conn.Connected, reply: &transport.AckPayload{
		Error: &transport.WireError{Code: "BLOCKED", Message: "recipient has blocked you"},
	}}
	s, _, _ := testSender(t, rt, &fakeFallback{})

	_, err := s.Send(context.Background(), Draft{ConversationID: "c1", Content: "hello"})
	var wireErr *transport.WireError
	if !errors.As(err, &wireErr) {
		t.Fatalf("err = %v, want *transport.WireError", err)
	}
	if wireErr.Code != "BLOCKED" {
		t.Errorf("code = %q", wireErr.Code)
	}
}

func TestSendValidation(t *testing.T) {
	s, _, _ := testSender(t, &fakeRealtime{state: conn.Connected}, &fakeFallback{})

	tests := []struct {
		name  string
		draft Draft
	}{
		{"no target", Draft{Content: "hello"}},
		{"empty content", Draft{ConversationID: "c1", Content: "   "}},
		{"too long", Draft{ConversationID: "c1", Content: string(make([]byte, 5000))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Send(context.Background(), tt.draft)
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Errorf("err = %v, want *ValidationError", err)
			}
		})
	}
}

func TestSendAttachmentOnlyAllowed(t *testing.T) {
	rt := &fakeRealtime{state: conn.Connected, reply: &transport.AckPayload{Message: &transport.MessagePayload{
		ID: "m4", ConversationID: "c1", SenderID: "me", Type: "image", Status: "sent", CreatedAtMs: 1,
	}}}
	s, _, _ := testSender(t, rt, &fakeFallback{})

	msg, err := s.Send(context.Background(), Draft{ConversationID: "c1", Type: "image", AttachmentURL: "https://cdn.example/cat.png"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != "image" {
		t.Errorf("type = %q", msg.Type)
	}
}

func TestSendPublishesEvent(t *testing.T) {
	rt := &fakeRealtime{state: conn.Connected, reply: &transport.AckPayload{Message: serverMsg("m1")}}
	s, _, b := testSender(t, rt, &fakeFallback{})
	ch, unsub := b.Subscribe("chat.", 10)
	defer unsub()

	if _, err := s.Send(context.Background(), Draft{ConversationID: "c1", Content: "hello"}); err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-ch:
		if evt.Kind != "chat.message_sent" {
			t.Errorf("kind = %q", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no chat.message_sent event")
	}
}

func TestMarkReadRealtime(t *testing.T) {
	rt := &fakeRealtime{state: conn.Connected, reply: &transport.AckPayload{}}
	fb := &fakeFallback{}
	s, db, _ := testSender(t, rt, fb)

	mustIngest(t, db, &store.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "hi", Type: "text", Status: "delivered", CreatedAt: 1})

	if err := s.MarkRead(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if len(rt.requests) != 1 || rt.requests[0] != transport.EventMarkAsRead {
		t.Errorf("requests = %v", rt.requests)
	}
	if len(fb.marked) != 0 {
		t.Error("fallback used while realtime was up")
	}
	if n, _ := db.UnreadCount("c1"); n != 0 {
		t.Errorf("unread = %d, want 0", n)
	}
	msg, _ := db.GetMessage("m1")
	if msg.Status != store.StatusRead {
		t.Errorf("status = %q, want read", msg.Status)
	}
}

func TestMarkReadFallback(t *testing.T) {
	rt := &fakeRealtime{state: conn.Failed}
	fb := &fakeFallback{}
	s, db, _ := testSender(t, rt, fb)

	mustIngest(t, db, &store.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "hi", Type: "text", Status: "delivered", CreatedAt: 1})

	if err := s.MarkRead(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if len(fb.marked) != 1 || fb.marked[0] != "c1" {
		t.Errorf("fallback marks = %v", fb.marked)
	}
	if n, _ := db.UnreadCount("c1"); n != 0 {
		t.Errorf("unread = %d, want 0", n)
	}
}

func mustIngest(t *testing.T, db *store.DB, m *store.Message) {
	t.Helper()
	if _, err := db.IngestMessage(m); err != nil {
		t.Fatal(err)
	}
}
