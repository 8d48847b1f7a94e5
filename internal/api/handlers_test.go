package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tcardozo/mingle/internal/bus"
	"github.com/tcardozo/mingle/internal/conn"
	"github.com/tcardozo/mingle/internal/outbox"
	"github.com/tcardozo/mingle/internal/store"
	"go.uber.org/zap"
)

type fakeSender struct {
	sent   []outbox.Draft
	marked []string
	reply  *store.Message
	err    error
}

func (f *fakeSender) Send(ctx context.Context, draft outbox.Draft) (*store.Message, error) {
	f.sent = append(f.sent, draft)
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

func (f *fakeSender) MarkRead(ctx context.Context, conversationID string) error {
	f.marked = append(f.marked, conversationID)
	return nil
}

type fakeTypist struct {
	notes []string
	stops []string
	users []string
}

func (f *fakeTypist) NoteLocalActivity(_ context.Context, conversationID string) {
	f.notes = append(f.notes, conversationID)
}

func (f *fakeTypist) StopLocal(_ context.Context, conversationID string) {
	f.stops = append(f.stops, conversationID)
}

func (f *fakeTypist) TypingUsers(conversationID string) []string { return f.users }

type fakeRealtime struct{ state conn.State }

func (f *fakeRealtime) State() conn.State { return f.state }

type fixture struct {
	srv    *httptest.Server
	db     *store.DB
	sender *fakeSender
	typist *fakeTypist
	bus    *bus.Bus
}

func newFixture(t *testing.T) *fixture {
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

	f := &fixture{
		db:     db,
		sender: &fakeSender{},
		typist: &fakeTypist{},
		bus:    bus.New(),
	}
	logger, _ := zap.NewDevelopment()
	router := NewRouter(Dependencies{
		Profile:  "main",
		DB:       db,
		Sender:   f.sender,
		Typing:   f.typist,
		Realtime: &fakeRealtime{state: conn.Connected},
		Bus:      f.bus,
		Logger:   logger,
	})
	f.srv = httptest.NewServer(router)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	return resp, decodeBody(t, resp)
}

func (f *fixture) post(t *testing.T, path, body string) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]json.RawMessage {
	t.Helper()
	defer resp.Body.Close()
	out := map[string]json.RawMessage{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return out
}

func TestStatus(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/v1/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var state string
	_ = json.Unmarshal(body["state"], &state)
	if state != "CONNECTED" {
		t.Errorf("state = %q", state)
	}
	var profile string
	_ = json.Unmarshal(body["profile"], &profile)
	if profile != "main" {
		t.Errorf("profile = %q", profile)
	}
}

func TestListConversationsAndMessages(t *testing.T) {
	f := newFixture(t)
	if _, err := f.db.IngestMessage(&store.Message{
		ID: "m1", ConversationID: "c1", SenderID: "alice",
		Content: "hi", Type: "text", Status: "sent", CreatedAt: 1000,
	}); err != nil {
		t.Fatal(err)
	}

	resp, body := f.get(t, "/v1/conversations")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var convs []store.Conversation
	if err := json.Unmarshal(body["conversations"], &convs); err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].ID != "c1" || convs[0].UnreadCount != 1 {
		t.Errorf("conversations = %+v", convs)
	}

	resp, body = f.get(t, "/v1/conversations/c1/messages")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var msgs []store.Message
	if err := json.Unmarshal(body["messages"], &msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t)
	f.sender.reply = &store.Message{ID: "m1", ConversationID: "c1", SenderID: "me", Content: "hello", Type: "text", Status: "sent", CreatedAt: 1}

	resp, body := f.post(t, "/v1/messages", `{"conversationId":"c1","content":"hello"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var msg store.Message
	if err := json.Unmarshal(body["message"], &msg); err != nil {
		t.Fatal(err)
	}
	if msg.ID != "m1" {
		t.Errorf("message = %+v", msg)
	}
	if len(f.sender.sent) != 1 || f.sender.sent[0].Content != "hello" {
		t.Errorf("drafts = %+v", f.sender.sent)
	}
}

func TestSendMessageValidationError(t *testing.T) {
	f := newFixture(t)
	f.sender.err = &outbox.ValidationError{Field: "content", Reason: "empty"}

	resp, _ := f.post(t, "/v1/messages", `{"conversationId":"c1","content":""}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSendMessageAckTimeout(t *testing.T) {
	f := newFixture(t)
	f.sender.err = conn.ErrAckTimeout

	resp, _ := f.post(t, "/v1/messages", `{"conversationId":"c1","content":"x"}`)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", resp.StatusCode)
	}
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.post(t, "/v1/conversations/c1/read", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(f.sender.marked) != 1 || f.sender.marked[0] != "c1" {
		t.Errorf("marked = %v", f.sender.marked)
	}
}

func TestOpenCloseConversation(t *testing.T) {
	f := newFixture(t)

	f.post(t, "/v1/conversations/c1/open", "")
	if got := f.db.ActiveConversation(); got != "c1" {
		t.Errorf("active = %q, want c1", got)
	}

	// Closing a different conversation leaves the active one alone.
	f.post(t, "/v1/conversations/c2/close", "")
	if got := f.db.ActiveConversation(); got != "c1" {
		t.Errorf("active = %q, want c1", got)
	}

	f.post(t, "/v1/conversations/c1/close", "")
	if got := f.db.ActiveConversation(); got != "" {
		t.Errorf("active = %q, want cleared", got)
	}
}

func TestTyping(t *testing.T) {
	f := newFixture(t)
	f.typist.users = []string{"alice"}

	f.post(t, "/v1/conversations/c1/typing", `{"isTyping":true}`)
	f.post(t, "/v1/conversations/c1/typing", `{"isTyping":false}`)
	if len(f.typist.notes) != 1 || len(f.typist.stops) != 1 {
		t.Errorf("notes = %v, stops = %v", f.typist.notes, f.typist.stops)
	}

	resp, body := f.get(t, "/v1/conversations/c1/typing")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var users []string
	if err := json.Unmarshal(body["users"], &users); err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0] != "alice" {
		t.Errorf("users = %v", users)
	}
}

func TestLoginPublishesCredential(t *testing.T) {
	f := newFixture(t)
	ch, unsub := f.bus.Subscribe("auth.", 10)
	defer unsub()

	resp, _ := f.post(t, "/v1/auth/login", `{"token":"tok1","userId":"me"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	select {
	case evt := <-ch:
		if evt.Kind != "auth.logged_in" {
			t.Errorf("kind = %q", evt.Kind)
		}
		cred, ok := evt.Payload.(conn.Credential)
		if !ok || cred.Token != "tok1" || cred.UserID != "me" {
			t.Errorf("payload = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no auth event")
	}
}

func TestLoginRejectsMissingCredential(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.post(t, "/v1/auth/login", `{"token":"","userId":""}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestLogoutPublishesEvent(t *testing.T) {
	f := newFixture(t)
	ch, unsub := f.bus.Subscribe("auth.", 10)
	defer unsub()

	resp, _ := f.post(t, "/v1/auth/logout", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	select {
	case evt := <-ch:
		if evt.Kind != "auth.logged_out" {
			t.Errorf("kind = %q", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no auth event")
	}
}
