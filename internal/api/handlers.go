// Package api is the daemon's local control surface: a JSON HTTP API
// served over the profile's unix socket, consumed by minglectl and any
// UI that attaches to the daemon.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/tcardozo/mingle/internal/bus"
	"github.com/tcardozo/mingle/internal/conn"
	"github.com/tcardozo/mingle/internal/outbox"
	"github.com/tcardozo/mingle/internal/store"
	"github.com/tcardozo/mingle/internal/transport"
)

// Sender is the slice of the send pipeline the API drives.
type Sender interface {
	Send(ctx context.Context, draft outbox.Draft) (*store.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
}

// Typist is the slice of the typing coordinator the API drives.
type Typist interface {
	NoteLocalActivity(ctx context.Context, conversationID string)
	StopLocal(ctx context.Context, conversationID string)
	TypingUsers(conversationID string) []string
}

// Realtime exposes the connection state for the status endpoint.
type Realtime interface {
	State() conn.State
}

// Dependencies carries everything the handlers touch.
type Dependencies struct {
	Profile  string
	DB       *store.DB
	Sender   Sender
	Typing   Typist
	Realtime Realtime
	Bus      *bus.Bus
	Logger   *zap.Logger
}

// NewRouter builds the chi router for the control API.
func NewRouter(deps Dependencies) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	h := &handlers{deps: deps}

	r.Get("/v1/status", h.status)
	r.Get("/v1/conversations", h.listConversations)
	r.Route("/v1/conversations/{id}", func(r chi.Router) {
		r.Get("/messages", h.listMessages)
		r.Post("/read", h.markRead)
		r.Post("/open", h.openConversation)
		r.Post("/close", h.closeConversation)
		r.Get("/typing", h.typingUsers)
		r.Post("/typing", h.typing)
	})
	r.Post("/v1/messages", h.sendMessage)
	r.Post("/v1/auth/login", h.login)
	r.Post("/v1/auth/logout", h.logout)

	return r
}

type handlers struct {
	deps Dependencies
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{"error": apiError{Code: code, Message: msg}})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	unread, err := h.deps.DB.TotalUnread()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"profile":      h.deps.Profile,
		"state":        h.deps.Realtime.State(),
		"user_id":      h.deps.DB.LocalUser(),
		"total_unread": unread,
	})
}

func (h *handlers) listConversations(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	convs, err := h.deps.DB.ListConversations(limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (h *handlers) listMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	before, _ := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64)
	limit := queryInt(r, "limit", 50)

	msgs, err := h.deps.DB.Messages(conversationID, before, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (h *handlers) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string `json:"conversationId"`
		RecipientID    string `json:"recipientId"`
		Content        string `json:"content"`
		Type           string `json:"type"`
		AttachmentURL  string `json:"attachmentUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}

	msg, err := h.deps.Sender.Send(r.Context(), outbox.Draft{
		ConversationID: req.ConversationID,
		RecipientID:    req.RecipientID,
		Content:        req.Content,
		Type:           req.Type,
		AttachmentURL:  req.AttachmentURL,
	})
	if err != nil {
		h.writeSendError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

func (h *handlers) writeSendError(w http.ResponseWriter, err error) {
	var vErr *outbox.ValidationError
	var wireErr *transport.WireError
	switch {
	case errors.As(err, &vErr):
		writeError(w, http.StatusBadRequest, "INVALID_DRAFT", vErr.Error())
	case errors.As(err, &wireErr):
		writeError(w, http.StatusUnprocessableEntity, wireErr.Code, wireErr.Message)
	case errors.Is(err, conn.ErrAckTimeout):
		writeError(w, http.StatusGatewayTimeout, "ACK_TIMEOUT", "delivery unconfirmed")
	default:
		h.deps.Logger.Error("send failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "SEND_FAILED", err.Error())
	}
}

func (h *handlers) markRead(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Sender.MarkRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusBadGateway, "MARK_READ_FAILED", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// openConversation marks a conversation as focused: new messages in it
// stop counting as unread while it stays open.
func (h *handlers) openConversation(w http.ResponseWriter, r *http.Request) {
	h.deps.DB.SetActiveConversation(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) closeConversation(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB.ActiveConversation() == chi.URLParam(r, "id") {
		h.deps.DB.SetActiveConversation("")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) typing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IsTyping bool `json:"isTyping"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	conversationID := chi.URLParam(r, "id")
	if req.IsTyping {
		h.deps.Typing.NoteLocalActivity(r.Context(), conversationID)
	} else {
		h.deps.Typing.StopLocal(r.Context(), conversationID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) typingUsers(w http.ResponseWriter, r *http.Request) {
	users := h.deps.Typing.TypingUsers(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token  string `json:"token"`
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	if req.Token == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_CREDENTIAL", "token and userId are required")
		return
	}
	h.deps.Bus.Publish(bus.Event{
		Kind:      "auth.logged_in",
		Timestamp: time.Now(),
		Payload:   conn.Credential{Token: req.Token, UserID: req.UserID},
	})
	w.WriteHeader(http.StatusAccepted)
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	h.deps.Bus.Publish(bus.Event{Kind: "auth.logged_out", Timestamp: time.Now()})
	w.WriteHeader(http.StatusAccepted)
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
