package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

// DialConfig describes one connection attempt.
type DialConfig struct {
	// URL is the server base URL (http/https); it is rewritten to ws/wss.
	URL string
	// Token is the bearer credential attached as an auth parameter.
	Token string
	// OpenTimeout bounds the websocket handshake.
	OpenTimeout time.Duration
}

// Session owns one physical realtime connection. It knows only how to
// send and receive framed envelopes; lifecycle policy lives in conn.
type Session struct {
	conn *websocket.Conn
}

// Dial opens a websocket session against cfg.URL with the credential
// attached. The context and OpenTimeout both bound the handshake.
func Dial(ctx context.Context, cfg DialConfig) (*Session, error) {
	if cfg.OpenTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.OpenTimeout)
		defer cancel()
	}

	wsURL := strings.Replace(cfg.URL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.TrimRight(wsURL, "/") + "/rt?token=" + cfg.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	return &Session{conn: conn}, nil
}

// Read blocks until the next envelope arrives or the connection fails.
func (s *Session) Read(ctx context.Context) (Envelope, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return Envelope{}, fmt.Errorf("read frame: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	return env, nil
}

// Send writes one envelope.
func (s *Session) Send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close tears the connection down. Safe to call more than once.
func (s *Session) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "client closing")
}
