package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tcardozo/mingle/internal/bus"
	"github.com/tcardozo/mingle/internal/config"
	"github.com/tcardozo/mingle/internal/transport"
	"go.uber.org/zap"
)

// Credential is the bearer token plus the identity it was issued to.
// The manager holds only the current value; a changed value on Start is a
// forced reconnect, not an error.
type Credential struct {
	Token  string
	UserID string
}

// Session is the transport surface the manager drives. transport.Session
// satisfies it; tests substitute their own.
type Session interface {
	Read(ctx context.Context) (transport.Envelope, error)
	Send(ctx context.Context, env transport.Envelope) error
	Close() error
}

// Dialer opens one physical session.
type Dialer func(ctx context.Context, cfg transport.DialConfig) (Session, error)

func defaultDialer(ctx context.Context, cfg transport.DialConfig) (Session, error) {
	return transport.Dial(ctx, cfg)
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer overrides how physical sessions are opened.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dial = d }
}

// Manager wraps a transport session with credential injection, heartbeat,
// timeout detection and bounded exponential-backoff reconnection.
//
// All inbound frames are decoded on a single read loop and published on
// the bus under the "conn.event." namespace, so downstream store
// mutations observe them serialized in arrival order.
type Manager struct {
	url    string
	cfg    config.Realtime
	bus    *bus.Bus
	logger *zap.Logger
	dial   Dialer

	machine *Machine

	mu             sync.Mutex
	cred           Credential
	sess           Session
	gen            int
	attempt        int
	reconnectTimer *time.Timer
	connCancel     context.CancelFunc
	stopped        bool

	pendingMu sync.Mutex
	pending   map[string]chan transport.Envelope
}

// NewManager creates a connection manager. It starts Idle; nothing moves
// until Start is called with a credential.
func NewManager(url string, cfg config.Realtime, b *bus.Bus, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		url:     url,
		cfg:     cfg,
		bus:     b,
		logger:  logger,
		dial:    defaultDialer,
		machine: NewMachine(b),
		stopped: true,
		pending: make(map[string]chan transport.Envelope),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	return m.machine.Current()
}

// Start begins connecting with the given credential. Calling it again
// with a different credential while live tears the old session down first
// and does not consume a reconnect-attempt slot. Calling it with the same
// credential while live is a no-op. A manual Start always resets the
// reconnect-attempt counter, including out of Failed.
func (m *Manager) Start(cred Credential) {
	m.mu.Lock()
	st := m.machine.Current()
	if !m.stopped && cred == m.cred && (st == Connected || st == Connecting || st == Reconnecting) {
		m.mu.Unlock()
		return
	}
	if cred != m.cred && (st == Connected || st == Connecting) {
		m.logger.Info("credential rotated, cycling session")
	}
	m.stopped = false
	m.cred = cred
	m.attempt = 0
	m.teardownLocked()

	// Walk to Connecting through whatever intermediate the table needs.
	switch m.machine.Current() {
	case Connected, Connecting:
		_ = m.machine.Transition(Disconnected)
	}
	_ = m.machine.Transition(Connecting)

	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.connCancel = cancel
	m.mu.Unlock()

	go m.open(ctx, gen, cred)
}

// Stop tears down the session, cancels any pending reconnect and any
// in-flight open attempt, and settles in Idle. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped && m.machine.Current() == Idle {
		return
	}
	m.stopped = true
	m.teardownLocked()
	if m.machine.Current() != Idle {
		_ = m.machine.Transition(Idle)
	}
}

// teardownLocked closes the live session and cancels timers. Bumping gen
// makes any event from the old session a stale no-op, so a torn-down
// connection can never deliver into a reset store.
func (m *Manager) teardownLocked() {
	m.gen++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	if m.sess != nil {
		_ = m.sess.Close()
		m.sess = nil
	}
	m.failPending()
}

func (m *Manager) open(ctx context.Context, gen int, cred Credential) {
	sess, err := m.dial(ctx, transport.DialConfig{
		URL:         m.url,
		Token:       cred.Token,
		OpenTimeout: m.cfg.OpenTimeout.D(),
	})

	m.mu.Lock()
	if m.stopped || gen != m.gen {
		m.mu.Unlock()
		if sess != nil {
			_ = sess.Close()
		}
		return
	}
	if err != nil {
		m.logger.Warn("realtime open failed", zap.Error(err), zap.Int("attempt", m.attempt))
		m.handleDisconnectLocked(err)
		m.mu.Unlock()
		return
	}

	m.sess = sess
	m.attempt = 0
	_ = m.machine.Transition(Connected)
	m.logger.Info("realtime connected", zap.String("user", cred.UserID))
	m.mu.Unlock()

	go m.readLoop(ctx, sess, gen)
	go m.heartbeatLoop(ctx, gen)
}

func (m *Manager) readLoop(ctx context.Context, sess Session, gen int) {
	for {
		env, err := sess.Read(ctx)
		if err != nil {
			m.onSessionError(gen, err)
			return
		}
		m.dispatch(env)
	}
}

// onSessionError funnels every session failure (read error, dial error
// already handled in open, heartbeat-forced close) into the reconnect
// policy exactly once per generation.
func (m *Manager) onSessionError(gen int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || gen != m.gen {
		return
	}
	m.logger.Warn("realtime session lost", zap.Error(err))
	if m.sess != nil {
		_ = m.sess.Close()
		m.sess = nil
	}
	m.gen++
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	m.failPending()
	m.handleDisconnectLocked(err)
}

// handleDisconnectLocked transitions to Disconnected and evaluates the
// reconnection policy. Retries are bounded: past the attempt cap the
// manager parks in Failed and waits for a manual Start, so a flapping
// server never turns into a reconnect storm.
func (m *Manager) handleDisconnectLocked(err error) {
	_ = m.machine.Transition(Disconnected)
	m.bus.Publish(bus.Event{Kind: "conn.error", Timestamp: time.Now(), Payload: err.Error()})

	if m.attempt >= m.cfg.MaxReconnectAttempts {
		_ = m.machine.Transition(Failed)
		m.logger.Error("reconnect attempts exhausted",
			zap.Int("max_attempts", m.cfg.MaxReconnectAttempts))
		return
	}
	m.attempt++
	delay := backoffDelay(m.cfg, m.attempt)
	_ = m.machine.Transition(Reconnecting)
	m.logger.Info("scheduling reconnect",
		zap.Int("attempt", m.attempt),
		zap.Duration("delay", delay))
	m.reconnectTimer = time.AfterFunc(delay, m.reconnect)
}

func (m *Manager) reconnect() {
	m.mu.Lock()
	if m.stopped || m.machine.Current() != Reconnecting {
		m.mu.Unlock()
		return
	}
	m.gen++
	gen := m.gen
	_ = m.machine.Transition(Connecting)
	ctx, cancel := context.WithCancel(context.Background())
	m.connCancel = cancel
	cred := m.cred
	m.mu.Unlock()

	go m.open(ctx, gen, cred)
}

// backoffDelay computes base * multiplier^(attempt-1), capped.
func backoffDelay(cfg config.Realtime, attempt int) time.Duration {
	d := time.Duration(float64(cfg.ReconnectBaseDelay.D()) * math.Pow(cfg.ReconnectMultiplier, float64(attempt-1)))
	if max := cfg.ReconnectMaxDelay.D(); d > max {
		d = max
	}
	return d
}

func (m *Manager) heartbeatLoop(ctx context.Context, gen int) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval.D())
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.State() != Connected {
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatInterval.D()/2)
			_, err := m.Request(pingCtx, transport.EventPing, nil)
			cancel()
			if err == nil {
				missed = 0
				continue
			}
			missed++
			m.logger.Warn("missed pong", zap.Int("consecutive", missed))
			if missed < 2 {
				continue
			}
			// Two consecutive missed pongs: declare the session dead.
			m.mu.Lock()
			sess := m.sess
			live := gen == m.gen
			m.mu.Unlock()
			if live && sess != nil {
				_ = sess.Close()
			}
			return
		}
	}
}

// Request sends a correlated frame and waits for its ack envelope. The
// caller bounds the wait through ctx; a deadline hit maps to
// ErrAckTimeout. Issued while not Connected it fails fast with
// ErrNotConnected.
func (m *Manager) Request(ctx context.Context, eventType string, payload any) (transport.Envelope, error) {
	m.mu.Lock()
	sess := m.sess
	connected := m.machine.Current() == Connected
	m.mu.Unlock()
	if !connected || sess == nil {
		return transport.Envelope{}, ErrNotConnected
	}

	data, err := marshalPayload(payload)
	if err != nil {
		return transport.Envelope{}, err
	}

	id := uuid.New().String()
	ch := make(chan transport.Envelope, 1)
	m.pendingMu.Lock()
	m.pending[id] = ch
	m.pendingMu.Unlock()

	env := transport.Envelope{Type: eventType, RequestID: id, Payload: data}
	if err := sess.Send(ctx, env); err != nil {
		m.removePending(id)
		return transport.Envelope{}, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			// Session torn down while waiting.
			return transport.Envelope{}, ErrNotConnected
		}
		return resp, nil
	case <-ctx.Done():
		m.removePending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return transport.Envelope{}, ErrAckTimeout
		}
		return transport.Envelope{}, ctx.Err()
	}
}

// SendEvent sends a fire-and-forget frame with no correlation.
func (m *Manager) SendEvent(ctx context.Context, eventType string, payload any) error {
	m.mu.Lock()
	sess := m.sess
	connected := m.machine.Current() == Connected
	m.mu.Unlock()
	if !connected || sess == nil {
		return ErrNotConnected
	}
	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	return sess.Send(ctx, transport.Envelope{Type: eventType, Payload: data})
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

func (m *Manager) removePending(id string) {
	m.pendingMu.Lock()
	delete(m.pending, id)
	m.pendingMu.Unlock()
}

// failPending closes every in-flight correlation channel so waiters
// unblock with ErrNotConnected instead of hanging until their deadline.
func (m *Manager) failPending() {
	m.pendingMu.Lock()
	for id, ch := range m.pending {
		close(ch)
		delete(m.pending, id)
	}
	m.pendingMu.Unlock()
}
