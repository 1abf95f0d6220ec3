// Package transport owns the lifecycle of the bidirectional gateway
// connection: dial, authenticate, heartbeat, failure detection, reconnect
// with backoff. The Manager is the sole owner of the socket handle; every
// other component sends through it and receives decoded frames off the bus.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/situ8/commsd/internal/bus"
	"github.com/situ8/commsd/internal/state"
	"github.com/situ8/commsd/internal/wire"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by Send while no session is established.
// Callers treat it as the signal to queue the action offline.
var ErrNotConnected = errors.New("transport: not connected")

// Config tunes the connection manager.
type Config struct {
	// URL is the realtime endpoint (ws:// or wss://).
	URL string
	// Token is appended as a query parameter; this transport class cannot
	// carry arbitrary request headers.
	Token string

	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	Stability         time.Duration
}

func (c *Config) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.BackoffMin == 0 {
		c.BackoffMin = time.Second
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.Stability == 0 {
		c.Stability = 60 * time.Second
	}
}

// Manager maintains one gateway connection.
type Manager struct {
	cfg     Config
	machine *state.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	dialer  *websocket.Dialer

	mu          sync.Mutex
	conn        *websocket.Conn
	intentional bool
	lastPong    time.Time
	loopCancel  context.CancelFunc
	retryTimer  *time.Timer
	parent      context.Context
	handler     func(wire.Event)

	recon *reconnector
}

// NewManager creates a connection manager. It does not dial until Connect.
func NewManager(cfg Config, machine *state.Machine, b *bus.Bus, logger *zap.Logger) *Manager {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		machine: machine,
		bus:     b,
		logger:  logger,
		dialer:  websocket.DefaultDialer,
		recon:   newReconnector(cfg.BackoffMin, cfg.BackoffMax, cfg.Stability),
	}
}

// RegisterHandler sets the consumer for decoded frames. The read loop
// calls it synchronously for every frame, in arrival order, so message
// delivery is lossless; the bus carries the same frames only as advisory
// notifications. Register before Connect.
func (m *Manager) RegisterHandler(fn func(wire.Event)) {
	m.mu.Lock()
	m.handler = fn
	m.mu.Unlock()
}

// Connect opens the gateway session, carrying the credential in the URL
// query. On failure the machine enters the error state and a backoff retry
// is scheduled; on success the machine enters connected, which triggers
// reconciliation downstream.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.conn != nil {
		m.mu.Unlock()
		return nil
	}
	m.intentional = false
	m.parent = ctx
	m.mu.Unlock()

	if cur := m.machine.Current(); cur == state.Disconnected || cur == state.Error {
		if err := m.machine.Transition(state.Connecting); err != nil {
			return err
		}
	}

	u, err := m.sessionURL()
	if err != nil {
		m.machine.Fail(err)
		return err
	}

	m.logger.Info("dialing gateway")
	conn, _, err := m.dialer.DialContext(ctx, u, nil)
	if err != nil {
		err = fmt.Errorf("dial gateway: %w", err)
		m.logger.Warn("connect failed", zap.Error(err))
		m.machine.Fail(err)
		m.scheduleReconnect()
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.conn = conn
	m.lastPong = time.Now()
	m.loopCancel = cancel
	m.mu.Unlock()

	if err := m.machine.Transition(state.Connected); err != nil {
		m.logger.Warn("unexpected state on connect", zap.Error(err))
	}
	m.recon.markConnected()
	m.logger.Info("gateway connected")

	go m.readLoop(loopCtx, conn)
	go m.heartbeatLoop(loopCtx, conn)
	return nil
}

// Disconnect closes the session deliberately. Cached channel and message
// state is untouched; only the socket goes away.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.intentional = true
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.loopCancel != nil {
		m.loopCancel()
		m.loopCancel = nil
	}
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}

	if m.machine.Current() != state.Disconnected {
		_ = m.machine.Transition(state.Disconnected)
	}
	m.logger.Info("gateway disconnected")
}

// Send writes one frame to the gateway. Returns ErrNotConnected when no
// session is up; the caller decides whether to queue.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return ErrNotConnected
	}
	if err := m.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (m *Manager) sessionURL() (string, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	q := u.Query()
	q.Set("token", m.cfg.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			intentional := m.intentional
			current := m.conn == conn
			if current {
				m.conn = nil
			}
			m.mu.Unlock()

			if intentional || !current || ctx.Err() != nil {
				return
			}
			m.logger.Warn("gateway read failed", zap.Error(err))
			m.machine.Fail(err)
			m.scheduleReconnect()
			return
		}

		evt, err := wire.Decode(data)
		if err != nil {
			// Protocol error: logged and dropped, connection unaffected.
			m.logger.Warn("undecodable frame", zap.Error(err))
			continue
		}
		m.dispatch(evt)
	}
}

func (m *Manager) dispatch(evt wire.Event) {
	m.mu.Lock()
	if _, ok := evt.(wire.Pong); ok {
		m.lastPong = time.Now()
	}
	handler := m.handler
	m.mu.Unlock()

	if handler != nil {
		handler(evt)
	}

	switch e := evt.(type) {
	case wire.Pong:
		m.bus.Publish(bus.Event{Kind: bus.KindWirePong, Payload: e})
	case wire.MessageReceived:
		m.bus.Publish(bus.Event{Kind: bus.KindWireMessage, Payload: e})
	case wire.HistoryBatch:
		m.bus.Publish(bus.Event{Kind: bus.KindWireHistory, Payload: e})
	case wire.UserJoined:
		m.bus.Publish(bus.Event{Kind: bus.KindWireUserJoined, Payload: e})
	case wire.UserLeft:
		m.bus.Publish(bus.Event{Kind: bus.KindWireUserLeft, Payload: e})
	case wire.StatusUpdate:
		m.bus.Publish(bus.Event{Kind: bus.KindWireStatusUpdate, Payload: e})
	case wire.Typing:
		m.bus.Publish(bus.Event{Kind: bus.KindWireTyping, Payload: e})
	case wire.ChannelCreated:
		m.bus.Publish(bus.Event{Kind: bus.KindWireChannelCreated, Payload: e})
	case wire.Unknown:
		m.logger.Warn("unknown frame action", zap.String("action", e.Action))
		m.bus.Publish(bus.Event{Kind: bus.KindWireUnknown, Payload: e})
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			silent := time.Since(m.lastPong)
			m.mu.Unlock()

			if silent > m.cfg.HeartbeatInterval+m.cfg.PongTimeout {
				m.logger.Warn("heartbeat timeout, forcing reconnect",
					zap.Duration("silent", silent))
				// Closing makes the read loop fail over to reconnect.
				_ = conn.Close()
				return
			}
			if err := m.Send(wire.Ping()); err != nil {
				m.logger.Warn("heartbeat send failed", zap.Error(err))
				return
			}
		}
	}
}

func (m *Manager) scheduleReconnect() {
	delay := m.recon.nextDelay()
	m.logger.Info("reconnect scheduled", zap.Duration("delay", delay))

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.intentional {
		return
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	m.retryTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		intentional := m.intentional
		parent := m.parent
		m.mu.Unlock()
		if intentional || parent == nil || parent.Err() != nil {
			return
		}
		_ = m.Connect(parent)
	})
}
