package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Feed Connection Manager: one persistent websocket to the venue feed
// with reconnect, keepalive and subscription replay
// ---------------------------------------------------------------------------

// Config configures the feed connection.
type Config struct {
	URL                string        `yaml:"url"`
	MaxConnectAttempts int           `yaml:"max_connect_attempts"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	ReconnectDelay     time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay  time.Duration `yaml:"max_reconnect_delay"`
	ExhaustedCooldown  time.Duration `yaml:"exhausted_cooldown"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
}

// DefaultConfig returns defaults for the PumpPortal data feed.
func DefaultConfig() Config {
	return Config{
		URL:                "wss://pumpportal.fun/api/data",
		MaxConnectAttempts: 5,
		ConnectTimeout:     10 * time.Second,
		ReconnectDelay:     5 * time.Second,
		MaxReconnectDelay:  60 * time.Second,
		ExhaustedCooldown:  60 * time.Second,
		PingInterval:       30 * time.Second,
		ReadTimeout:        60 * time.Second,
	}
}

var (
	// ErrNotConnected is returned by Subscribe/Unsubscribe without a live socket.
	ErrNotConnected = errors.New("feed: not connected")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("feed: closed")
)

// ConnectionError reports a connect that exhausted its attempts.
type ConnectionError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("feed: connect %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Handler receives every inbound frame on the manager's read goroutine.
// It must not block; hand the frame off and return.
type Handler func(frame []byte)

// Manager owns the feed socket.
type Manager struct {
	config Config
	dialer *websocket.Dialer

	// mu guards conn and subs, and serialises writes on conn.
	mu   sync.Mutex
	conn *websocket.Conn
	subs *SubscriptionSet

	handler atomic.Value // Handler
	onError atomic.Value // func(error)

	connectMu sync.Mutex
	started   atomic.Bool
	paused    atomic.Bool
	connected atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	// Stats.
	framesRecv      atomic.Int64
	framesDelivered atomic.Int64
	pausedDropped   atomic.Int64
	reconnects      atomic.Int64
	handlerPanics   atomic.Int64
}

// NewManager creates a manager. Nothing is dialed until Connect.
func NewManager(config Config) *Manager {
	def := DefaultConfig()
	if config.MaxConnectAttempts <= 0 {
		config.MaxConnectAttempts = def.MaxConnectAttempts
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = def.ConnectTimeout
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = def.ReconnectDelay
	}
	if config.MaxReconnectDelay <= 0 {
		config.MaxReconnectDelay = def.MaxReconnectDelay
	}
	if config.ExhaustedCooldown <= 0 {
		config.ExhaustedCooldown = def.ExhaustedCooldown
	}
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = def.ReadTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config: config,
		dialer: &websocket.Dialer{HandshakeTimeout: config.ConnectTimeout},
		subs:   NewSubscriptionSet(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// SetHandler registers the single inbound-frame consumer.
func (m *Manager) SetHandler(h Handler) {
	m.handler.Store(h)
}

// SetErrorHandler registers a hook for connection failures that happen on
// the background loop, after the initial Connect has returned.
func (m *Manager) SetErrorHandler(fn func(error)) {
	m.onError.Store(fn)
}

// Connect dials the feed, replays the current SubscriptionSet and starts the
// background read loop. It fails with *ConnectionError after
// MaxConnectAttempts. Calling it on a running manager is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	if m.ctx.Err() != nil {
		return ErrClosed
	}
	if m.started.Load() {
		return nil
	}

	conn, err := m.dial(ctx)
	if err != nil {
		return err
	}
	if err := m.attach(conn); err != nil {
		conn.Close()
		return &ConnectionError{URL: m.config.URL, Attempts: 1, Err: err}
	}

	m.started.Store(true)
	go m.run(conn)
	return nil
}

// backoff returns the wait before the given 1-based attempt:
// immediate, ReconnectDelay, then doubling up to MaxReconnectDelay.
func (m *Manager) backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := m.config.ReconnectDelay
	for i := 2; i < attempt; i++ {
		delay *= 2
		if delay >= m.config.MaxReconnectDelay {
			return m.config.MaxReconnectDelay
		}
	}
	if delay > m.config.MaxReconnectDelay {
		delay = m.config.MaxReconnectDelay
	}
	return delay
}

// dial tries up to MaxConnectAttempts times, honouring both ctx and Close.
func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= m.config.MaxConnectAttempts; attempt++ {
		if wait := m.backoff(attempt); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, &ConnectionError{URL: m.config.URL, Attempts: attempt - 1, Err: ctx.Err()}
			case <-m.ctx.Done():
				return nil, ErrClosed
			}
		}

		dialCtx, cancel := context.WithTimeout(ctx, m.config.ConnectTimeout)
		conn, _, err := m.dialer.DialContext(dialCtx, m.config.URL, nil)
		cancel()
		if err == nil {
			log.Info().Str("url", m.config.URL).Int("attempt", attempt).Msg("feed: connected")
			return conn, nil
		}

		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Int("max", m.config.MaxConnectAttempts).Msg("feed: connection failed")
	}
	return nil, &ConnectionError{URL: m.config.URL, Attempts: m.config.MaxConnectAttempts, Err: lastErr}
}

// attach replays every subscription on conn and only then publishes it.
// The read loop starts after attach returns, so no frame is delivered
// before the subscriptions are restored.
func (m *Manager) attach(conn *websocket.Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.subs.Messages() {
		conn.SetWriteDeadline(time.Now().Add(m.config.ConnectTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("feed: replay %s: %w", msg.Method, err)
		}
		log.Info().Str("method", msg.Method).Int("keys", len(msg.Keys)).Msg("feed: subscription restored")
	}

	m.conn = conn
	m.connected.Store(true)
	return nil
}

// detach forgets conn if it is still current.
func (m *Manager) detach(conn *websocket.Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
		m.connected.Store(false)
	}
	m.mu.Unlock()
	conn.Close()
}

func (m *Manager) run(conn *websocket.Conn) {
	defer close(m.done)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("feed: run loop panic recovered")
		}
	}()

	for {
		m.readLoop(conn)
		m.detach(conn)
		if m.ctx.Err() != nil {
			return
		}

		next, ok := m.reconnect()
		if !ok {
			return
		}
		conn = next
	}
}

// reconnect keeps dialing until it succeeds or the manager is closed.
// Each exhausted round is reported and followed by a cooldown.
func (m *Manager) reconnect() (*websocket.Conn, bool) {
	for {
		conn, err := m.dial(m.ctx)
		if err == nil {
			if err := m.attach(conn); err != nil {
				log.Warn().Err(err).Msg("feed: subscription replay failed, redialing")
				conn.Close()
				continue
			}
			m.reconnects.Add(1)
			return conn, true
		}
		if m.ctx.Err() != nil {
			return nil, false
		}

		log.Error().Err(err).Dur("cooldown", m.config.ExhaustedCooldown).Msg("feed: reconnect attempts exhausted, cooling down")
		if fn, ok := m.onError.Load().(func(error)); ok && fn != nil {
			fn(err)
		}
		select {
		case <-time.After(m.config.ExhaustedCooldown):
		case <-m.ctx.Done():
			return nil, false
		}
	}
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	stopPing := make(chan struct{})
	defer close(stopPing)
	go m.pingLoop(conn, stopPing)

	extend := func() { conn.SetReadDeadline(time.Now().Add(m.config.ReadTimeout)) }
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case m.ctx.Err() != nil:
			case websocket.IsCloseError(err, websocket.CloseNormalClosure):
				log.Info().Msg("feed: connection closed normally, reconnecting")
			default:
				log.Warn().Err(err).Msg("feed: read error, reconnecting")
			}
			return
		}
		extend()
		m.framesRecv.Add(1)

		// Paused: keep reading so keepalive and deadlines still work.
		if m.paused.Load() {
			m.pausedDropped.Add(1)
			continue
		}
		m.deliver(data)
	}
}

func (m *Manager) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(m.config.ConnectTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Debug().Err(err).Msg("feed: ping failed")
				return
			}
		}
	}
}

func (m *Manager) deliver(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			m.handlerPanics.Add(1)
			log.Error().Interface("panic", r).Msg("feed: handler panic recovered")
		}
	}()

	h, _ := m.handler.Load().(Handler)
	if h == nil {
		return
	}
	h(data)
	m.framesDelivered.Add(1)
}

// Subscribe sends the subscribe frame for keys not yet in the set and
// records them. Keys are ignored for KindNewToken. Without a socket the
// keys are still recorded and ErrNotConnected is returned; they are sent
// when the connection is (re)established.
func (m *Manager) Subscribe(kind Kind, keys ...string) error {
	return m.control(kind, true, keys)
}

// Unsubscribe sends the unsubscribe frame for keys in the set and forgets them.
func (m *Manager) Unsubscribe(kind Kind, keys ...string) error {
	return m.control(kind, false, keys)
}

func (m *Manager) control(kind Kind, subscribe bool, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		// Recorded anyway so the next attach replays the intended set.
		if subscribe {
			m.subs.Add(kind, keys...)
		} else {
			m.subs.Remove(kind, keys...)
		}
		return ErrNotConnected
	}

	var pending []string
	if subscribe {
		pending = m.subs.Missing(kind, keys...)
	} else {
		pending = m.subs.Present(kind, keys...)
	}
	if pending == nil {
		return nil
	}

	msg := NewControlMessage(kind, subscribe, pending...)
	m.conn.SetWriteDeadline(time.Now().Add(m.config.ConnectTimeout))
	if err := m.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("feed: write %s: %w", msg.Method, err)
	}

	if subscribe {
		m.subs.Add(kind, pending...)
	} else {
		m.subs.Remove(kind, pending...)
	}

	log.Info().Str("method", msg.Method).Strs("keys", pending).Msg("feed: control sent")
	return nil
}

// Stop pauses delivery without closing the socket. Frames read while
// paused are discarded.
func (m *Manager) Stop() {
	if !m.paused.Swap(true) {
		log.Info().Msg("feed: delivery paused")
	}
}

// Resume re-enables delivery after Stop.
func (m *Manager) Resume() {
	if m.paused.Swap(false) {
		log.Info().Msg("feed: delivery resumed")
	}
}

// Close tears down the socket and ends the background loop.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()

		m.mu.Lock()
		if m.conn != nil {
			m.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			m.conn.Close()
			m.conn = nil
		}
		m.connected.Store(false)
		m.mu.Unlock()

		if m.started.Load() {
			<-m.done
		}
		log.Info().Msg("feed: closed")
	})
	return nil
}

// Connected reports whether a socket is currently attached.
func (m *Manager) Connected() bool {
	return m.connected.Load()
}

// Subscriptions returns a copy of the current SubscriptionSet.
func (m *Manager) Subscriptions() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs.Snapshot()
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	Connected       bool  `json:"connected"`
	Paused          bool  `json:"paused"`
	FramesRecv      int64 `json:"frames_recv"`
	FramesDelivered int64 `json:"frames_delivered"`
	PausedDropped   int64 `json:"paused_dropped"`
	Reconnects      int64 `json:"reconnects"`
	HandlerPanics   int64 `json:"handler_panics"`
	TokenSubs       int   `json:"token_subs"`
	AccountSubs     int   `json:"account_subs"`
}

func (m *Manager) Stats() Stats {
	snap := m.Subscriptions()
	return Stats{
		Connected:       m.connected.Load(),
		Paused:          m.paused.Load(),
		FramesRecv:      m.framesRecv.Load(),
		FramesDelivered: m.framesDelivered.Load(),
		PausedDropped:   m.pausedDropped.Load(),
		Reconnects:      m.reconnects.Load(),
		HandlerPanics:   m.handlerPanics.Load(),
		TokenSubs:       len(snap.Tokens),
		AccountSubs:     len(snap.Accounts),
	}
}
