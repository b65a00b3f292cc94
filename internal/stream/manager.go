package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/retry"
	"github.com/eddiefleurent/schrute_scalper/internal/storage"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// writeWait is the time allowed to write a message to the feed.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the feed.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// ErrReconnectExhausted is surfaced when the reconnect attempt ceiling is
// reached and the manager stops retrying.
var ErrReconnectExhausted = errors.New("feed reconnect attempts exhausted")

// ErrManagerClosed is returned by operations on a closed manager.
var ErrManagerClosed = errors.New("stream manager closed")

// State is the connection state of the feed.
type State int32

const (
	// StateDisconnected means no socket is open; a reconnect may be pending.
	StateDisconnected State = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateConnected means the feed is live.
	StateConnected
	// StateFailed is terminal: the attempt ceiling was hit and the operator
	// has been alerted. The process keeps running on stale prices.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Alerter is the operator channel for the fatal feed-down condition.
type Alerter interface {
	FeedDown(ctx context.Context, reason string)
}

// Config controls the manager's connection behavior. Zero fields get
// defaults.
type Config struct {
	URL              string
	ReconnectBase    time.Duration // first reconnect delay
	ReconnectCap     time.Duration // backoff ceiling per attempt
	ReconnectCeiling int           // attempts before giving up
	HandshakeTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 2 * time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 60 * time.Second
	}
	if c.ReconnectCeiling <= 0 {
		c.ReconnectCeiling = 10
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
}

// Manager owns the single feed connection and the tracked-instrument set.
// At most one socket is live at any moment, including across reconnects:
// each dial bumps a generation counter and loops from older sockets detach
// themselves when they see a stale generation.
type Manager struct {
	cfg     Config
	store   *Store
	storage storage.Interface
	alerter Alerter
	logger  *logrus.Logger
	backoff retry.Policy

	mu         sync.Mutex
	writeMu    sync.Mutex
	state      State
	conn       *websocket.Conn
	generation int
	attempts   int
	timerSet   bool
	closed     bool
	done       chan struct{}
	cancels    []func()
}

// NewManager builds a manager over the given quote store and persistence.
// alerter may be nil.
func NewManager(cfg Config, store *Store, st storage.Interface, alerter Alerter, logger *logrus.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:     cfg,
		store:   store,
		storage: st,
		alerter: alerter,
		logger:  logger,
		backoff: retry.Policy{Base: cfg.ReconnectBase, Cap: cfg.ReconnectCap},
		done:    make(chan struct{}),
	}
}

// Store exposes the quote store for read-side consumers.
func (m *Manager) Store() *Store {
	return m.store
}

// State reports the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start opens the feed connection and subscribes every tracked instrument.
// A failed first dial is not fatal: the reconnect machine takes over.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if err := m.connectLocked(); err != nil {
		m.logger.WithError(err).Warn("initial feed connect failed")
		m.scheduleReconnectLocked()
	}
	return nil
}

// Close shuts the manager down permanently.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)

	for _, cancel := range m.cancels {
		cancel()
	}
	m.cancels = nil

	if m.conn != nil {
		m.writeMu.Lock()
		_ = m.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		m.writeMu.Unlock()
		err := m.conn.Close()
		m.conn = nil
		m.state = StateDisconnected
		return err
	}
	m.state = StateDisconnected
	return nil
}

// Track subscribes an instrument. Idempotent: tracking an already-active
// instrument reports alreadyTracked without re-persisting. For options, the
// underlying stock is tracked first so option ticks always have a reference
// price alongside them. The tracked set is persisted before this returns, so
// a restart recovers the same working set.
func (m *Manager) Track(key models.InstrumentKey) (alreadyTracked bool, err error) {
	if err := key.Validate(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrManagerClosed
	}

	if tc, ok := m.storage.GetTracked(key); ok && tc.Active {
		return true, nil
	}

	now := time.Now().UTC()
	if key.IsOption() {
		stock := key.Underlying()
		if tc, ok := m.storage.GetTracked(stock); !ok || !tc.Active {
			if err := m.storage.UpsertTracked(models.TrackedContract{Instrument: stock, AddedAt: now, Active: true}); err != nil {
				return false, fmt.Errorf("persisting stock tracking for %s: %w", stock.Root, err)
			}
			m.trySendLocked(stock, true)
		}
	}

	if err := m.storage.UpsertTracked(models.TrackedContract{Instrument: key, AddedAt: now, Active: true}); err != nil {
		return false, fmt.Errorf("persisting tracking for %s: %w", key.Key(), err)
	}
	m.trySendLocked(key, true)
	return false, nil
}

// Untrack unsubscribes an instrument. Idempotent: untracking an unknown or
// inactive instrument succeeds. The persisted record is marked inactive, not
// deleted. When the last active option under a root goes away, the root's
// stock subscription is dropped too.
func (m *Manager) Untrack(key models.InstrumentKey) error {
	if err := key.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}

	tc, ok := m.storage.GetTracked(key)
	if !ok || !tc.Active {
		return nil
	}

	tc.Active = false
	if err := m.storage.UpsertTracked(tc); err != nil {
		return fmt.Errorf("persisting untrack for %s: %w", key.Key(), err)
	}
	m.trySendLocked(key, false)

	if key.IsOption() {
		stillNeeded := false
		for _, other := range m.storage.ActiveTracked() {
			if other.Instrument.IsOption() && other.Instrument.Root == key.Root {
				stillNeeded = true
				break
			}
		}
		if !stillNeeded {
			if stc, ok := m.storage.GetTracked(key.Underlying()); ok && stc.Active {
				stc.Active = false
				if err := m.storage.UpsertTracked(stc); err != nil {
					return fmt.Errorf("persisting stock untrack for %s: %w", key.Root, err)
				}
				m.trySendLocked(key.Underlying(), false)
			}
		}
	}
	return nil
}

// LatestQuote returns the most recent quote for the instrument, if any.
func (m *Manager) LatestQuote(key models.InstrumentKey) (models.Quote, bool) {
	return m.store.Get(key)
}

// OnUpdate registers a callback invoked once per inbound quote. Each callback
// runs on its own goroutine fed by a bounded buffer, so a slow callback only
// delays its own deliveries.
func (m *Manager) OnUpdate(fn func(models.Quote)) {
	ch, cancel := m.store.Subscribe(64)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return
	}
	m.cancels = append(m.cancels, cancel)
	m.mu.Unlock()

	go func() {
		for q := range ch {
			fn(q)
		}
	}()
}

// connectLocked tears down any previous socket, dials a fresh one, and on
// success re-subscribes the full tracked set. Caller holds m.mu.
func (m *Manager) connectLocked() error {
	if m.closed {
		return ErrManagerClosed
	}

	// Any socket from a previous generation must be fully closed before the
	// new dial, so two live sockets never race on the quote store.
	m.generation++
	gen := m.generation
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.state = StateConnecting

	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.HandshakeTimeout}
	conn, _, err := dialer.Dial(m.cfg.URL, nil)
	if err != nil {
		m.state = StateDisconnected
		return fmt.Errorf("feed dial: %w", err)
	}

	m.conn = conn
	m.state = StateConnected
	m.attempts = 0

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go m.readLoop(conn, gen)
	go m.pingLoop(conn, gen)

	m.resubscribeLocked()
	m.logger.WithField("url", m.cfg.URL).Info("feed connected")
	return nil
}

// resubscribeLocked re-issues subscribe requests for every active tracked
// instrument, stocks before their dependent option contracts.
func (m *Manager) resubscribeLocked() {
	tracked := m.storage.ActiveTracked()
	for _, tc := range tracked {
		if !tc.Instrument.IsOption() {
			m.trySendLocked(tc.Instrument, true)
		}
	}
	for _, tc := range tracked {
		if tc.Instrument.IsOption() {
			m.trySendLocked(tc.Instrument, true)
		}
	}
}

// trySendLocked sends a subscribe/unsubscribe request if connected. The feed
// protocol does not acknowledge these, so failures are logged and the next
// reconnect's full re-subscribe repairs any gap. Caller holds m.mu.
func (m *Manager) trySendLocked(key models.InstrumentKey, subscribe bool) {
	if m.conn == nil || m.state != StateConnected {
		return
	}

	cmd, err := subscribeCommand(key, subscribe)
	if err != nil {
		m.logger.WithError(err).WithField("instrument", key.Key()).Warn("cannot encode feed request")
		return
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		m.logger.WithError(err).Warn("cannot marshal feed request")
		return
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := m.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		m.logger.WithError(err).WithField("instrument", key.Key()).Warn("feed request write failed")
	}
}

// readLoop consumes messages from one socket generation. A bad message is
// logged and skipped; a read error hands the socket to the reconnect machine.
func (m *Manager) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(gen, err)
			return
		}

		q, ok, derr := decodeQuote(raw)
		if derr != nil {
			m.logger.WithError(derr).Debug("dropping bad feed message")
			continue
		}
		if !ok {
			continue
		}
		m.store.Set(q)
	}
}

// pingLoop keeps one socket generation alive.
func (m *Manager) pingLoop(conn *websocket.Conn, gen int) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			m.writeMu.Unlock()
			if err != nil {
				m.handleDisconnect(gen, err)
				return
			}
		}
	}
}

// handleDisconnect reacts to a connection-level error from one socket
// generation. Stale generations are ignored, so the read loop and ping loop
// of the same socket cannot both schedule a reconnect.
func (m *Manager) handleDisconnect(gen int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || gen != m.generation {
		return
	}

	m.logger.WithError(err).Warn("feed connection lost")

	// Bump the generation so the sibling loop on this socket detaches.
	m.generation++
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.state = StateDisconnected
	m.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the single reconnect timer, or gives up when
// the attempt ceiling is hit. Caller holds m.mu.
func (m *Manager) scheduleReconnectLocked() {
	if m.closed || m.timerSet || m.state == StateFailed || m.state == StateConnected {
		return
	}

	if m.attempts >= m.cfg.ReconnectCeiling {
		m.state = StateFailed
		m.logger.WithField("attempts", m.attempts).Error("feed reconnect attempts exhausted")
		if m.alerter != nil {
			go m.alerter.FeedDown(context.Background(), ErrReconnectExhausted.Error())
		}
		return
	}

	delay := m.backoff.Delay(m.attempts)
	m.attempts++
	m.timerSet = true
	m.logger.WithFields(logrus.Fields{
		"attempt": m.attempts,
		"delay":   delay,
	}).Info("scheduling feed reconnect")

	time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		m.timerSet = false
		if m.closed || m.state == StateFailed || m.state == StateConnected {
			return
		}
		if err := m.connectLocked(); err != nil {
			m.logger.WithError(err).Warn("feed reconnect failed")
			m.scheduleReconnectLocked()
		}
	})
}
