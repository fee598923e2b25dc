// Package relay maintains the agent's WebSocket connection to the relay
// server: dial, register, read/write pumps with ping/pong keepalive, and
// a backoff-with-jitter reconnect loop gated by a circuit breaker.
//
// Grounded on internal/websocket/client.go's dialer/pump/backoff shape;
// the reconnect loop here additionally counts attempts and opens a
// circuit breaker after too many failures, which the teacher's version
// does not do.
package relay

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/agent/internal/eventbus"
	"github.com/breeze-rmm/agent/internal/framecompress"
	"github.com/breeze-rmm/agent/internal/logging"
	"github.com/breeze-rmm/agent/internal/wire"
)

var log = logging.L("relay")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	backoffFactor  = 2.0
)

// Disconnected reasons, per the relay wire contract.
const (
	ReasonNormal         = "Normal"
	ReasonConnectionLost = "ConnectionLost"
	ReasonCircuitBreaker = "CircuitBreaker"
)

// Event kinds published on the bus.
const (
	EventConnected      = "Connected"
	EventDisconnected   = "Disconnected"
	EventKeysReceived   = "KeysReceived"
	EventResizeRequest  = "ResizeRequest"
	EventSessionCreated = "SessionCreated"
	EventSessionKilled  = "SessionKilled"
	EventError          = "Error"
)

var (
	// ErrCircuitBreaker is returned by Connect when called during the
	// circuit breaker's open window, and resolves the pending Completion
	// when the breaker opens. It is never published as an Error event;
	// the bus instead sees a Disconnected event with ReasonCircuitBreaker.
	ErrCircuitBreaker = errors.New("relay: circuit breaker open")
)

type DisconnectedPayload struct {
	Reason string
}

type SessionCreatedPayload struct {
	SessionName string
	WorkDir     string
}

type SessionKilledPayload struct {
	SessionName string
}

type ErrorPayload struct {
	Code    string
	Message string
}

// Config configures the relay connection and its reconnect policy.
type Config struct {
	URL       string
	Token     string
	MachineID string
	Label     string

	ReconnectEnabled       bool
	InitialDelay           time.Duration
	MaxDelay               time.Duration
	MaxAttempts            int
	CircuitBreakerDuration time.Duration
}

// Phase is the transport's connection state.
type Phase int32

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseClosing
)

// Completion is a single-shot future resolved the first time Connect
// either succeeds or exhausts its retry budget, mirroring the teacher's
// single-shot "first connect" completion pattern.
type Completion struct {
	done chan struct{}
	err  error
	once sync.Once
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

func (c *Completion) complete(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Wait blocks until the completion resolves and returns its error (nil
// on success).
func (c *Completion) Wait() error {
	<-c.done
	return c.err
}

// Done returns a channel closed when the completion resolves.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// CreateSessionHook is invoked synchronously for an inbound createSession
// message before SessionCreated is published, so the session exists by
// the time any subscriber reacts to it.
type CreateSessionHook func(sessionName, workDir string)

// Transport is the agent's relay-facing WebSocket connection.
type Transport struct {
	cfg Config
	bus *eventbus.Bus

	onCreateSession CreateSessionHook

	mu      sync.Mutex
	running bool
	stopped bool
	done    chan struct{}

	connMu sync.RWMutex
	conn   *websocket.Conn

	// localClose is set just before a caller-initiated Disconnect/Close
	// tears down the connection, so the reconnect loop can tell a
	// deliberate close apart from the relay dropping the connection.
	localClose atomic.Bool

	phase atomic.Int32

	sendChan chan []byte

	reconnectAttempts atomic.Int32
	circuitOpenUntil  atomic.Int64 // unix nano; 0 = closed

	firstConnect *Completion
}

// New returns a Transport publishing relay-originated events on bus.
func New(cfg Config, bus *eventbus.Bus, onCreateSession CreateSessionHook) *Transport {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 2 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.CircuitBreakerDuration <= 0 {
		cfg.CircuitBreakerDuration = 2 * time.Minute
	}

	return &Transport{
		cfg:             cfg,
		bus:             bus,
		onCreateSession: onCreateSession,
		sendChan:        make(chan []byte, 256),
	}
}

// IsConnected reports whether the transport currently holds a live
// connection.
func (t *Transport) IsConnected() bool {
	return Phase(t.phase.Load()) == PhaseConnected
}

func (t *Transport) circuitOpen() bool {
	until := t.circuitOpenUntil.Load()
	if until == 0 {
		return false
	}
	if time.Now().UnixNano() < until {
		return true
	}
	// Window elapsed: close the circuit.
	t.circuitOpenUntil.Store(0)
	t.reconnectAttempts.Store(0)
	return false
}

// Connect starts the reconnect loop if it is not already running and
// returns a Completion resolved by the first successful connection (or
// by circuit-breaker exhaustion). If the circuit breaker is currently
// open, Connect returns immediately with ErrCircuitBreaker.
func (t *Transport) Connect() (*Completion, error) {
	if t.circuitOpen() {
		return nil, ErrCircuitBreaker
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return nil, errors.New("relay: transport closed")
	}
	if t.running {
		return t.firstConnect, nil
	}

	t.running = true
	t.done = make(chan struct{})
	completion := newCompletion()
	t.firstConnect = completion

	go t.reconnectLoop(t.done, completion)

	return completion, nil
}

// Send encodes v as JSON and enqueues it for the write pump.
// Non-blocking best-effort: dropped if not connected, the channel is
// full, or encoding fails.
func (t *Transport) Send(v any) {
	if !t.IsConnected() {
		log.Warn("dropping send, not connected")
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		log.Warn("encode failed, dropping send", "error", err)
		return
	}

	select {
	case t.sendChan <- data:
	default:
		log.Warn("send channel full, dropping frame")
	}
}

// SendScreen sends either a Screen or ScreenGz frame depending on the
// frame compressor's decision, base64-encoding the payload.
func (t *Transport) SendScreen(frame framecompress.Frame) {
	if frame.IsCompressed {
		t.Send(wire.NewScreenGz(frame.Session, base64.StdEncoding.EncodeToString(frame.Compressed)))
		return
	}
	t.Send(wire.NewScreen(frame.Session, base64.StdEncoding.EncodeToString([]byte(frame.RawText))))
}

// Disconnect tears down the current connection and stops reconnecting
// until Connect is called again.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	done := t.done
	t.mu.Unlock()

	t.localClose.Store(true)
	t.phase.Store(int32(PhaseClosing))
	close(done)
	t.closeConn()
}

// Close permanently shuts down the transport.
func (t *Transport) Close() {
	t.mu.Lock()
	t.stopped = true
	running := t.running
	done := t.done
	t.mu.Unlock()

	if running {
		t.localClose.Store(true)
		t.phase.Store(int32(PhaseClosing))
		close(done)
		t.closeConn()
	}
}

func (t *Transport) closeConn() {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn != nil {
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		t.conn.Close()
		t.conn = nil
	}
}

func (t *Transport) buildURL() (string, error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func (t *Transport) connectOnce() error {
	t.phase.Store(int32(PhaseConnecting))

	wsURL, err := t.buildURL()
	if err != nil {
		return fmt.Errorf("build relay url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()

	log.Info("connected", "server", t.cfg.URL)
	return nil
}

// reconnectLoop is the teacher's backoff loop with attempt counting and
// circuit-breaker gating layered on top.
func (t *Transport) reconnectLoop(done chan struct{}, completion *Completion) {
	backoff := t.cfg.InitialDelay

	for {
		select {
		case <-done:
			return
		default:
		}

		if err := t.connectOnce(); err != nil {
			attempts := t.reconnectAttempts.Add(1)
			t.phase.Store(int32(PhaseDisconnected))
			t.bus.Publish(EventError, ErrorPayload{Code: "WS_ERROR", Message: err.Error()})
			t.bus.Publish(EventDisconnected, DisconnectedPayload{Reason: ReasonConnectionLost})

			if !t.cfg.ReconnectEnabled {
				completion.complete(err)
				t.mu.Lock()
				t.running = false
				t.mu.Unlock()
				return
			}

			if int(attempts) > t.cfg.MaxAttempts {
				t.circuitOpenUntil.Store(time.Now().Add(t.cfg.CircuitBreakerDuration).UnixNano())
				t.reconnectAttempts.Store(0)
				t.bus.Publish(EventDisconnected, DisconnectedPayload{Reason: ReasonCircuitBreaker})
				completion.complete(ErrCircuitBreaker)

				t.mu.Lock()
				t.running = false
				t.mu.Unlock()
				return
			}

			// delay = min(base*2^(attempts-1), capMax) + random_uniform(0, delay/4)
			jitter := time.Duration(rand.Float64() * float64(backoff) / 4)
			sleep := backoff + jitter

			log.Warn("reconnect failed", "attempt", attempts, "delay", sleep, "error", err)
			select {
			case <-done:
				return
			case <-time.After(sleep):
			}

			backoff = time.Duration(float64(backoff) * backoffFactor)
			if backoff > t.cfg.MaxDelay {
				backoff = t.cfg.MaxDelay
			}
			continue
		}

		backoff = t.cfg.InitialDelay
		t.reconnectAttempts.Store(0)
		t.phase.Store(int32(PhaseConnected))
		completion.complete(nil)
		t.bus.Publish(EventConnected, nil)

		t.Send(wire.NewRegister(t.cfg.MachineID, t.cfg.Label, t.cfg.Token))

		pumpDone := make(chan struct{})
		go t.writePump(pumpDone)
		t.readPump()
		close(pumpDone)

		reason := ReasonConnectionLost
		if t.localClose.Swap(false) {
			reason = ReasonNormal
		}
		t.phase.Store(int32(PhaseDisconnected))
		t.bus.Publish(EventDisconnected, DisconnectedPayload{Reason: reason})

		if !t.cfg.ReconnectEnabled {
			t.mu.Lock()
			t.running = false
			t.mu.Unlock()
			return
		}

		select {
		case <-done:
			return
		default:
		}
	}
}

func (t *Transport) readPump() {
	t.connMu.RLock()
	conn := t.conn
	t.connMu.RUnlock()
	if conn == nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", "error", err)
			}
			t.bus.Publish(EventError, ErrorPayload{Code: "WS_ERROR", Message: err.Error()})
			return
		}
		t.handleInbound(message)
	}
}

func (t *Transport) handleInbound(message []byte) {
	msgType, ok := wire.Decode(message)
	if !ok {
		log.Debug("dropping undecodable inbound frame")
		return
	}

	switch msgType {
	case wire.TypeKeys:
		var m wire.Keys
		if err := json.Unmarshal(message, &m); err != nil {
			log.Warn("decode keys failed", "error", err)
			return
		}
		t.bus.Publish(EventKeysReceived, m)

	case wire.TypeResize:
		var m wire.Resize
		if err := json.Unmarshal(message, &m); err != nil {
			log.Warn("decode resize failed", "error", err)
			return
		}
		t.bus.Publish(EventResizeRequest, m)

	case wire.TypeCreateSession:
		var m wire.CreateSession
		if err := json.Unmarshal(message, &m); err != nil {
			log.Warn("decode createSession failed", "error", err)
			return
		}
		if t.onCreateSession != nil {
			t.onCreateSession(m.SessionName, m.WorkDir)
		}
		t.bus.Publish(EventSessionCreated, SessionCreatedPayload{SessionName: m.SessionName, WorkDir: m.WorkDir})

	case wire.TypeKillSession:
		var m wire.KillSession
		if err := json.Unmarshal(message, &m); err != nil {
			log.Warn("decode killSession failed", "error", err)
			return
		}
		t.bus.Publish(EventSessionKilled, SessionKilledPayload{SessionName: m.SessionName})

	case wire.TypeError:
		var m wire.Error
		if err := json.Unmarshal(message, &m); err != nil {
			log.Warn("decode error frame failed", "error", err)
			return
		}
		t.bus.Publish(EventError, ErrorPayload{Code: m.Code, Message: m.Message})

	case wire.TypePing:
		t.Send(wire.NewPong())

	default:
		log.Debug("ignoring unknown inbound message type", "type", msgType)
	}
}

func (t *Transport) writePump(done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case message := <-t.sendChan:
			t.connMu.RLock()
			conn := t.conn
			t.connMu.RUnlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn("write error", "error", err)
				t.bus.Publish(EventError, ErrorPayload{Code: "WS_ERROR", Message: err.Error()})
				return
			}

		case <-ticker.C:
			t.connMu.RLock()
			conn := t.conn
			t.connMu.RUnlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.bus.Publish(EventError, ErrorPayload{Code: "WS_ERROR", Message: err.Error()})
				return
			}
		}
	}
}
