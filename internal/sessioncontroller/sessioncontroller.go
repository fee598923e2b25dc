// Package sessioncontroller composes the multiplexer adapter, capture
// engine, and relay transport: it translates relay control events into
// adapter calls and routes captured frames back out as relay messages.
package sessioncontroller

import (
	"github.com/breeze-rmm/agent/internal/capture"
	"github.com/breeze-rmm/agent/internal/eventbus"
	"github.com/breeze-rmm/agent/internal/framecompress"
	"github.com/breeze-rmm/agent/internal/logging"
	"github.com/breeze-rmm/agent/internal/relay"
	"github.com/breeze-rmm/agent/internal/wire"
)

var log = logging.L("sessioncontroller")

// Adapter is the subset of tmuxadapter.Adapter the controller drives.
type Adapter interface {
	SendKeys(target, text string, literal bool) bool
	SendKeysWithEnter(target, text string) bool
	Resize(name string, cols, rows int) bool
	CreateSession(name, workDir string) bool
	KillSession(name string) bool
}

// Engine is the subset of capture.Engine the controller drives.
type Engine interface {
	Start(session string, sink capture.Sink)
	Stop(session string)
	StopAll()
	IsCapturing(session string) bool
}

// Transport is the subset of relay.Transport the controller drives.
type Transport interface {
	IsConnected() bool
	SendScreen(frame framecompress.Frame)
}

// Controller wires adapter, engine, and transport together via the
// event bus per the builder's autoStreamOnCreate policy.
type Controller struct {
	adapter   Adapter
	engine    Engine
	transport Transport
	bus       *eventbus.Bus

	autoStreamOnCreate bool

	subs []*eventbus.Subscription
}

// New wires event handlers on bus and returns a ready Controller.
// autoStreamOnCreate governs whether a locally initiated CreateSession
// call also starts streaming for that session.
func New(adapter Adapter, engine Engine, transport Transport, bus *eventbus.Bus, autoStreamOnCreate bool) *Controller {
	c := &Controller{
		adapter:            adapter,
		engine:             engine,
		transport:          transport,
		bus:                bus,
		autoStreamOnCreate: autoStreamOnCreate,
	}

	c.subs = []*eventbus.Subscription{
		bus.Subscribe(relay.EventKeysReceived, c.handleKeysReceived),
		bus.Subscribe(relay.EventResizeRequest, c.handleResizeRequest),
		bus.Subscribe(relay.EventSessionCreated, c.handleSessionCreated),
		bus.Subscribe(relay.EventSessionKilled, c.handleSessionKilled),
	}

	return c
}

// CreateSessionHook satisfies relay.CreateSessionHook: invoked
// synchronously for a relay-initiated createSession message before
// relay publishes SessionCreated, so the session exists by the time any
// subscriber reacts to it.
func (c *Controller) CreateSessionHook(sessionName, workDir string) {
	if !c.adapter.CreateSession(sessionName, workDir) {
		log.Warn("relay-initiated createSession failed", "session", sessionName)
	}
}

// CreateSession creates session locally (e.g. via CLI or enrollment
// flow). If autoStreamOnCreate is set, streaming starts immediately;
// otherwise streaming starts only on an explicit StartStreaming call or
// a later SessionCreated bus event (a relay-initiated create for the
// same name succeeds as a no-op and still publishes SessionCreated).
func (c *Controller) CreateSession(session, workDir string) bool {
	if !c.adapter.CreateSession(session, workDir) {
		return false
	}
	if c.autoStreamOnCreate {
		c.StartStreaming(session)
	}
	return true
}

// StartStreaming registers a capture sink for session that forwards
// every frame to the transport. Idempotent: starting an already
// streaming session just replaces its sink.
func (c *Controller) StartStreaming(session string) {
	c.engine.Start(session, func(frame framecompress.Frame) {
		c.transport.SendScreen(frame)
	})
}

// StopStreaming idempotently stops capture for session.
func (c *Controller) StopStreaming(session string) {
	c.engine.Stop(session)
}

// Close disposes all event subscriptions and stops every capture task.
func (c *Controller) Close() {
	for _, sub := range c.subs {
		sub.Dispose()
	}
	c.engine.StopAll()
}

func (c *Controller) handleKeysReceived(e eventbus.Event) {
	m, ok := e.Payload.(wire.Keys)
	if !ok {
		return
	}
	if m.Enter {
		c.adapter.SendKeysWithEnter(m.SessionName, m.Keys)
		return
	}
	c.adapter.SendKeys(m.SessionName, m.Keys, true)
}

func (c *Controller) handleResizeRequest(e eventbus.Event) {
	m, ok := e.Payload.(wire.Resize)
	if !ok {
		return
	}
	c.adapter.Resize(m.SessionName, m.Cols, m.Rows)
}

func (c *Controller) handleSessionCreated(e eventbus.Event) {
	m, ok := e.Payload.(relay.SessionCreatedPayload)
	if !ok {
		return
	}
	if c.transport.IsConnected() && !c.engine.IsCapturing(m.SessionName) {
		c.StartStreaming(m.SessionName)
	}
}

func (c *Controller) handleSessionKilled(e eventbus.Event) {
	m, ok := e.Payload.(relay.SessionKilledPayload)
	if !ok {
		return
	}
	c.StopStreaming(m.SessionName)
	c.adapter.KillSession(m.SessionName)
}
