// Package capture runs a per-session adaptive polling loop: capture a
// pane, detect change, compress and hand the result to a sink, then
// reschedule at an active or idle interval depending on recent activity.
//
// Grounded on internal/workerpool for tick execution (the multiplexer
// subprocess call is the dominant blocking operation and must never run
// on a caller's goroutine) and internal/framecompress for the emitted
// Frame shape.
package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/agent/internal/framecompress"
	"github.com/breeze-rmm/agent/internal/logging"
	"github.com/breeze-rmm/agent/internal/workerpool"
)

var log = logging.L("capture")

const (
	defaultActiveInterval    = 50 * time.Millisecond
	defaultIdleInterval      = 200 * time.Millisecond
	defaultIdleThreshold     = 2 * time.Second
	defaultForceSendInterval = 10 * time.Second
	defaultWorkers           = 4
	defaultQueueSize         = 256
)

// PaneReader is the subset of the multiplexer adapter the engine needs.
// Implemented by *tmuxadapter.Adapter; an interface here keeps capture
// decoupled from the adapter's concrete type.
type PaneReader interface {
	CapturePaneForStream(session string) (string, bool)
}

// Sink receives each frame the engine decides to deliver.
type Sink func(framecompress.Frame)

// Config tunes the engine's polling cadence. Zero values fall back to
// the documented defaults. New copies the Config into the Engine; the
// engine offers no way to change it afterwards, so the cadence is fixed
// for the engine's lifetime.
type Config struct {
	ActiveInterval    time.Duration
	IdleInterval      time.Duration
	IdleThreshold     time.Duration
	ForceSendInterval time.Duration
	Workers           int
	QueueSize         int
}

func (c Config) withDefaults() Config {
	if c.ActiveInterval <= 0 {
		c.ActiveInterval = defaultActiveInterval
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = defaultIdleInterval
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = defaultIdleThreshold
	}
	if c.ForceSendInterval <= 0 {
		c.ForceSendInterval = defaultForceSendInterval
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	return c
}

// taskState is the per-session state owned by the engine between
// start(session) and stop(session).
type taskState struct {
	session string
	sink    Sink

	running atomic.Bool

	mu           sync.Mutex
	lastRawText  string
	lastChangeTs time.Time
	lastSendTs   time.Time
	isIdle       bool
	timer        *time.Timer
}

// Engine schedules and executes capture ticks across sessions on a
// bounded worker pool, applying change detection and a force-keepalive
// interval before handing frames to each session's sink.
type Engine struct {
	reader     PaneReader
	compressor *framecompress.Compressor
	cfg        Config
	pool       *workerpool.Pool

	mu    sync.Mutex
	tasks map[string]*taskState
}

// New returns an Engine backed by reader for pane captures, using cfg
// (zero-valued fields fall back to defaults).
func New(reader PaneReader, compressor *framecompress.Compressor, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		reader:     reader,
		compressor: compressor,
		cfg:        cfg,
		pool:       workerpool.New(cfg.Workers, cfg.QueueSize),
		tasks:      make(map[string]*taskState),
	}
}

// Start begins polling session, delivering frames to sink. Calling
// Start for a session already capturing replaces its sink and resets
// state as if starting fresh.
func (e *Engine) Start(session string, sink Sink) {
	e.mu.Lock()
	if existing, ok := e.tasks[session]; ok {
		existing.running.Store(false)
		if existing.timer != nil {
			existing.timer.Stop()
		}
	}

	task := &taskState{session: session, sink: sink, lastSendTs: time.Now(), lastChangeTs: time.Now()}
	task.running.Store(true)
	e.tasks[session] = task
	e.mu.Unlock()

	e.scheduleTick(task, 0)
}

// Stop cancels the pending tick for session and guarantees no further
// sink invocations once it returns. An in-progress tick (already
// submitted to the pool) observes running=false and skips delivery
// rather than being allowed to complete its send — this is the first
// of the two spec-sanctioned options. A delivery already under way when
// Stop is called finishes before Stop returns.
func (e *Engine) Stop(session string) {
	e.mu.Lock()
	task, ok := e.tasks[session]
	if ok {
		delete(e.tasks, session)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	task.running.Store(false)
	task.mu.Lock()
	if task.timer != nil {
		task.timer.Stop()
	}
	task.mu.Unlock()
}

// StopAll stops every capturing session, then waits up to 5 seconds for
// in-flight ticks to drain before returning.
func (e *Engine) StopAll() {
	e.mu.Lock()
	sessions := make([]string, 0, len(e.tasks))
	for s := range e.tasks {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		e.Stop(s)
	}

	e.pool.StopAccepting()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.pool.Drain(ctx)
}

// IsCapturing reports whether session currently has an active task.
func (e *Engine) IsCapturing(session string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.tasks[session]
	return ok
}

func (e *Engine) scheduleTick(task *taskState, after time.Duration) {
	fire := func() {
		e.pool.Submit(func() { e.tick(task) })
	}

	task.mu.Lock()
	if after <= 0 {
		task.mu.Unlock()
		fire()
		return
	}
	task.timer = time.AfterFunc(after, fire)
	task.mu.Unlock()
}

// tick runs a single capture-detect-deliver-reschedule cycle for task.
// Exceptions are not a concept in Go, but reader/sink panics are
// recovered here so one bad session can never take down the pool.
func (e *Engine) tick(task *taskState) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("capture tick panicked", "session", task.session, "panic", r)
		}
	}()

	if !task.running.Load() {
		return
	}

	content, ok := e.reader.CapturePaneForStream(task.session)
	if !ok {
		e.rescheduleAfterTick(task)
		return
	}

	now := time.Now()

	task.mu.Lock()
	changed := content != task.lastRawText
	force := now.Sub(task.lastSendTs) >= e.cfg.ForceSendInterval
	if changed {
		task.lastRawText = content
		task.lastChangeTs = now
		task.isIdle = false
	} else if now.Sub(task.lastChangeTs) >= e.cfg.IdleThreshold {
		task.isIdle = true
	}
	shouldSend := changed || force
	if shouldSend {
		task.lastSendTs = now
	}
	isIdle := task.isIdle
	task.mu.Unlock()

	if shouldSend {
		frame := e.compressor.CompressFrame(task.session, content)
		// The running check and the sink call share task.mu with Stop, so
		// Stop cannot return between them.
		task.mu.Lock()
		if !task.running.Load() {
			// Stopped between capture and delivery: skip the send.
			task.mu.Unlock()
			return
		}
		func() {
			defer task.mu.Unlock()
			defer func() {
				if r := recover(); r != nil {
					log.Error("capture sink panicked", "session", task.session, "panic", r)
				}
			}()
			task.sink(frame)
		}()
	}

	e.rescheduleWithIdle(task, isIdle)
}

func (e *Engine) rescheduleAfterTick(task *taskState) {
	task.mu.Lock()
	isIdle := task.isIdle
	task.mu.Unlock()
	e.rescheduleWithIdle(task, isIdle)
}

func (e *Engine) rescheduleWithIdle(task *taskState, isIdle bool) {
	if !task.running.Load() {
		return
	}
	interval := e.cfg.ActiveInterval
	if isIdle {
		interval = e.cfg.IdleInterval
	}
	e.scheduleTick(task, interval)
}
