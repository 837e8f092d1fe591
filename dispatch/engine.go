// Package dispatch ties the databus to the production server link.
// Bus value batches fire telegram builders through trigger tags; inbound
// frames are routed to telegram handlers by typeId.
package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ltalink/frame"
	"ltalink/logging"
	"ltalink/tagstore"
)

// Well-known control tags.
const (
	RestartTag = "LTA-Settings.application.restart"
	ConnectTag = "LTA-Settings.connection.connect"
)

// Telegram is one production server message type: a request builder
// fired by a trigger tag and a handler for responses of the same type.
type Telegram interface {
	Name() string
	TypeID() uint32
	Build() error
	Handle(body []byte)
}

// TriggerTag returns the tag that fires the builder of the named telegram.
func TriggerTag(name string) string {
	return tagstore.NameMarker + name + ".command.execute"
}

// DoneTag returns the tag acknowledged after a response of the named telegram was handled.
func DoneTag(name string) string {
	return tagstore.NameMarker + name + ".command.done"
}

// Publisher writes tag values to the databus by tag name.
type Publisher interface {
	PublishTags(values map[string]interface{}) error
	RequestMetadata() error
}

// Link is the production server connection as seen by the engine.
// Disconnect must be safe to call while idle.
type Link interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
}

// Hooks observe engine activity. Every field is optional.
type Hooks struct {
	StateChanged  func(State)
	TriggerFired  func(name string, err error)
	FrameDecoded  func(f frame.Frame, handled bool)
	FrameRejected func(err error)
}

// Options tune the engine's delays.
type Options struct {
	// StartupDelay separates the first metadata load from the update request.
	StartupDelay time.Duration
	// RestartDelay separates a restart request from OnRestart.
	RestartDelay time.Duration
	// OnRestart runs when the controller requests an application restart.
	OnRestart func()
}

// ErrDuplicate is returned when a trigger tag or typeId is registered twice.
var ErrDuplicate = errors.New("dispatch: duplicate registration")

// ErrStarted is returned when registering after Start.
var ErrStarted = errors.New("dispatch: engine already started")

// Engine owns the trigger and handler tables.
type Engine struct {
	tags *tagstore.Registry
	pub  Publisher
	link Link
	opts Options

	tablesMu sync.RWMutex
	triggers map[string]Telegram // trigger tag name -> telegram
	handlers map[uint32]Telegram // typeId -> telegram
	started  bool

	busMu      sync.Mutex
	stateMu    sync.RWMutex
	state      State
	restartID  string
	timers     map[*time.Timer]struct{}
	timersMu   sync.Mutex
	closed     bool
	hooks      Hooks
	logFn      logging.LogFunc
	debugLogFn logging.LogFunc
}

// New creates an engine. Telegrams must be registered before Start.
func New(tags *tagstore.Registry, pub Publisher, link Link, opts Options) *Engine {
	return &Engine{
		tags:       tags,
		pub:        pub,
		link:       link,
		opts:       opts,
		triggers:   make(map[string]Telegram),
		handlers:   make(map[uint32]Telegram),
		timers:     make(map[*time.Timer]struct{}),
		logFn:      logging.Nop,
		debugLogFn: logging.Nop,
	}
}

// SetLogFunc sets the logging callback.
func (e *Engine) SetLogFunc(fn logging.LogFunc) {
	e.logFn = logging.Prefixed(fn, "Dispatch")
}

// SetDebugLogFunc sets the callback for per-message chatter.
func (e *Engine) SetDebugLogFunc(fn logging.LogFunc) {
	e.debugLogFn = logging.Prefixed(fn, "Dispatch")
}

// SetHooks installs activity observers. Call before Start.
func (e *Engine) SetHooks(h Hooks) {
	e.hooks = h
}

// Register adds a telegram to both tables.
func (e *Engine) Register(t Telegram) error {
	e.tablesMu.Lock()
	defer e.tablesMu.Unlock()

	if e.started {
		return ErrStarted
	}
	trigger := TriggerTag(t.Name())
	if _, ok := e.triggers[trigger]; ok {
		return fmt.Errorf("%w: trigger %s", ErrDuplicate, trigger)
	}
	if _, ok := e.handlers[t.TypeID()]; ok {
		return fmt.Errorf("%w: typeId %d", ErrDuplicate, t.TypeID())
	}
	e.triggers[trigger] = t
	e.handlers[t.TypeID()] = t
	return nil
}

// Start freezes the tables.
func (e *Engine) Start() {
	e.tablesMu.Lock()
	e.started = true
	n := len(e.triggers)
	e.tablesMu.Unlock()
	e.logFn("started with %d telegrams", n)
}

// Close cancels pending delayed actions.
func (e *Engine) Close() {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	e.closed = true
	for t := range e.timers {
		t.Stop()
	}
	e.timers = nil
}

// State returns the readiness state.
func (e *Engine) State() State {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.stateMu.Lock()
	changed := e.state != s
	e.state = s
	e.stateMu.Unlock()

	if changed {
		e.logFn("state %s", s)
		if e.hooks.StateChanged != nil {
			e.hooks.StateChanged(s)
		}
	}
}

// Telegrams returns the registered telegram names, sorted.
func (e *Engine) Telegrams() []string {
	e.tablesMu.RLock()
	defer e.tablesMu.RUnlock()
	names := make([]string, 0, len(e.triggers))
	for _, t := range e.triggers {
		names = append(names, t.Name())
	}
	sort.Strings(names)
	return names
}

// after runs fn after d unless the engine is closed first.
func (e *Engine) after(d time.Duration, fn func()) {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	if e.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		e.timersMu.Lock()
		_, live := e.timers[t]
		delete(e.timers, t)
		e.timersMu.Unlock()
		if live {
			fn()
		}
	})
	e.timers[t] = struct{}{}
}

// OnMetadata loads a schema message into the registry.
// The first load schedules the update request and moves the engine to Ready;
// later loads only replace the tag set.
func (e *Engine) OnMetadata(meta tagstore.Metadata) {
	e.busMu.Lock()
	defer e.busMu.Unlock()

	n := e.tags.Initialize(meta)

	if e.State() != Uninitialized {
		e.cacheRestartID()
		e.logFn("metadata re-delivered, %d tags reloaded", n)
		return
	}

	e.setState(MetadataLoaded)
	e.after(e.opts.StartupDelay, e.finishStartup)
}

func (e *Engine) finishStartup() {
	e.busMu.Lock()
	defer e.busMu.Unlock()

	if err := e.pub.RequestMetadata(); err != nil {
		e.logFn("update request failed: %v", err)
	}
	e.cacheRestartID()
	e.checkConnectTag()
	e.setState(Ready)
}

func (e *Engine) cacheRestartID() {
	tag, ok := e.tags.ByName(RestartTag)
	e.stateMu.Lock()
	if ok {
		e.restartID = tag.ID
	} else {
		e.restartID = ""
	}
	e.stateMu.Unlock()

	if !ok {
		e.logFn("restart tag %s not in metadata", RestartTag)
	}
}

// checkConnectTag connects when the connect tag already reads true.
func (e *Engine) checkConnectTag() {
	v, ok := e.tags.ValueByName(ConnectTag)
	if !ok {
		e.logFn("connect tag %s not in metadata, link stays down", ConnectTag)
		return
	}
	if Truthy(v) {
		if err := e.link.Connect(); err != nil {
			e.logFn("connect failed: %v", err)
		}
	}
}

// OnBusValues applies a value batch and fires triggers present in it.
// Batches arriving before the engine is Ready are dropped.
func (e *Engine) OnBusValues(b tagstore.Batch) {
	e.busMu.Lock()
	defer e.busMu.Unlock()

	if e.State() != Ready {
		e.debugLogFn("dropping batch seq=%d, engine %s", b.Seq, e.State())
		return
	}

	e.tags.ApplyUpdates(b)

	vals := b.Values()
	if vals == nil {
		return
	}

	e.checkRestart(vals)
	e.checkConnect(vals)

	// Trigger ids are resolved per batch since metadata may have been reloaded.
	e.tablesMu.RLock()
	byID := make(map[string]Telegram, len(e.triggers))
	for name, t := range e.triggers {
		if tag, ok := e.tags.ByName(name); ok {
			byID[tag.ID] = t
		}
	}
	e.tablesMu.RUnlock()

	for _, v := range vals {
		if !Truthy(v.Val) {
			continue
		}
		t, ok := byID[v.ID]
		if !ok {
			continue
		}
		e.debugLogFn("trigger %s (id %s)", TriggerTag(t.Name()), v.ID)
		err := t.Build()
		if err != nil {
			e.logFn("%s request not sent: %v", t.Name(), err)
		}
		if e.hooks.TriggerFired != nil {
			e.hooks.TriggerFired(t.Name(), err)
		}
	}
}

func (e *Engine) checkRestart(vals []tagstore.Value) {
	e.stateMu.RLock()
	id := e.restartID
	e.stateMu.RUnlock()
	if id == "" {
		return
	}
	for _, v := range vals {
		if v.ID != id {
			continue
		}
		if Truthy(v.Val) {
			e.logFn("restart requested, restarting in %s", e.opts.RestartDelay)
			if e.opts.OnRestart != nil {
				e.after(e.opts.RestartDelay, e.opts.OnRestart)
			}
		}
		return
	}
}

func (e *Engine) checkConnect(vals []tagstore.Value) {
	tag, ok := e.tags.ByName(ConnectTag)
	if !ok {
		return
	}
	for _, v := range vals {
		if v.ID != tag.ID {
			continue
		}
		want := Truthy(v.Val)
		connected := e.link.IsConnected()
		switch {
		case want && !connected:
			e.logFn("connect tag set, connecting")
			if err := e.link.Connect(); err != nil {
				e.logFn("connect failed: %v", err)
			}
		case !want:
			// Also cancels a dial in flight or a pending retry.
			if connected {
				e.logFn("connect tag cleared, disconnecting")
			}
			if err := e.link.Disconnect(); err != nil {
				e.logFn("disconnect failed: %v", err)
			}
		}
	}
}

// OnFrame validates one reassembled frame, publishes its header diagnostics
// and hands the body to the telegram registered for its typeId.
func (e *Engine) OnFrame(b []byte) {
	f, err := frame.Decode(b)
	if err != nil {
		e.logFn("frame dropped: %v", err)
		if e.hooks.FrameRejected != nil {
			e.hooks.FrameRejected(err)
		}
		return
	}

	if err := e.pub.PublishTags(Diagnostics(f)); err != nil {
		e.debugLogFn("frame diagnostics not published: %v", err)
	}

	e.tablesMu.RLock()
	t, ok := e.handlers[f.TypeID]
	e.tablesMu.RUnlock()

	if e.hooks.FrameDecoded != nil {
		e.hooks.FrameDecoded(f, ok)
	}

	if !ok {
		e.debugLogFn("no handler for typeId %d", f.TypeID)
		return
	}
	e.debugLogFn("typeId %d -> %s (%d bytes)", f.TypeID, t.Name(), f.DataLength)
	e.handle(t, f.Body)
}

// handle runs a response handler. A panicking handler drops its frame
// and leaves the reader goroutine running.
func (e *Engine) handle(t Telegram, body []byte) {
	defer func() {
		if p := recover(); p != nil {
			e.logFn("%s handler panicked, frame dropped: %v", t.Name(), p)
		}
	}()
	t.Handle(body)
}

// Diagnostics returns the header and footer fields of f keyed by their diagnostic tag names.
func Diagnostics(f frame.Frame) map[string]interface{} {
	const h = tagstore.NameMarker + "frame.response.header."
	const t = tagstore.NameMarker + "frame.response.endHeader."
	return map[string]interface{}{
		h + "version":       f.Version,
		h + "transactionID": f.TransactionID,
		h + "workPlaceID":   f.WorkplaceID,
		h + "requestType":   f.TypeID,
		h + "dataLength":    f.DataLength,
		t + "dataLength":    f.Footer.DataLength,
		t + "requestType":   f.Footer.TypeID,
		t + "workPlaceId":   f.Footer.WorkplaceID,
		t + "transactionId": f.Footer.TransactionID,
	}
}
