// Package telegram holds the production server message catalog. Each telegram
// builds its request from LTA-Data.<name>.toServer.* tags when its trigger
// fires, and publishes the decoded response to LTA-Data.<name>.toMachine.* tags.
package telegram

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"ltalink/dispatch"
	"ltalink/frame"
	"ltalink/logging"
	"ltalink/tagstore"
	"ltalink/xmlmeta"
)

// Request frame header tags.
const (
	HeaderVersionTag       = "LTA-Data.frame.request.header.version"
	HeaderTransactionIDTag = "LTA-Data.frame.request.header.transactionID"
	HeaderWorkplaceIDTag   = "LTA-Data.frame.request.header.workPlaceID"

	DefaultTransactionID = 1
	DefaultWorkplaceID   = "LTA"
	DefaultDoneDelay     = time.Second
)

// limitPrefix is where the controller publishes list size limits.
const limitPrefix = "LTA-Settings.application.limitations."

var (
	// ErrNoLink is returned by builders when no sender is attached.
	ErrNoLink = errors.New("telegram: no server link")
	// ErrFieldRange is returned when a request tag holds a value its field cannot carry.
	ErrFieldRange = errors.New("telegram: field value out of range")
)

// Tags resolves live tag values by name.
type Tags interface {
	ValueByName(name string) (interface{}, bool)
}

// Sender writes one encoded frame to the production server.
type Sender interface {
	Send(b []byte) error
}

// Publisher writes tag values to the databus by name.
type Publisher interface {
	PublishTags(values map[string]interface{}) error
}

// Event describes one handled response.
type Event struct {
	Name        string                 `json:"name"`
	TypeID      uint32                 `json:"typeId"`
	ReturnCode  int                    `json:"returnCode"`
	ErrorReason string                 `json:"errorReason,omitempty"`
	Values      map[string]interface{} `json:"values"`
	Time        time.Time              `json:"time"`
}

// Image is one preview picture ready for an <img> element.
type Image struct {
	Side    string `json:"side"`
	DataURL string `json:"dataUrl"`
}

// Hooks observe telegram traffic. Every field is optional.
type Hooks struct {
	Sent     func(name string, typeID uint32, bytes int)
	Response func(Event)
	Preview  func(images []Image)
}

// Options configure an Env.
type Options struct {
	DoneDelay    time.Duration
	ErrorTextDir string
}

// Env is what every telegram needs: tag values, the server link and the databus.
type Env struct {
	tags Tags
	link Sender
	pub  Publisher
	opts Options
	now  func() time.Time

	hooks   Hooks
	logFn   logging.LogFunc
	parsers *xmlmeta.Registry

	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}
	closed   bool
}

// NewEnv creates the shared telegram environment.
func NewEnv(tags Tags, link Sender, pub Publisher, opts Options) *Env {
	if opts.DoneDelay <= 0 {
		opts.DoneDelay = DefaultDoneDelay
	}
	return &Env{
		tags:   tags,
		link:   link,
		pub:    pub,
		opts:   opts,
		now:    time.Now,
		logFn:   logging.Nop,
		parsers: xmlmeta.NewRegistry(),
		timers:  make(map[*time.Timer]struct{}),
	}
}

// Parsers returns the XML response parsers keyed by typeId.
func (e *Env) Parsers() *xmlmeta.Registry {
	return e.parsers
}

// SetLogFunc sets the logging callback.
func (e *Env) SetLogFunc(fn logging.LogFunc) {
	e.logFn = logging.Prefixed(fn, "Telegram")
}

// SetHooks installs traffic observers.
func (e *Env) SetHooks(h Hooks) {
	e.hooks = h
}

// Close cancels pending done acknowledgements.
func (e *Env) Close() {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	e.closed = true
	for t := range e.timers {
		t.Stop()
	}
	e.timers = nil
}

func (e *Env) after(d time.Duration, fn func()) {
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

func (e *Env) value(name string) (interface{}, bool) {
	if e.tags == nil {
		return nil, false
	}
	return e.tags.ValueByName(name)
}

// text returns the tag value as a string, or def when the tag is absent or
// holds an empty value (false, 0, "").
func (e *Env) text(name, def string) string {
	v, ok := e.value(name)
	if !ok || !set(v) {
		return def
	}
	return format(v)
}

// number returns the tag value as an integer, or def when absent, empty or not numeric.
func (e *Env) number(name string, def int64) int64 {
	v, ok := e.value(name)
	if !ok || !set(v) {
		return def
	}
	n, ok := toInt(v)
	if !ok {
		return def
	}
	return n
}

// typeID returns the request type id override for a telegram, or def.
func (e *Env) typeID(name string, def uint32) uint32 {
	n := e.number(tagstore.NameMarker+name+".toServer.typeId", int64(def))
	if n < 0 || n > math.MaxUint32 {
		return def
	}
	return uint32(n)
}

// Limit returns LTA-Settings.application.limitations.<name> or def.
func (e *Env) Limit(name string, def int) int {
	n := e.number(limitPrefix+name, int64(def))
	if n <= 0 {
		return def
	}
	return int(n)
}

// Header returns the request frame header for typeID.
func (e *Env) Header(typeID uint32) frame.Header {
	h := frame.Header{
		Version:       uint32(e.number(HeaderVersionTag, 0)),
		TransactionID: uint32(e.number(HeaderTransactionIDTag, DefaultTransactionID)),
		WorkplaceID:   e.text(HeaderWorkplaceIDTag, DefaultWorkplaceID),
		TypeID:        typeID,
	}
	if _, ok := e.value(HeaderTransactionIDTag); !ok {
		logging.DebugLog(logging.ProtoFrame, "%s not declared, transactionID %d", HeaderTransactionIDTag, DefaultTransactionID)
	}
	return h
}

func (e *Env) send(name string, typeID uint32, b []byte) error {
	if e.link == nil {
		return ErrNoLink
	}
	if err := e.link.Send(b); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	e.logFn("%s request sent (typeId %d, %d bytes)", name, typeID, len(b))
	if e.hooks.Sent != nil {
		e.hooks.Sent(name, typeID, len(b))
	}
	return nil
}

// known reports whether the registry declares the tag.
func (e *Env) known(name string) bool {
	_, ok := e.value(name)
	return ok
}

func (e *Env) publish(values map[string]interface{}) error {
	if e.pub == nil {
		return nil
	}
	return e.pub.PublishTags(values)
}

// acknowledge sets the telegram's done tag after the configured delay.
func (e *Env) acknowledge(name string) {
	tag := dispatch.DoneTag(name)
	e.after(e.opts.DoneDelay, func() {
		if !e.known(tag) {
			e.logFn("%s not declared, no completion sent", tag)
			return
		}
		if err := e.publish(map[string]interface{}{tag: true}); err != nil {
			e.logFn("%s: %v", tag, err)
		}
	})
}

func (e *Env) emit(ev Event) {
	if e.hooks.Response != nil {
		e.hooks.Response(ev)
	}
}

// set mirrors the controller's notion of an empty tag value.
func set(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	}
	if f, ok := toFloat(v); ok {
		return f != 0 && !math.IsNaN(f)
	}
	return true
}

func format(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	}
	return fmt.Sprint(v)
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	}
	return 0, false
}

func toInt(v interface{}) (int64, bool) {
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return int64(f), true
	}
	if b, ok := v.(bool); ok {
		if b {
			return 1, true
		}
		return 0, true
	}
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(f), true
}
