package gateway

import (
	"sync"
	"time"
)

// EventType identifies the kind of event emitted by the Gateway.
type EventType int

const (
	// Link events
	EventLinkStatus EventType = iota + 1
	EventFrame

	// Dispatch events
	EventDispatchState
	EventTriggerFired
	EventRestartRequested

	// Telegram events
	EventResponse
	EventPreview

	// Tag and status events
	EventTagChanged
	EventStatusChanged
)

// Event is the envelope emitted by the Gateway's EventBus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// LinkEvent is the payload for EventLinkStatus.
type LinkEvent struct {
	Status string
	Target string
	Error  string
}

// TriggerEvent is the payload for EventTriggerFired.
type TriggerEvent struct {
	Telegram string
	Error    string
}

type subscriber struct {
	fn    func(Event)
	types map[EventType]bool // nil means all
}

// EventBus delivers events synchronously to subscribers in the emitting goroutine.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[int]subscriber
	nextID int
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]subscriber)}
}

// Subscribe registers fn for every event and returns its id.
func (b *EventBus) Subscribe(fn func(Event)) int {
	return b.add(subscriber{fn: fn})
}

// SubscribeTypes registers fn for the listed event types only.
func (b *EventBus) SubscribeTypes(fn func(Event), types ...EventType) int {
	set := make(map[EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return b.add(subscriber{fn: fn, types: set})
}

func (b *EventBus) add(s subscriber) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[b.nextID] = s
	return b.nextID
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (b *EventBus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Emit stamps e and hands it to every matching subscriber.
func (b *EventBus) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.subs))
	for _, s := range b.subs {
		if s.types == nil || s.types[e.Type] {
			fns = append(fns, s.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(e)
	}
}
