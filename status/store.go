// Package status tracks the health of the gateway's three links: the databus
// client, the production server connection and the controller connector.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ltalink/logging"
)

// State is a normalized link state.
type State string

const (
	Connected    State = "connected"
	Disconnected State = "disconnected"
	Error        State = "error"
)

// Keys of the fixed entries in a Snapshot.
const (
	KeyDatabus    = "databus"
	KeyLogotronic = "logotronic"
	KeyConnector  = "connector"
)

// Health tags published periodically to the controller.
const (
	HealthPLCTag    = "LTA-Settings.application.status.health.plc"
	HealthServerTag = "LTA-Settings.application.status.health.server"
	HealthAppTag    = "LTA-Settings.application.status.health.app"
)

// DefaultHealthInterval is the health tag publishing period.
const DefaultHealthInterval = 10 * time.Second

// Message is the connector status message from the databus.
type Message struct {
	Connector   *ConnectorStatus   `json:"connector"`
	Connections []ConnectionStatus `json:"connections"`
	Seq         int                `json:"seq"`
	TS          string             `json:"ts"`
}

// ConnectorStatus is the connector's own state.
type ConnectorStatus struct {
	Status string `json:"status"`
}

// ConnectionStatus is the state of one named controller connection.
type ConnectionStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// ParseMessage decodes a connector status message.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Snapshot maps link names to states. It always holds the databus,
// logotronic and connector keys plus one key per named connection.
type Snapshot map[string]State

// Normalize maps a connector status word to a State.
// The second result is false for words it does not recognize.
func Normalize(raw string) (State, bool) {
	switch strings.ToLower(raw) {
	case "good", "available":
		return Connected, true
	case "bad", "error", "unavailable":
		return Disconnected, true
	}
	return Error, false
}

// ListenerID identifies a registered change listener.
type ListenerID string

// Store holds the current states. It is safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	databus    State
	logotronic State
	connector  State
	machines   map[string]State

	listeners  map[ListenerID]func(Snapshot)
	listenerMu sync.RWMutex
	listenerN  uint64

	logFn logging.LogFunc
}

// NewStore creates a store with every link disconnected.
func NewStore() *Store {
	return &Store{
		databus:    Disconnected,
		logotronic: Disconnected,
		connector:  Disconnected,
		machines:   make(map[string]State),
		listeners:  make(map[ListenerID]func(Snapshot)),
		logFn:      logging.Nop,
	}
}

// SetLogFunc sets the logging callback.
func (s *Store) SetLogFunc(fn logging.LogFunc) {
	s.logFn = logging.Prefixed(fn, "Status")
}

// AddListener registers a callback run after every change with the new snapshot.
func (s *Store) AddListener(cb func(Snapshot)) ListenerID {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	id := ListenerID(fmt.Sprintf("status-%d", atomic.AddUint64(&s.listenerN, 1)))
	s.listeners[id] = cb
	return id
}

// RemoveListener unregisters a callback.
func (s *Store) RemoveListener(id ListenerID) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	delete(s.listeners, id)
}

func (s *Store) notify() {
	snap := s.Snapshot()
	s.listenerMu.RLock()
	cbs := make([]func(Snapshot), 0, len(s.listeners))
	for _, cb := range s.listeners {
		cbs = append(cbs, cb)
	}
	s.listenerMu.RUnlock()
	for _, cb := range cbs {
		cb(snap)
	}
}

// Snapshot returns a copy of all states.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(Snapshot, len(s.machines)+3)
	for name, st := range s.machines {
		snap[name] = st
	}
	snap[KeyDatabus] = s.databus
	snap[KeyLogotronic] = s.logotronic
	snap[KeyConnector] = s.connector
	return snap
}

// Databus returns the databus client state.
func (s *Store) Databus() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.databus
}

// Logotronic returns the production server link state.
func (s *Store) Logotronic() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logotronic
}

// Connector returns the controller connector state.
func (s *Store) Connector() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connector
}

// SetDatabus records the databus client state.
func (s *Store) SetDatabus(st State) {
	if s.set(&s.databus, st) {
		s.logFn("databus %s", st)
		s.notify()
	}
}

// SetLogotronic records the production server link state.
func (s *Store) SetLogotronic(st State) {
	if s.set(&s.logotronic, st) {
		s.logFn("logotronic %s", st)
		s.notify()
	}
}

func (s *Store) set(field *State, st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *field == st {
		return false
	}
	*field = st
	return true
}

// Update applies a connector status message. Messages without a connector
// object are ignored. It reports whether anything changed.
func (s *Store) Update(m Message) bool {
	if m.Connector == nil || m.Connector.Status == "" {
		s.logFn("status message without connector status ignored")
		return false
	}

	s.mu.Lock()
	changed := false
	var unknown []string

	st, ok := Normalize(m.Connector.Status)
	if !ok {
		unknown = append(unknown, m.Connector.Status)
	}
	if s.connector != st {
		s.connector = st
		changed = true
	}
	for _, c := range m.Connections {
		st, ok := Normalize(c.Status)
		if !ok {
			unknown = append(unknown, c.Status)
		}
		if cur, exists := s.machines[c.Name]; !exists || cur != st {
			s.machines[c.Name] = st
			changed = true
		}
	}
	s.mu.Unlock()

	for _, u := range unknown {
		s.logFn("unknown status value %q", u)
	}
	if changed {
		s.notify()
	}
	return changed
}

// Names returns the named connections seen so far, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.machines))
	for n := range s.machines {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Publisher writes tag values to the databus by tag name.
type Publisher interface {
	PublishTags(values map[string]interface{}) error
}

// TagLookup reports whether tags are declared.
type TagLookup interface {
	ValueByName(name string) (interface{}, bool)
}

func numeric(st State) int {
	if st == Connected {
		return 1
	}
	return 0
}

// HealthValues returns the health tag values for the current states.
// The app tag is always 1.
func (s *Store) HealthValues() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		HealthPLCTag:    numeric(s.connector),
		HealthServerTag: numeric(s.logotronic),
		HealthAppTag:    1,
	}
}

// PublishHealth publishes the health tags once. It is skipped while the
// databus is down or before all three tags are declared.
func (s *Store) PublishHealth(pub Publisher, tags TagLookup) error {
	if s.Databus() != Connected {
		return nil
	}
	var missing []string
	for _, name := range []string{HealthPLCTag, HealthServerTag, HealthAppTag} {
		if _, ok := tags.ValueByName(name); !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		s.logFn("health tags not declared yet: %s", strings.Join(missing, ", "))
		return nil
	}
	vals := s.HealthValues()
	if err := pub.PublishTags(vals); err != nil {
		return fmt.Errorf("publish health: %w", err)
	}
	return nil
}

// RunHealth publishes the health tags every interval until ctx is done.
func (s *Store) RunHealth(ctx context.Context, interval time.Duration, pub Publisher, tags TagLookup) error {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.PublishHealth(pub, tags); err != nil {
				s.logFn("%v", err)
			}
		}
	}
}
