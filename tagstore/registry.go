// Package tagstore holds the live controller tags announced by the databus connector,
// indexed both by normalized name and by connector id.
package tagstore

import (
	"reflect"
	"sort"
	"strings"
	"sync"

	"ltalink/logging"
)

// NameMarker is the prefix every logical tag name starts with. Connectors may
// prepend their own path; everything before the marker is stripped.
const NameMarker = "LTA-Data."

// Connector data type names.
const (
	TypeBool   = "Bool"
	TypeString = "String"
	TypeLReal  = "LReal"
	TypeReal   = "Real"
)

var numericTypes = map[string]bool{
	"Byte": true, "Char": true, "Word": true, "DWord": true,
	"SInt": true, "USInt": true, "Int": true, "UInt": true,
	"DInt": true, "UDInt": true, "LInt": true, "ULInt": true,
	TypeReal: true, TypeLReal: true,
}

// IsNumeric reports whether dataType holds a number.
func IsNumeric(dataType string) bool {
	return numericTypes[dataType]
}

// IsInteger reports whether dataType holds an integer.
func IsInteger(dataType string) bool {
	return numericTypes[dataType] && dataType != TypeReal && dataType != TypeLReal
}

// Tag is one controller data point and its last known value.
type Tag struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	DataType   string      `json:"dataType"`
	AccessMode string      `json:"accessMode,omitempty"`
	Value      interface{} `json:"value"`
}

// Registry is the bidirectional name/id tag store.
// Both indexes point at the same *Tag so they can never disagree.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Tag
	byID   map[string]*Tag

	onChange func(Tag)
	logFn    logging.LogFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Tag),
		byID:   make(map[string]*Tag),
		logFn:  logging.Nop,
	}
}

// SetLogFunc sets the logging callback.
func (r *Registry) SetLogFunc(fn logging.LogFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logFn = logging.Prefixed(fn, "TagStore")
}

// SetOnChange registers a callback for every tag whose value changes.
// It is called outside the registry lock.
func (r *Registry) SetOnChange(cb func(Tag)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = cb
}

// NormalizeName strips any connector prefix preceding NameMarker.
func NormalizeName(name string) string {
	if idx := strings.Index(name, NameMarker); idx > 0 {
		return name[idx:]
	}
	return name
}

// ZeroValue returns the initial value for a tag of dataType.
func ZeroValue(dataType string) interface{} {
	switch {
	case numericTypes[dataType]:
		return float64(0)
	case dataType == TypeBool:
		return false
	default:
		return ""
	}
}

// Initialize replaces the whole tag set with the definitions in meta.
// It returns the number of tags loaded. Calling it again fully replaces prior state.
func (r *Registry) Initialize(meta Metadata) int {
	byName := make(map[string]*Tag)
	byID := make(map[string]*Tag)

	for _, conn := range meta.Connections {
		for _, dp := range conn.DataPoints {
			for _, def := range dp.Definitions {
				tag := &Tag{
					ID:         def.ID,
					Name:       NormalizeName(def.Name),
					DataType:   def.DataType,
					AccessMode: def.AccessMode,
					Value:      ZeroValue(def.DataType),
				}
				// A later duplicate replaces the earlier tag in both indexes.
				if old, ok := byName[tag.Name]; ok {
					delete(byID, old.ID)
				}
				if old, ok := byID[tag.ID]; ok {
					delete(byName, old.Name)
				}
				byName[tag.Name] = tag
				byID[tag.ID] = tag
			}
		}
	}

	r.mu.Lock()
	r.byName = byName
	r.byID = byID
	logFn := r.logFn
	r.mu.Unlock()

	logFn("initialized with %d tags", len(byID))
	return len(byID)
}

// ApplyUpdates writes the values of a databus batch into known tags.
// Unknown ids are skipped. It returns the number of tags whose value changed.
func (r *Registry) ApplyUpdates(b Batch) int {
	vals := b.Values()
	if vals == nil {
		r.mu.RLock()
		r.logFn("value message has no vals array")
		r.mu.RUnlock()
		return 0
	}

	var changed []Tag

	r.mu.Lock()
	for _, v := range vals {
		tag, ok := r.byID[v.ID]
		if !ok {
			r.logFn("value for unknown tag id %s ignored", v.ID)
			continue
		}
		if sameValue(tag.Value, v.Val) {
			continue
		}
		tag.Value = v.Val
		changed = append(changed, *tag)
	}
	onChange := r.onChange
	r.mu.Unlock()

	if onChange != nil {
		for _, t := range changed {
			onChange(t)
		}
	}
	return len(changed)
}

// Set overwrites the value of a tag by name. It returns false if the tag is unknown.
func (r *Registry) Set(name string, value interface{}) bool {
	r.mu.Lock()
	tag, ok := r.byName[name]
	if !ok {
		r.mu.Unlock()
		return false
	}
	changed := !sameValue(tag.Value, value)
	tag.Value = value
	snapshot := *tag
	onChange := r.onChange
	r.mu.Unlock()

	if changed && onChange != nil {
		onChange(snapshot)
	}
	return true
}

// ByName returns a copy of the tag with the given normalized name.
func (r *Registry) ByName(name string) (Tag, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tag, ok := r.byName[name]; ok {
		return *tag, true
	}
	return Tag{}, false
}

// ByID returns a copy of the tag with the given connector id.
func (r *Registry) ByID(id string) (Tag, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tag, ok := r.byID[id]; ok {
		return *tag, true
	}
	return Tag{}, false
}

// ValueByName returns only the current value of a tag.
func (r *Registry) ValueByName(name string) (interface{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tag, ok := r.byName[name]; ok {
		return tag.Value, true
	}
	return nil, false
}

// ValueByID returns only the current value of a tag.
func (r *Registry) ValueByID(id string) (interface{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tag, ok := r.byID[id]; ok {
		return tag.Value, true
	}
	return nil, false
}

// All returns a snapshot of every tag ordered by id.
func (r *Registry) All() []Tag {
	r.mu.RLock()
	tags := make([]Tag, 0, len(r.byName))
	for _, tag := range r.byName {
		tags = append(tags, *tag)
	}
	r.mu.RUnlock()

	sort.Slice(tags, func(i, j int) bool { return tags[i].ID < tags[j].ID })
	return tags
}

// Len returns the number of known tags.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func sameValue(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == b
	}
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) {
		return false
	}
	if ta.Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}
