package xmlmeta

import "sync"

// Response is a domain-specific decoded response. Every response embeds its envelope.
type Response interface {
	Envelope() Meta
}

// Parser turns a document into a domain response.
type Parser func(doc *Document, meta Meta) Response

// Registry maps typeIds to domain parsers.
type Registry struct {
	mu      sync.RWMutex
	parsers map[int]Parser
}

// NewRegistry creates an empty parser registry.
func NewRegistry() *Registry {
	return &Registry{parsers: make(map[int]Parser)}
}

// Register installs p for typeID, replacing any earlier parser.
func (r *Registry) Register(typeID int, p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[typeID] = p
}

// Dispatch runs the parser registered for meta.TypeID.
// Without one, the envelope itself is the response.
func (r *Registry) Dispatch(doc *Document, meta Meta) Response {
	r.mu.RLock()
	p, ok := r.parsers[meta.TypeID]
	r.mu.RUnlock()

	if !ok {
		return meta
	}
	return p(doc, meta)
}

// Has reports whether a parser is registered for typeID.
func (r *Registry) Has(typeID int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.parsers[typeID]
	return ok
}
