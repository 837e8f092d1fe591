// Package trace keeps a bounded history of frames exchanged with the production server.
package trace

import (
	"sync"
	"time"
)

// DefaultSize is the number of frames kept when no size is given.
const DefaultSize = 256

// Direction of a traced frame.
const (
	RX = "rx"
	TX = "tx"
)

// Entry summarizes one frame.
type Entry struct {
	Seq           uint64    `json:"seq"`
	Time          time.Time `json:"time"`
	Direction     string    `json:"direction"`
	TypeID        uint32    `json:"typeId"`
	Telegram      string    `json:"telegram,omitempty"`
	TransactionID uint32    `json:"transactionId,omitempty"`
	WorkplaceID   string    `json:"workplaceId,omitempty"`
	Bytes         int       `json:"bytes"`
	Error         string    `json:"error,omitempty"`
}

// Ring is a fixed-size circular buffer of frame summaries.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	head    int
	count   int
	size    int
	seq     uint64
}

// NewRing creates a ring with the given capacity.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultSize
	}
	return &Ring{
		entries: make([]Entry, size),
		size:    size,
	}
}

// Add appends e, overwriting the oldest entry if full. Seq and a zero Time are filled in.
func (r *Ring) Add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := (r.head + r.count) % r.size
	if r.count == r.size {
		idx = r.head
		r.head = (r.head + 1) % r.size
	} else {
		r.count++
	}

	r.seq++
	e.Seq = r.seq
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	r.entries[idx] = e
}

// Since returns all entries with Seq strictly greater than seq, oldest first.
func (r *Ring) Since(seq uint64) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]Entry, 0, r.count)
	for i := 0; i < r.count; i++ {
		e := r.entries[(r.head+i)%r.size]
		if e.Seq > seq {
			result = append(result, e)
		}
	}
	return result
}

// Last returns up to n of the newest entries, oldest first.
func (r *Ring) Last(n int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || n > r.count {
		n = r.count
	}
	result := make([]Entry, 0, n)
	for i := r.count - n; i < r.count; i++ {
		result = append(result, r.entries[(r.head+i)%r.size])
	}
	return result
}

// Len returns the number of buffered entries.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
