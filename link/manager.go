// Package link manages the TCP connection to the production server.
// The target address and the desired connection state are read live from
// controller tags rather than from static configuration.
package link

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"ltalink/frame"
	"ltalink/logging"
)

// Tags holding the server address.
const (
	PortTag = "LTA-Settings.connection.RemotePort"
)

// AddressTags are the four octet tags of the server IPv4 address, most significant first.
var AddressTags = [4]string{
	"LTA-Settings.connection.RemoteAddress.ADDR[0]",
	"LTA-Settings.connection.RemoteAddress.ADDR[1]",
	"LTA-Settings.connection.RemoteAddress.ADDR[2]",
	"LTA-Settings.connection.RemoteAddress.ADDR[3]",
}

const (
	DefaultReconnectDelay = 10 * time.Second
	DefaultDialTimeout    = 5 * time.Second
	DefaultWriteTimeout   = 10 * time.Second

	readBufferSize = 64 * 1024
)

var (
	ErrNotConnected = errors.New("link: not connected")
	ErrNoTarget     = errors.New("link: no valid server address in tags")
	ErrClosed       = errors.New("link: manager closed")
)

// Status is the state of the link.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// TagReader resolves tag values by name.
type TagReader interface {
	ValueByName(name string) (interface{}, bool)
}

// Target is the server endpoint derived from the address tags.
type Target struct {
	Host string
	Port uint16
}

func (t Target) String() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}

// Options configure a Manager.
type Options struct {
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	MaxFrameBytes  uint32
}

// Hooks observe link activity. Every field is optional.
type Hooks struct {
	// StatusChanged is called after every transition; err is the cause of a drop, if any.
	StatusChanged func(s Status, err error)
	// Frame receives each reassembled frame in arrival order from the reader goroutine.
	Frame func(b []byte)
	// Discarded is called when the reassembler drops its buffer as corrupt.
	Discarded func()
	// Reconnecting is called before each automatic redial.
	Reconnecting func(target Target)
}

// Stats are cumulative link counters.
type Stats struct {
	BytesIn     uint64 `json:"bytesIn"`
	BytesOut    uint64 `json:"bytesOut"`
	FramesIn    uint64 `json:"framesIn"`
	FramesOut   uint64 `json:"framesOut"`
	Reconnects  uint64 `json:"reconnects"`
	Discards    uint64 `json:"discards"`
	LastConnect string `json:"lastConnect,omitempty"`
}

// Manager is the connection state machine.
type Manager struct {
	tags  TagReader
	opts  Options
	hooks Hooks

	writeMu sync.Mutex

	mu        sync.Mutex
	status    Status
	manual    bool
	closed    bool
	conn      net.Conn
	target    Target
	gen       uint64
	reconnect *time.Timer
	lastConn  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	bytesIn, bytesOut   atomic.Uint64
	framesIn, framesOut atomic.Uint64
	reconnects          atomic.Uint64
	discards            atomic.Uint64

	dialer net.Dialer
	logFn  logging.LogFunc
}

// NewManager creates a disconnected manager.
func NewManager(tags TagReader, opts Options) *Manager {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		tags:   tags,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		dialer: net.Dialer{Timeout: opts.DialTimeout},
		logFn:  logging.Nop,
	}
}

// SetLogFunc sets the logging callback.
func (m *Manager) SetLogFunc(fn logging.LogFunc) {
	m.logFn = logging.Prefixed(fn, "Link")
}

// SetHooks installs activity observers. Call before Connect.
func (m *Manager) SetHooks(h Hooks) {
	m.hooks = h
}

// Status returns the current link state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// IsConnected reports whether the link is up.
func (m *Manager) IsConnected() bool {
	return m.Status() == StatusConnected
}

// ManuallyDisconnected reports whether the last transition was requested by Disconnect.
func (m *Manager) ManuallyDisconnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.manual
}

// Target returns the endpoint of the current or last connection attempt.
func (m *Manager) Target() Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// Stats returns a snapshot of the link counters.
func (m *Manager) Stats() Stats {
	s := Stats{
		BytesIn:    m.bytesIn.Load(),
		BytesOut:   m.bytesOut.Load(),
		FramesIn:   m.framesIn.Load(),
		FramesOut:  m.framesOut.Load(),
		Reconnects: m.reconnects.Load(),
		Discards:   m.discards.Load(),
	}
	m.mu.Lock()
	if !m.lastConn.IsZero() {
		s.LastConnect = m.lastConn.Format(time.RFC3339)
	}
	m.mu.Unlock()
	return s
}

// ReadTarget derives the server endpoint from the address and port tags.
// A missing tag or an out-of-range value yields ErrNoTarget.
func ReadTarget(tags TagReader) (Target, error) {
	var octets [4]int
	for i, name := range AddressTags {
		v, ok := tags.ValueByName(name)
		if !ok {
			return Target{}, fmt.Errorf("%w: tag %s not found", ErrNoTarget, name)
		}
		n, ok := toInt(v)
		if !ok || n < 0 || n > 255 {
			return Target{}, fmt.Errorf("%w: invalid address byte %s=%v", ErrNoTarget, name, v)
		}
		octets[i] = n
	}

	v, ok := tags.ValueByName(PortTag)
	if !ok {
		return Target{}, fmt.Errorf("%w: tag %s not found", ErrNoTarget, PortTag)
	}
	port, ok := toInt(v)
	if !ok || port < 0 || port > 65535 {
		return Target{}, fmt.Errorf("%w: invalid port %s=%v", ErrNoTarget, PortTag, v)
	}

	return Target{
		Host: fmt.Sprintf("%d.%d.%d.%d", octets[0], octets[1], octets[2], octets[3]),
		Port: uint16(port),
	}, nil
}

// toInt accepts integral numbers and numeric strings.
func toInt(v interface{}) (int, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		return t, true
	case int32:
		return int(t), true
	case int64:
		f = float64(t)
	case uint16:
		return int(t), true
	case uint32:
		f = float64(t)
	case string:
		p, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		f = p
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

// Connect starts connecting to the address in the tags. It returns once the
// dial is under way; the outcome is reported through Hooks.StatusChanged.
// It is a no-op while connected or connecting.
func (m *Manager) Connect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.status != StatusDisconnected {
		m.mu.Unlock()
		return nil
	}

	target, err := ReadTarget(m.tags)
	if err != nil {
		m.mu.Unlock()
		m.logFn("cannot connect: %v", err)
		return err
	}

	m.manual = false
	m.stopReconnectLocked()
	notify := m.beginDialLocked(target)
	m.mu.Unlock()

	notify()
	return nil
}

// beginDialLocked moves to Connecting and dials in the background.
func (m *Manager) beginDialLocked(target Target) func() {
	m.target = target
	m.gen++
	gen := m.gen
	notify := m.setStatusLocked(StatusConnecting, nil)

	m.wg.Add(1)
	go m.dial(target, gen)

	m.logFn("connecting to %s", target)
	return notify
}

func (m *Manager) dial(target Target, gen uint64) {
	defer m.wg.Done()

	addr := target.String()
	conn, err := m.dialer.DialContext(m.ctx, "tcp", addr)

	m.mu.Lock()
	if gen != m.gen || m.closed || m.manual {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		notify := m.setStatusLocked(StatusDisconnected, err)
		m.scheduleReconnectLocked()
		m.mu.Unlock()

		logging.DebugConnectError(logging.ProtoTCP, addr, err)
		m.logFn("connect to %s failed: %v", addr, err)
		notify()
		return
	}

	m.conn = conn
	m.lastConn = time.Now()
	notify := m.setStatusLocked(StatusConnected, nil)
	m.wg.Add(1)
	go m.readLoop(conn, gen)
	m.mu.Unlock()

	logging.DebugConnect(logging.ProtoTCP, addr)
	m.logFn("connected to %s", addr)
	notify()
}

// readLoop feeds received bytes through a reassembler owned by this connection.
func (m *Manager) readLoop(conn net.Conn, gen uint64) {
	defer m.wg.Done()

	r := frame.NewReassembler(m.opts.MaxFrameBytes)
	buf := make([]byte, readBufferSize)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			m.bytesIn.Add(uint64(n))
			r.AddChunk(buf[:n])

			before := r.Discarded()
			frames := r.ExtractFrames()
			if r.Discarded() != before {
				m.discards.Add(1)
				m.logFn("corrupt frame, receive buffer discarded")
				if m.hooks.Discarded != nil {
					m.hooks.Discarded()
				}
			}
			for _, f := range frames {
				m.framesIn.Add(1)
				logging.DebugRX(logging.ProtoTCP, f)
				if m.hooks.Frame != nil {
					m.hooks.Frame(f)
				}
			}
		}
		if err != nil {
			m.connectionLost(gen, err)
			return
		}
	}
}

// connectionLost handles an unsolicited close or read error.
func (m *Manager) connectionLost(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || m.status != StatusConnected {
		m.mu.Unlock()
		return
	}
	addr := m.target.String()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	notify := m.setStatusLocked(StatusDisconnected, err)
	m.scheduleReconnectLocked()
	m.mu.Unlock()

	logging.DebugDisconnect(logging.ProtoTCP, addr, err.Error())
	m.logFn("connection to %s lost: %v", addr, err)
	notify()
}

// scheduleReconnectLocked arms the retry timer unless the link was disconnected on purpose.
func (m *Manager) scheduleReconnectLocked() {
	if m.manual || m.closed || m.reconnect != nil {
		return
	}
	m.reconnect = time.AfterFunc(m.opts.ReconnectDelay, m.retry)
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

func (m *Manager) retry() {
	m.mu.Lock()
	m.reconnect = nil
	if m.manual || m.closed || m.status != StatusDisconnected {
		m.mu.Unlock()
		return
	}

	target, err := ReadTarget(m.tags)
	if err != nil {
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		m.logFn("reconnect postponed: %v", err)
		return
	}

	m.reconnects.Add(1)
	notify := m.beginDialLocked(target)
	m.mu.Unlock()

	if m.hooks.Reconnecting != nil {
		m.hooks.Reconnecting(target)
	}
	notify()
}

// Disconnect closes the link and suppresses automatic reconnection until
// the next Connect. It is a no-op while already disconnected.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	pending := m.reconnect != nil
	m.stopReconnectLocked()
	if m.status == StatusDisconnected {
		if pending {
			m.manual = true
		}
		m.mu.Unlock()
		return nil
	}

	m.manual = true
	m.gen++
	addr := m.target.String()
	var err error
	if m.conn != nil {
		err = m.conn.Close()
		m.conn = nil
	}
	notify := m.setStatusLocked(StatusDisconnected, nil)
	m.mu.Unlock()

	logging.DebugDisconnect(logging.ProtoTCP, addr, "manual")
	m.logFn("disconnected from %s", addr)
	notify()
	return err
}

// Send writes one encoded frame. Writes are serialized on writeMu so a slow
// peer does not block status queries or Disconnect.
func (m *Manager) Send(b []byte) error {
	m.mu.Lock()
	conn := m.conn
	if m.status != StatusConnected || conn == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.mu.Unlock()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
	n, err := conn.Write(b)
	m.bytesOut.Add(uint64(n))
	if err != nil {
		return fmt.Errorf("link: write: %w", err)
	}
	m.framesOut.Add(1)
	logging.DebugTX(logging.ProtoTCP, b)
	return nil
}

// Close tears the link down for good and waits for its goroutines.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.manual = true
	m.gen++
	m.stopReconnectLocked()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	notify := m.setStatusLocked(StatusDisconnected, nil)
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	notify()
	return nil
}

// setStatusLocked records a transition and returns the deferred notification.
func (m *Manager) setStatusLocked(s Status, err error) func() {
	if m.status == s && err == nil {
		return func() {}
	}
	m.status = s
	cb := m.hooks.StatusChanged
	return func() {
		if cb != nil {
			cb(s, err)
		}
	}
}
