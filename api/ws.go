package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ltalink/logging"
	"ltalink/status"
	"ltalink/telegram"
)

// Websocket message types.
const (
	MsgStatusUpdate  = "statusUpdate"
	MsgPreviewImages = "previewImages"
)

const (
	clientBuffer   = 16
	broadcastQueue = 64
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
)

// Message is the envelope sent to websocket clients.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan Message
}

// Hub fans messages out to connected websocket clients. A client whose
// buffer is full misses the message; it is not disconnected.
type Hub struct {
	clients    map[string]*wsClient
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan Message
	mu         sync.RWMutex
	done       chan struct{}
	stopOnce   sync.Once

	upgrader websocket.Upgrader
	// initial, if set, produces the message sent to every new client.
	initial func() *Message
}

// NewHub creates and starts a hub.
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[string]*wsClient),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan Message, broadcastQueue),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	go h.run()
	return h
}

// SetStatusSource makes new clients receive the current status snapshot on connect.
func (h *Hub) SetStatusSource(s *status.Store) {
	h.initial = func() *Message {
		return &Message{Type: MsgStatusUpdate, Data: s.Snapshot()}
	}
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			h.mu.Unlock()
			logging.DebugLog(logging.ProtoAPI, "ws client %s connected", c.id)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			h.mu.Unlock()
			logging.DebugLog(logging.ProtoAPI, "ws client %s disconnected", c.id)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for _, c := range h.clients {
				select {
				case c.send <- msg:
				default:
					logging.DebugLog(logging.ProtoAPI, "ws client %s buffer full, dropping %s", c.id, msg.Type)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast queues msg for every client. It never blocks.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		logging.DebugLog(logging.ProtoAPI, "broadcast queue full, dropping %s", msg.Type)
	}
}

// BroadcastStatus sends a statusUpdate message.
func (h *Hub) BroadcastStatus(snap status.Snapshot) {
	h.Broadcast(Message{Type: MsgStatusUpdate, Data: snap})
}

// BroadcastPreview sends a previewImages message.
func (h *Hub) BroadcastPreview(images []telegram.Image) {
	h.Broadcast(Message{Type: MsgPreviewImages, Data: images})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop disconnects every client and ends the hub.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// ServeHTTP upgrades the request and attaches the client to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.DebugLog(logging.ProtoAPI, "ws upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	c := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Message, clientBuffer),
	}
	if h.initial != nil {
		if msg := h.initial(); msg != nil {
			c.send <- *msg
		}
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go h.writer(c)
	h.reader(c)
}

// reader discards client input and detects the close.
func (h *Hub) reader(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writer(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
