// Package valkey mirrors controller tag values, handled responses and gateway
// status into a Valkey/Redis server for consumers outside the databus.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"ltalink/config"
	"ltalink/logging"
)

// queueSize bounds the writes waiting for the server.
const queueSize = 1024

// joinKey joins key segments with colons, trimming leading/trailing colons
// from each segment to avoid empty key parts (e.g., "foo::bar" or ":foo:bar:").
func joinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// TagMessage is a tag value stored under <prefix>:tags:<name>.
type TagMessage struct {
	Tag       string      `json:"tag"`
	ID        string      `json:"id,omitempty"`
	Type      string      `json:"type"`
	Value     interface{} `json:"value"`
	Timestamp time.Time   `json:"timestamp"`
}

// ResponseMessage is the last handled response of a telegram, stored under <prefix>:responses:<name>.
type ResponseMessage struct {
	Telegram    string                 `json:"telegram"`
	TypeID      uint32                 `json:"typeId"`
	ReturnCode  int                    `json:"returnCode"`
	ErrorReason string                 `json:"errorReason,omitempty"`
	Values      map[string]interface{} `json:"values"`
	Timestamp   time.Time              `json:"timestamp"`
}

// write is one queued SET plus optional PUBLISH.
type write struct {
	key     string
	channel string
	data    []byte
}

// Publisher writes gateway state to a Valkey server.
// Writes are queued and sent by a single worker so callers never block on the network.
type Publisher struct {
	config  *config.ValkeyConfig
	client  *redis.Client
	running bool
	mu      sync.RWMutex

	queue   chan write
	dropped atomic.Uint64
	logFn   logging.LogFunc

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPublisher creates a new Valkey publisher.
func NewPublisher(cfg *config.ValkeyConfig) *Publisher {
	return &Publisher{
		config:   cfg,
		logFn:    logging.Nop,
		stopChan: make(chan struct{}),
	}
}

// SetLogFunc sets the logging callback.
func (p *Publisher) SetLogFunc(fn logging.LogFunc) {
	p.logFn = logging.Prefixed(fn, "Valkey")
}

// Start connects to the Valkey server and starts the write worker.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	// Connect and ping without holding the lock.
	client := redis.NewClient(opts)
	logging.DebugLog(logging.ProtoValkey, "connecting to %s (DB %d, TLS %v)", p.config.Address, p.config.Database, p.config.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		logging.DebugConnectError(logging.ProtoValkey, p.config.Address, err)
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}
	logging.DebugConnect(logging.ProtoValkey, p.config.Address)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		client.Close()
		return nil
	}
	p.client = client
	p.running = true
	p.stopChan = make(chan struct{})
	p.queue = make(chan write, queueSize)

	p.wg.Add(1)
	go p.worker(client, p.queue, p.stopChan)

	p.logFn("connected to %s", p.Address())
	return nil
}

// Stop stops the write worker and disconnects.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopChan)
	client := p.client
	p.client = nil
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
	}

	logging.DebugDisconnect(logging.ProtoValkey, p.config.Address, "stopped")
	if client != nil {
		return client.Close()
	}
	return nil
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Address returns the server address.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

// Dropped returns how many writes were discarded because the queue was full.
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

// TagKey returns the key a tag value is stored under.
func (p *Publisher) TagKey(name string) string {
	return joinKey(p.config.KeyPrefix, "tags", name)
}

// ResponseKey returns the key the last response of a telegram is stored under.
func (p *Publisher) ResponseKey(telegram string) string {
	return joinKey(p.config.KeyPrefix, "responses", telegram)
}

// StatusKey returns the key the gateway status is stored under.
func (p *Publisher) StatusKey() string {
	return joinKey(p.config.KeyPrefix, "status")
}

// PublishTag stores a tag value.
func (p *Publisher) PublishTag(name, id, dataType string, value interface{}) error {
	return p.enqueue(p.TagKey(name), joinKey(p.config.KeyPrefix, "changes"), TagMessage{
		Tag:       name,
		ID:        id,
		Type:      dataType,
		Value:     value,
		Timestamp: time.Now().UTC(),
	})
}

// PublishResponse stores the last handled response of a telegram.
func (p *Publisher) PublishResponse(msg ResponseMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return p.enqueue(p.ResponseKey(msg.Telegram), joinKey(p.config.KeyPrefix, "responses"), msg)
}

// PublishStatus stores the gateway status snapshot.
func (p *Publisher) PublishStatus(status interface{}) error {
	return p.enqueue(p.StatusKey(), joinKey(p.config.KeyPrefix, "status"), status)
}

func (p *Publisher) enqueue(key, channel string, msg interface{}) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	w := write{key: key, data: data}
	if p.config.PublishChanges {
		w.channel = channel
	}

	select {
	case p.queue <- w:
		return nil
	default:
		p.dropped.Add(1)
		return fmt.Errorf("valkey queue full, %s dropped", key)
	}
}

func (p *Publisher) worker(client *redis.Client, queue <-chan write, stop <-chan struct{}) {
	defer p.wg.Done()
	for {
		select {
		case <-stop:
			return
		case w := <-queue:
			if err := p.send(client, w); err != nil {
				logging.DebugLog(logging.ProtoValkey, "%v", err)
			}
		}
	}
}

func (p *Publisher) send(client *redis.Client, w write) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pipe := client.Pipeline()
	pipe.Set(ctx, w.key, w.data, p.config.KeyTTL)
	if w.channel != "" {
		pipe.Publish(ctx, w.channel, w.data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set %s: %w", w.key, err)
	}
	logging.DebugLog(logging.ProtoValkey, "SET %s (%d bytes)", w.key, len(w.data))
	return nil
}
