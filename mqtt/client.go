// Package mqtt is the databus client. It consumes the controller connector's
// value, metadata and status topics and publishes tag values back by name.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"ltalink/config"
	"ltalink/logging"
	"ltalink/status"
	"ltalink/tagstore"
)

const (
	// ReconnectInterval is the pause between broker connection attempts.
	ReconnectInterval = 10 * time.Second

	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	qos            = 1
)

// ErrNotConnected is returned when publishing without a broker connection.
var ErrNotConnected = errors.New("mqtt: not connected")

// Handlers receive decoded databus messages in arrival order. Every field is optional.
type Handlers struct {
	Metadata func(tagstore.Metadata)
	Values   func(tagstore.Batch)
	Status   func(status.Message)
	// Databus reports the client's own connection state.
	Databus func(status.State)
}

// Stats are cumulative message counters.
type Stats struct {
	Received  uint64 `json:"received"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

// Client connects to the databus broker.
type Client struct {
	cfg  config.DatabusConfig
	tags *tagstore.Registry

	mu       sync.RWMutex
	client   pahomqtt.Client
	running  bool
	handlers Handlers

	// send delivers a payload to a topic; replaced in tests.
	send func(topic string, payload []byte) error

	seq                 atomic.Int64
	received, published atomic.Uint64
	dropped             atomic.Uint64

	logFn logging.LogFunc
}

// NewClient creates a client for the databus described by cfg.
// Outbound values are typed and mirrored through tags.
func NewClient(cfg config.DatabusConfig, tags *tagstore.Registry) *Client {
	c := &Client{
		cfg:   cfg,
		tags:  tags,
		logFn: logging.Nop,
	}
	c.send = c.publish
	return c
}

// SetLogFunc sets the logging callback.
func (c *Client) SetLogFunc(fn logging.LogFunc) {
	c.logFn = logging.Prefixed(fn, "Databus")
}

// SetHandlers installs the message handlers. Call before Start.
func (c *Client) SetHandlers(h Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

// Address returns the broker URL.
func (c *Client) Address() string {
	return c.cfg.BrokerURL()
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running && c.client != nil && c.client.IsConnectionOpen()
}

// Stats returns the message counters.
func (c *Client) Stats() Stats {
	return Stats{
		Received:  c.received.Load(),
		Published: c.published.Load(),
		Dropped:   c.dropped.Load(),
	}
}

// Start connects to the broker. The client keeps retrying in the background
// when the broker is not reachable yet, so a timeout is not an error.
func (c *Client) Start() error {
	c.mu.RLock()
	if c.running {
		c.mu.RUnlock()
		return nil
	}
	c.mu.RUnlock()

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(c.cfg.BrokerURL())
	if c.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetClientID(c.cfg.ClientID)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(ReconnectInterval)
	opts.SetMaxReconnectInterval(ReconnectInterval)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOrderMatters(true)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.logFn("connection lost: %v", err)
		logging.DebugDisconnect(logging.ProtoMQTT, c.cfg.BrokerURL(), err.Error())
		c.reportState(status.Disconnected)
	})
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		c.logFn("reconnecting to %s", c.cfg.BrokerURL())
	})

	client := pahomqtt.NewClient(opts)
	c.logFn("connecting to %s as %s", c.cfg.BrokerURL(), c.cfg.ClientID)

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.client = client
	c.running = true
	c.mu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		c.logFn("broker not reachable yet, retrying every %s", ReconnectInterval)
		return nil
	}
	if err := token.Error(); err != nil {
		logging.DebugConnectError(logging.ProtoMQTT, c.cfg.BrokerURL(), err)
		c.mu.Lock()
		c.running = false
		c.client = nil
		c.mu.Unlock()
		c.reportState(status.Error)
		return fmt.Errorf("mqtt: connect %s: %w", c.cfg.BrokerURL(), err)
	}
	return nil
}

// onConnect runs after every (re)connection; subscriptions are renewed each time.
func (c *Client) onConnect(client pahomqtt.Client) {
	c.logFn("connected to %s", c.cfg.BrokerURL())
	logging.DebugConnect(logging.ProtoMQTT, c.cfg.BrokerURL())
	c.reportState(status.Connected)

	for _, topic := range c.Topics() {
		token := client.Subscribe(topic, qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			c.HandleMessage(msg.Topic(), msg.Payload())
		})
		if !token.WaitTimeout(publishTimeout) {
			c.logFn("subscribe %s timed out", topic)
			continue
		}
		if err := token.Error(); err != nil {
			c.logFn("subscribe %s: %v", topic, err)
			continue
		}
		c.logFn("subscribed to %s", topic)
	}
}

// Topics returns the topics the client subscribes to.
func (c *Client) Topics() []string {
	t := c.cfg.Topics
	topics := make([]string, 0, 3)
	for _, s := range []string{t.Read, t.Status, t.Metadata} {
		if s != "" {
			topics = append(topics, s)
		}
	}
	return topics
}

func (c *Client) reportState(st status.State) {
	c.mu.RLock()
	cb := c.handlers.Databus
	c.mu.RUnlock()
	if cb != nil {
		cb(st)
	}
}

// Stop disconnects from the broker.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.running || c.client == nil {
		c.mu.Unlock()
		return
	}
	c.running = false
	client := c.client
	c.client = nil
	c.mu.Unlock()

	client.Disconnect(500)
	logging.DebugDisconnect(logging.ProtoMQTT, c.cfg.BrokerURL(), "stop")
	c.logFn("disconnected")
	c.reportState(status.Disconnected)
}

// HandleMessage decodes one databus message and routes it by topic.
func (c *Client) HandleMessage(topic string, payload []byte) {
	c.received.Add(1)
	logging.DebugLog(logging.ProtoMQTT, "RX %s %d bytes", topic, len(payload))

	c.mu.RLock()
	h := c.handlers
	c.mu.RUnlock()

	t := c.cfg.Topics
	switch topic {
	case t.Status:
		msg, err := status.ParseMessage(payload)
		if err != nil {
			c.drop(topic, err)
			return
		}
		if h.Status != nil {
			h.Status(msg)
		}
	case t.Metadata:
		meta, err := tagstore.ParseMetadata(payload)
		if err != nil {
			c.drop(topic, err)
			return
		}
		c.logFn("metadata received (%d connections)", len(meta.Connections))
		if h.Metadata != nil {
			h.Metadata(meta)
		}
	case t.Read:
		b, err := tagstore.ParseBatch(payload)
		if err != nil {
			c.drop(topic, err)
			return
		}
		if h.Values != nil {
			h.Values(b)
		}
	default:
		c.dropped.Add(1)
		c.logFn("message on unexpected topic %s ignored", topic)
	}
}

func (c *Client) drop(topic string, err error) {
	c.dropped.Add(1)
	c.logFn("invalid message on %s: %v", topic, err)
}

// PublishTags writes values to the controller by tag name. Names the registry
// does not know are skipped. Values are converted to each tag's data type and,
// once published, mirrored into the registry.
func (c *Client) PublishTags(values map[string]interface{}) error {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	vals := make([]tagstore.Value, 0, len(names))
	published := make([]string, 0, len(names))
	var missing []string
	for _, name := range names {
		tag, ok := c.tags.ByName(name)
		if !ok {
			missing = append(missing, name)
			continue
		}
		v, err := ConvertValue(values[name], tag.DataType)
		if err != nil {
			c.logFn("%s (%s): %v, sending %v", name, tag.DataType, err, v)
		}
		vals = append(vals, tagstore.Value{ID: tag.ID, Val: v})
		published = append(published, name)
	}
	if len(missing) > 0 {
		logging.DebugLog(logging.ProtoMQTT, "skipping undeclared tags: %s", strings.Join(missing, ", "))
	}
	if len(vals) == 0 {
		return nil
	}

	payload, err := json.Marshal(tagstore.Batch{Seq: int(c.seq.Add(1)), Vals: vals})
	if err != nil {
		return fmt.Errorf("mqtt: encode values: %w", err)
	}
	if err := c.send(c.cfg.Topics.Write, payload); err != nil {
		return err
	}

	for _, name := range published {
		c.tags.Set(name, values[name])
	}
	return nil
}

// RequestMetadata asks the connector to resend all current values.
func (c *Client) RequestMetadata() error {
	payload, err := json.Marshal(map[string]string{"Path": c.cfg.UpdatePath})
	if err != nil {
		return err
	}
	c.logFn("requesting values for %s", c.cfg.UpdatePath)
	return c.send(c.cfg.Topics.Update, payload)
}

func (c *Client) publish(topic string, payload []byte) error {
	c.mu.RLock()
	client := c.client
	running := c.running
	c.mu.RUnlock()

	if !running || client == nil || !client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish to %s: %w", topic, err)
	}
	c.published.Add(1)
	logging.DebugLog(logging.ProtoMQTT, "TX %s %s", topic, payload)
	return nil
}
