package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"ltalink/config"
	"ltalink/logging"
)

// ErrNotConnected is returned by Produce before Connect succeeded.
var ErrNotConnected = errors.New("kafka: not connected")

// ConnectionStatus represents the state of a Kafka connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Producer writes messages to the configured topic.
type Producer struct {
	config  *config.KafkaConfig
	writer  *kafka.Writer
	status  ConnectionStatus
	lastErr error
	mu      sync.RWMutex

	// Stats
	messagesSent  int64
	messagesError int64
	lastSendTime  time.Time
}

// NewProducer creates a new Kafka producer.
func NewProducer(cfg *config.KafkaConfig) *Producer {
	return &Producer{
		config: cfg,
		status: StatusDisconnected,
	}
}

// GetStatus returns the current connection status.
func (p *Producer) GetStatus() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// GetError returns the last error.
func (p *Producer) GetError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// GetStats returns producer statistics.
func (p *Producer) GetStats() (sent, errors int64, lastSend time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.messagesSent, p.messagesError, p.lastSendTime
}

func (p *Producer) fail(err error) error {
	p.mu.Lock()
	p.status = StatusError
	p.lastErr = err
	p.mu.Unlock()
	return err
}

// Connect checks broker reachability and creates the topic writer.
func (p *Producer) Connect(ctx context.Context) error {
	if len(p.config.Brokers) == 0 {
		return p.fail(fmt.Errorf("kafka: no brokers configured"))
	}

	p.mu.Lock()
	p.status = StatusConnecting
	p.lastErr = nil
	p.mu.Unlock()

	logging.DebugLog(logging.ProtoKafka, "connecting to brokers %v", p.config.Brokers)

	dialer, err := p.createDialer()
	if err != nil {
		return p.fail(err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var conn *kafka.Conn
	for _, broker := range p.config.Brokers {
		conn, err = dialer.DialContext(dialCtx, "tcp", broker)
		if err == nil {
			break
		}
		logging.DebugConnectError(logging.ProtoKafka, broker, err)
	}
	if err != nil {
		return p.fail(fmt.Errorf("failed to connect: %w", err))
	}
	conn.Close()

	transport, err := p.createTransport()
	if err != nil {
		return p.fail(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer != nil {
		p.writer.Close()
	}
	p.writer = &kafka.Writer{
		Addr:      kafka.TCP(p.config.Brokers...),
		Topic:     p.config.Topic,
		Balancer:  &kafka.Hash{},
		Transport: transport,

		// Delivery guarantees
		RequiredAcks: kafka.RequiredAcks(p.config.RequiredAcks),
		Async:        false,
		MaxAttempts:  p.config.MaxRetries,

		BatchSize:    100,
		BatchBytes:   1048576,
		BatchTimeout: 10 * time.Millisecond,

		AllowAutoTopicCreation: true,
	}
	p.status = StatusConnected
	logging.DebugConnect(logging.ProtoKafka, p.config.Topic)
	return nil
}

// Disconnect closes the writer.
func (p *Producer) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writer != nil {
		p.writer.Close()
		p.writer = nil
	}
	p.status = StatusDisconnected
	p.lastErr = nil
	logging.DebugDisconnect(logging.ProtoKafka, p.config.Topic, "closed")
}

// Produce writes messages in a single call, blocking until they are acknowledged.
func (p *Producer) Produce(ctx context.Context, messages ...kafka.Message) error {
	if len(messages) == 0 {
		return nil
	}

	p.mu.RLock()
	writer := p.writer
	p.mu.RUnlock()
	if writer == nil {
		return ErrNotConnected
	}

	start := time.Now()
	if err := writer.WriteMessages(ctx, messages...); err != nil {
		p.mu.Lock()
		p.messagesError += int64(len(messages))
		p.lastErr = err
		p.mu.Unlock()
		logging.DebugLog(logging.ProtoKafka, "PRODUCE %s: FAILED (%d msgs) after %v: %v",
			p.config.Topic, len(messages), time.Since(start), err)
		return fmt.Errorf("kafka produce failed: %w", err)
	}

	if d := time.Since(start); d > 100*time.Millisecond {
		logging.DebugLog(logging.ProtoKafka, "PRODUCE %s: %d msgs took %v", p.config.Topic, len(messages), d)
	}

	p.mu.Lock()
	p.messagesSent += int64(len(messages))
	p.lastSendTime = time.Now()
	p.lastErr = nil
	p.mu.Unlock()
	return nil
}

// ProduceWithRetry retries Produce with a linear backoff.
func (p *Producer) ProduceWithRetry(ctx context.Context, maxRetries int, backoff time.Duration, messages ...kafka.Message) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff * time.Duration(attempt)):
			}
		}

		err := p.Produce(ctx, messages...)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotConnected) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("kafka produce failed after %d attempts: %w", maxRetries+1, lastErr)
}

// createDialer creates a Kafka dialer with auth and TLS.
func (p *Producer) createDialer() (*kafka.Dialer, error) {
	mechanism, err := saslMechanism(p.config)
	if err != nil {
		return nil, fmt.Errorf("kafka sasl: %w", err)
	}
	return &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     true,
		TLS:           tlsConfig(p.config),
		SASLMechanism: mechanism,
	}, nil
}

// createTransport creates a Kafka transport with auth and TLS.
func (p *Producer) createTransport() (*kafka.Transport, error) {
	mechanism, err := saslMechanism(p.config)
	if err != nil {
		return nil, fmt.Errorf("kafka sasl: %w", err)
	}
	return &kafka.Transport{
		DialTimeout: 10 * time.Second,
		TLS:         tlsConfig(p.config),
		SASL:        mechanism,
	}, nil
}
