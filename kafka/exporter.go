package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"ltalink/logging"
	"ltalink/telegram"
)

const (
	// MaxQueueSize is the maximum number of events waiting for the broker.
	MaxQueueSize = 1000
	// maxBatch caps the events written per call.
	maxBatch = 50
)

// ResponseEvent is the JSON document published for every handled response.
type ResponseEvent struct {
	ID          string                 `json:"id"`
	Telegram    string                 `json:"telegram"`
	TypeID      uint32                 `json:"typeId"`
	ReturnCode  int                    `json:"returnCode"`
	ErrorReason string                 `json:"errorReason,omitempty"`
	Values      map[string]interface{} `json:"values"`
	Timestamp   string                 `json:"timestamp"`
}

// NewResponseEvent converts a telegram event into its published form.
func NewResponseEvent(ev telegram.Event) ResponseEvent {
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return ResponseEvent{
		ID:          uuid.NewString(),
		Telegram:    ev.Name,
		TypeID:      ev.TypeID,
		ReturnCode:  ev.ReturnCode,
		ErrorReason: ev.ErrorReason,
		Values:      ev.Values,
		Timestamp:   ts.UTC().Format(time.RFC3339Nano),
	}
}

// sink is the part of Producer the exporter writes through.
type sink interface {
	ProduceWithRetry(ctx context.Context, maxRetries int, backoff time.Duration, messages ...kafka.Message) error
}

// Exporter queues response events and writes them in batches from one goroutine.
type Exporter struct {
	producer   sink
	maxRetries int
	backoff    time.Duration

	queue   chan kafka.Message
	dropped atomic.Uint64
	logFn   logging.LogFunc

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewExporter creates an exporter writing through p.
func NewExporter(p *Producer) *Exporter {
	return newExporter(p, p.config.MaxRetries, p.config.RetryBackoff)
}

func newExporter(s sink, maxRetries int, backoff time.Duration) *Exporter {
	return &Exporter{
		producer:   s,
		maxRetries: maxRetries,
		backoff:    backoff,
		queue:      make(chan kafka.Message, MaxQueueSize),
		logFn:      logging.Nop,
		stopChan:   make(chan struct{}),
	}
}

// SetLogFunc sets the logging callback.
func (e *Exporter) SetLogFunc(fn logging.LogFunc) {
	e.logFn = logging.Prefixed(fn, "Kafka")
}

// Start launches the write loop.
func (e *Exporter) Start() {
	e.wg.Add(1)
	go e.run()
}

// Stop ends the write loop after flushing what is queued.
func (e *Exporter) Stop() {
	e.stopOnce.Do(func() { close(e.stopChan) })
	e.wg.Wait()
}

// Dropped returns how many events were discarded because the queue was full.
func (e *Exporter) Dropped() uint64 {
	return e.dropped.Load()
}

// Publish queues one event. It never blocks; a full queue drops the event.
func (e *Exporter) Publish(ev telegram.Event) bool {
	msg := NewResponseEvent(ev)
	payload, err := json.Marshal(msg)
	if err != nil {
		e.logFn("marshal %s event: %v", ev.Name, err)
		return false
	}
	m := kafka.Message{Key: []byte(msg.Telegram), Value: payload, Time: time.Now()}

	select {
	case e.queue <- m:
		return true
	default:
		if n := e.dropped.Add(1); n == 1 || n%100 == 0 {
			e.logFn("queue full, %d events dropped", n)
		}
		return false
	}
}

func (e *Exporter) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopChan:
			e.flush()
			return
		case m := <-e.queue:
			e.write(e.collect(m))
		}
	}
}

// collect gathers m and whatever else is already queued, up to maxBatch.
func (e *Exporter) collect(m kafka.Message) []kafka.Message {
	batch := []kafka.Message{m}
	for len(batch) < maxBatch {
		select {
		case next := <-e.queue:
			batch = append(batch, next)
		default:
			return batch
		}
	}
	return batch
}

func (e *Exporter) flush() {
	for {
		select {
		case m := <-e.queue:
			e.write(e.collect(m))
		default:
			return
		}
	}
}

func (e *Exporter) write(batch []kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.producer.ProduceWithRetry(ctx, e.maxRetries, e.backoff, batch...); err != nil {
		e.logFn("failed to publish %d events: %v", len(batch), err)
	}
}
