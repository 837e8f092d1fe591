package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"ltalink/config"
	"ltalink/telegram"
)

type fakeSink struct {
	mu      sync.Mutex
	batches [][]kafka.Message
	err     error
}

func (s *fakeSink) ProduceWithRetry(_ context.Context, _ int, _ time.Duration, messages ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, messages)
	return s.err
}

func (s *fakeSink) messages() []kafka.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []kafka.Message
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func TestNewResponseEvent(t *testing.T) {
	ev := telegram.Event{
		Name:        "jobList",
		TypeID:      10060,
		ReturnCode:  0,
		ErrorReason: "no jobs",
		Values:      map[string]interface{}{"LTA-Data.jobList.toMachine.returnCode": 0},
		Time:        time.Date(2024, 1, 15, 10, 30, 45, 0, time.UTC),
	}
	msg := NewResponseEvent(ev)

	if msg.ID == "" {
		t.Error("event id should be set")
	}
	if msg.Telegram != "jobList" || msg.TypeID != 10060 {
		t.Errorf("unexpected event %+v", msg)
	}
	if msg.Timestamp != "2024-01-15T10:30:45Z" {
		t.Errorf("unexpected timestamp %q", msg.Timestamp)
	}
	if other := NewResponseEvent(ev); other.ID == msg.ID {
		t.Error("event ids should be unique")
	}
}

func TestExporterPublish(t *testing.T) {
	s := &fakeSink{}
	e := newExporter(s, 0, 0)
	e.Start()

	for _, name := range []string{"jobList", "personnel", "preview"} {
		if !e.Publish(telegram.Event{Name: name, ReturnCode: 1}) {
			t.Fatalf("publish %s rejected", name)
		}
	}
	e.Stop()

	msgs := s.messages()
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if string(msgs[0].Key) != "jobList" {
		t.Errorf("key = %q, want jobList", msgs[0].Key)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(msgs[2].Value, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if decoded["telegram"] != "preview" {
		t.Errorf("telegram = %v", decoded["telegram"])
	}
	if _, ok := decoded["errorReason"]; ok {
		t.Error("empty errorReason should be omitted")
	}
}

func TestExporterDropsWhenFull(t *testing.T) {
	e := newExporter(&fakeSink{}, 0, 0)
	for i := 0; i < MaxQueueSize; i++ {
		e.Publish(telegram.Event{Name: "x"})
	}
	if e.Publish(telegram.Event{Name: "overflow"}) {
		t.Error("publish on a full queue should be rejected")
	}
	if e.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", e.Dropped())
	}
}

func TestExporterSurvivesSinkErrors(t *testing.T) {
	s := &fakeSink{err: errors.New("broker down")}
	e := newExporter(s, 0, 0)
	e.Start()
	e.Publish(telegram.Event{Name: "jobList"})
	e.Stop()
	if len(s.messages()) != 1 {
		t.Errorf("failed batch should still have been attempted once")
	}
}

func TestCollectCapsBatch(t *testing.T) {
	e := newExporter(&fakeSink{}, 0, 0)
	for i := 0; i < maxBatch+5; i++ {
		e.queue <- kafka.Message{}
	}
	batch := e.collect(<-e.queue)
	if len(batch) != maxBatch {
		t.Errorf("batch size = %d, want %d", len(batch), maxBatch)
	}
	if len(e.queue) != 5 {
		t.Errorf("%d messages left queued, want 5", len(e.queue))
	}
}

func TestProduceNotConnected(t *testing.T) {
	p := NewProducer(&config.KafkaConfig{Topic: "t"})
	err := p.Produce(context.Background(), kafka.Message{Value: []byte("x")})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := p.ProduceWithRetry(context.Background(), 3, time.Millisecond, kafka.Message{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("retry should stop on ErrNotConnected, got %v", err)
	}
	if err := p.Connect(context.Background()); err == nil {
		t.Error("connect without brokers should fail")
	}
	if p.GetStatus() != StatusError {
		t.Errorf("status = %v, want Error", p.GetStatus())
	}
}

func TestConnectionStatusString(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "Disconnected"},
		{StatusConnecting, "Connecting"},
		{StatusConnected, "Connected"},
		{StatusError, "Error"},
		{ConnectionStatus(42), "Unknown"},
	}
	for _, tc := range tests {
		if got := tc.status.String(); got != tc.want {
			t.Errorf("%d.String() = %q, want %q", tc.status, got, tc.want)
		}
	}
}

func TestSASLMechanism(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.KafkaConfig
		wantName string
		wantNil  bool
	}{
		{"no credentials", config.KafkaConfig{SASLMechanism: "PLAIN"}, "", true},
		{"plain", config.KafkaConfig{SASLMechanism: "plain", Username: "u", Password: "p"}, "PLAIN", false},
		{"scram 256", config.KafkaConfig{SASLMechanism: "SCRAM-SHA-256", Username: "u", Password: "p"}, "SCRAM-SHA-256", false},
		{"scram 512", config.KafkaConfig{SASLMechanism: "SCRAM-SHA-512", Username: "u", Password: "p"}, "SCRAM-SHA-512", false},
		{"unknown", config.KafkaConfig{SASLMechanism: "GSSAPI", Username: "u"}, "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, err := saslMechanism(&tc.cfg)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantNil {
				if m != nil {
					t.Errorf("expected no mechanism, got %s", m.Name())
				}
				return
			}
			if m == nil || m.Name() != tc.wantName {
				t.Errorf("mechanism = %v, want %s", m, tc.wantName)
			}
		})
	}
}

func TestTLSConfig(t *testing.T) {
	if tlsConfig(&config.KafkaConfig{}) != nil {
		t.Error("TLS config should be nil when TLS is off")
	}
	c := tlsConfig(&config.KafkaConfig{UseTLS: true, TLSSkipVerify: true})
	if c == nil || !c.InsecureSkipVerify {
		t.Error("expected TLS config with verification skipped")
	}
}
