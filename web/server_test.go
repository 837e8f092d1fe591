package web

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ltalink/api"
	"ltalink/config"
	"ltalink/metrics"
	"ltalink/status"
	"ltalink/tagstore"
)

func testServer(cfg *config.WebConfig) *Server {
	return NewServer(cfg, api.Sources{
		Version: "test",
		Status:  status.NewStore(),
		Tags:    tagstore.NewRegistry(),
		Metrics: metrics.New().Handler(),
	})
}

func TestServer_Address(t *testing.T) {
	s := testServer(&config.WebConfig{Host: "localhost", Port: 9999})
	defer s.Stop()
	if got := s.Address(); got != "http://localhost:9999" {
		t.Errorf("expected 'http://localhost:9999', got %s", got)
	}
}

func TestServer_StartAndStop(t *testing.T) {
	s := testServer(&config.WebConfig{Enabled: true, Host: "127.0.0.1", Port: 0})
	if s.IsRunning() {
		t.Error("server should not be running initially")
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !s.IsRunning() {
		t.Fatal("expected server to be running")
	}
	if err := s.Start(); err != nil {
		t.Errorf("second Start should be a no-op, got %v", err)
	}

	resp, err := http.Get(s.Address() + "/version")
	if err != nil {
		t.Fatalf("GET /version: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `"version":"test"`) {
		t.Errorf("unexpected body %s", body)
	}

	if err := s.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if s.IsRunning() {
		t.Error("server should not be running after Stop")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop should be a no-op, got %v", err)
	}
}

func TestServer_StartPortInUse(t *testing.T) {
	first := testServer(&config.WebConfig{Host: "127.0.0.1", Port: 0})
	if err := first.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer first.Stop()

	port, err := strconv.Atoi(strings.TrimPrefix(first.Address(), "http://127.0.0.1:"))
	if err != nil {
		t.Fatalf("unexpected address %s", first.Address())
	}
	second := testServer(&config.WebConfig{Host: "127.0.0.1", Port: port})
	defer second.Stop()
	if err := second.Start(); err == nil {
		t.Error("expected an error binding a port in use")
	}
}

func TestCorsMiddleware(t *testing.T) {
	s := testServer(&config.WebConfig{})
	defer s.Stop()

	tests := []struct {
		method   string
		path     string
		wantCode int
	}{
		{http.MethodOptions, "/status", http.StatusOK},
		{http.MethodGet, "/status", http.StatusOK},
		{http.MethodGet, "/missing", http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)

			if rec.Code != tc.wantCode {
				t.Errorf("expected %d, got %d", tc.wantCode, rec.Code)
			}
			if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
				t.Error("missing CORS header")
			}
		})
	}
}

func TestMetricsRoute(t *testing.T) {
	s := testServer(&config.WebConfig{})
	defer s.Stop()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ltalink_link_up") {
		t.Error("metrics output should include ltalink_link_up")
	}
}

func TestWebsocketThroughRouter(t *testing.T) {
	s := testServer(&config.WebConfig{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.Stop()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg api.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != api.MsgStatusUpdate {
		t.Errorf("first message should be %s, got %s", api.MsgStatusUpdate, msg.Type)
	}
}
