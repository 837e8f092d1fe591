package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ltalink/dispatch"
	"ltalink/link"
	"ltalink/mqtt"
	"ltalink/status"
	"ltalink/tagstore"
	"ltalink/telegram"
	"ltalink/trace"
)

type fakeLink struct{}

func (fakeLink) Status() link.Status { return link.StatusConnected }
func (fakeLink) Target() link.Target { return link.Target{Host: "10.0.0.5", Port: 4001} }
func (fakeLink) Stats() link.Stats { return link.Stats{FramesIn: 3, FramesOut: 2} }

type fakeBus struct{}

func (fakeBus) IsConnected() bool { return true }
func (fakeBus) Address() string { return "tcp://ie-databus:1883" }
func (fakeBus) Stats() mqtt.Stats { return mqtt.Stats{Received: 7} }

type fakeEngine struct{}

func (fakeEngine) State() dispatch.State { return dispatch.Ready }
func (fakeEngine) Telegrams() []string { return []string{"jobList", "personnel"} }

func testRegistry() *tagstore.Registry {
	r := tagstore.NewRegistry()
	r.Initialize(tagstore.Metadata{
		Connections: []tagstore.Connection{{
			Name: "s7c1",
			DataPoints: []tagstore.DataPoint{{
				Name: "default",
				Definitions: []tagstore.Definition{
					{ID: "1", Name: "LTA-Data.jobList.command.execute", DataType: "Bool"},
					{ID: "2", Name: "LTA-Data.jobList.toMachine.returnCode", DataType: "DInt"},
				},
			}},
		}},
	})
	return r
}

func testSources() Sources {
	ring := trace.NewRing(8)
	ring.Add(trace.Entry{Direction: trace.TX, TypeID: 10060, Telegram: "jobList"})
	ring.Add(trace.Entry{Direction: trace.RX, TypeID: 10060, Telegram: "jobList"})
	ring.Add(trace.Entry{Direction: trace.RX, TypeID: 38, Telegram: "errorText"})

	return Sources{
		Version: "1.2.3",
		Started: time.Now().Add(-time.Minute),
		Status:  status.NewStore(),
		Tags:    testRegistry(),
		Link:    fakeLink{},
		Databus: fakeBus{},
		Engine:  fakeEngine{},
		Trace:   ring,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("# metrics\n"))
		}),
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleStatus(t *testing.T) {
	hub := NewHub()
	defer hub.Stop()
	r := NewRouter(testSources(), hub)

	rec := get(t, r, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("unexpected content type %q", ct)
	}

	var resp StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("version = %q", resp.Version)
	}
	if resp.States[status.KeyLogotronic] != status.Disconnected {
		t.Errorf("logotronic = %q", resp.States[status.KeyLogotronic])
	}
	if resp.Dispatch != "ready" || resp.Telegrams != 2 || resp.Tags != 2 {
		t.Errorf("unexpected engine summary %+v", resp)
	}
	if resp.Link == nil || resp.Link.Target != "10.0.0.5:4001" || resp.Link.Status != "Connected" {
		t.Errorf("unexpected link %+v", resp.Link)
	}
	if resp.Databus == nil || !resp.Databus.Connected || resp.Databus.Stats.Received != 7 {
		t.Errorf("unexpected databus %+v", resp.Databus)
	}
	if resp.Uptime == "" {
		t.Error("uptime should be set")
	}
}

func TestHandleStatusEmptySources(t *testing.T) {
	rec := get(t, NewRouter(Sources{}, nil), "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := resp["link"]; ok {
		t.Error("link should be omitted without a source")
	}
}

func TestHandleVersion(t *testing.T) {
	rec := get(t, NewRouter(testSources(), nil), "/version")
	if !strings.Contains(rec.Body.String(), `"version":"1.2.3"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandleTags(t *testing.T) {
	r := NewRouter(testSources(), nil)

	tests := []struct {
		name     string
		path     string
		wantCode int
		wantBody string
	}{
		{"all", "/tagstore", http.StatusOK, `"name":"LTA-Data.jobList.toMachine.returnCode"`},
		{"by id", "/tagstore/1", http.StatusOK, `"dataType":"Bool"`},
		{"unknown id", "/tagstore/99", http.StatusNotFound, `"error":"tag not found"`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := get(t, r, tc.path)
			if rec.Code != tc.wantCode {
				t.Errorf("expected %d, got %d", tc.wantCode, rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tc.wantBody) {
				t.Errorf("body %s does not contain %s", rec.Body.String(), tc.wantBody)
			}
		})
	}
}

func TestHandleTagsEmpty(t *testing.T) {
	rec := get(t, NewRouter(Sources{}, nil), "/tagstore")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected empty list, got %s", rec.Body.String())
	}
}

func TestHandleFrames(t *testing.T) {
	r := NewRouter(testSources(), nil)

	tests := []struct {
		name     string
		path     string
		wantCode int
		wantLen  int
	}{
		{"all", "/frames", http.StatusOK, 3},
		{"since", "/frames?since=1", http.StatusOK, 2},
		{"since newest", "/frames?since=3", http.StatusOK, 0},
		{"limit", "/frames?limit=1", http.StatusOK, 1},
		{"bad since", "/frames?since=x", http.StatusBadRequest, -1},
		{"bad limit", "/frames?limit=-2", http.StatusBadRequest, -1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := get(t, r, tc.path)
			if rec.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d", tc.wantCode, rec.Code)
			}
			if tc.wantLen < 0 {
				return
			}
			var entries []trace.Entry
			if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(entries) != tc.wantLen {
				t.Errorf("got %d entries, want %d", len(entries), tc.wantLen)
			}
		})
	}

	rec := get(t, r, "/frames?limit=1")
	var entries []trace.Entry
	json.NewDecoder(rec.Body).Decode(&entries)
	if len(entries) == 1 && entries[0].Telegram != "errorText" {
		t.Errorf("limit should return the newest entry, got %+v", entries[0])
	}
}

func TestHandleMetrics(t *testing.T) {
	rec := get(t, NewRouter(testSources(), nil), "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "# metrics") {
		t.Errorf("unexpected metrics response %d %s", rec.Code, rec.Body.String())
	}

	rec = get(t, NewRouter(Sources{}, nil), "/metrics")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 without a metrics handler, got %d", rec.Code)
	}
}

func dialHub(t *testing.T, hub *Hub) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(hub)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]interface{}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, hub.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubInitialStatus(t *testing.T) {
	hub := NewHub()
	defer hub.Stop()
	store := status.NewStore()
	store.SetLogotronic(status.Connected)
	hub.SetStatusSource(store)

	conn, done := dialHub(t, hub)
	defer done()

	msg := readMessage(t, conn)
	if msg["type"] != MsgStatusUpdate {
		t.Fatalf("expected %s, got %v", MsgStatusUpdate, msg["type"])
	}
	data, _ := msg["data"].(map[string]interface{})
	if data[status.KeyLogotronic] != "connected" {
		t.Errorf("unexpected snapshot %v", data)
	}
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub()
	defer hub.Stop()

	conn, done := dialHub(t, hub)
	defer done()
	waitClients(t, hub, 1)

	hub.BroadcastPreview([]telegram.Image{{Side: "front", DataURL: "data:image/jpeg;base64,AAAA"}})
	msg := readMessage(t, conn)
	if msg["type"] != MsgPreviewImages {
		t.Fatalf("expected %s, got %v", MsgPreviewImages, msg["type"])
	}
	images, _ := msg["data"].([]interface{})
	if len(images) != 1 {
		t.Fatalf("expected 1 image, got %v", msg["data"])
	}
	if img := images[0].(map[string]interface{}); img["side"] != "front" {
		t.Errorf("unexpected image %v", img)
	}

	hub.BroadcastStatus(status.Snapshot{status.KeyDatabus: status.Connected})
	if msg := readMessage(t, conn); msg["type"] != MsgStatusUpdate {
		t.Errorf("expected %s, got %v", MsgStatusUpdate, msg["type"])
	}
}

func TestHubClientLeaves(t *testing.T) {
	hub := NewHub()
	defer hub.Stop()

	conn, done := dialHub(t, hub)
	waitClients(t, hub, 1)
	conn.Close()
	waitClients(t, hub, 0)
	done()
}

func TestHubStop(t *testing.T) {
	hub := NewHub()
	conn, done := dialHub(t, hub)
	defer done()
	waitClients(t, hub, 1)

	hub.Stop()
	hub.Stop()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to close after Stop")
	}
	hub.Broadcast(Message{Type: MsgStatusUpdate})
}
