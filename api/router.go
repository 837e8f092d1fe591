// Package api serves the gateway's read-only REST endpoints and the
// websocket feed used by the operator page.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"ltalink/dispatch"
	"ltalink/link"
	"ltalink/logging"
	"ltalink/mqtt"
	"ltalink/status"
	"ltalink/tagstore"
	"ltalink/trace"
)

// LinkInfo is the view of the production server link the API reports.
type LinkInfo interface {
	Status() link.Status
	Target() link.Target
	Stats() link.Stats
}

// DatabusInfo is the view of the databus client the API reports.
type DatabusInfo interface {
	IsConnected() bool
	Address() string
	Stats() mqtt.Stats
}

// EngineInfo is the view of the dispatch engine the API reports.
type EngineInfo interface {
	State() dispatch.State
	Telegrams() []string
}

// Sources provides the gateway state behind the endpoints.
// Nil fields are reported as absent.
type Sources struct {
	Version string
	Started time.Time

	Status  *status.Store
	Tags    *tagstore.Registry
	Link    LinkInfo
	Databus DatabusInfo
	Engine  EngineInfo
	Trace   *trace.Ring
	Metrics http.Handler
}

// StatusResponse is the JSON response for /status.
type StatusResponse struct {
	Version   string          `json:"version"`
	Uptime    string          `json:"uptime,omitempty"`
	States    status.Snapshot `json:"states"`
	Dispatch  string          `json:"dispatch,omitempty"`
	Telegrams int             `json:"telegrams"`
	Tags      int             `json:"tags"`
	Clients   int             `json:"wsClients"`
	Link      *LinkResponse   `json:"link,omitempty"`
	Databus   *BusResponse    `json:"databus,omitempty"`
}

// LinkResponse describes the production server connection.
type LinkResponse struct {
	Status string     `json:"status"`
	Target string     `json:"target,omitempty"`
	Stats  link.Stats `json:"stats"`
}

// BusResponse describes the databus connection.
type BusResponse struct {
	Address   string     `json:"address"`
	Connected bool       `json:"connected"`
	Stats     mqtt.Stats `json:"stats"`
}

type handlers struct {
	src Sources
	hub *Hub
}

// NewRouter creates a chi router serving src. hub, if set, is only counted in
// /status; the websocket endpoint itself is mounted by the caller.
func NewRouter(src Sources, hub *Hub) chi.Router {
	h := &handlers{src: src, hub: hub}
	r := chi.NewRouter()

	r.Get("/status", h.handleStatus)
	r.Get("/version", h.handleVersion)
	r.Get("/tagstore", h.handleTags)
	r.Get("/tagstore/{id}", h.handleTag)
	r.Get("/frames", h.handleFrames)
	if src.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", src.Metrics)
	}
	return r
}

func (h *handlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.DebugLog(logging.ProtoAPI, "encode response: %v", err)
	}
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Version: h.src.Version}
	if !h.src.Started.IsZero() {
		resp.Uptime = logging.Uptime(h.src.Started)
	}
	if h.src.Status != nil {
		resp.States = h.src.Status.Snapshot()
	}
	if h.src.Engine != nil {
		resp.Dispatch = h.src.Engine.State().String()
		resp.Telegrams = len(h.src.Engine.Telegrams())
	}
	if h.src.Tags != nil {
		resp.Tags = h.src.Tags.Len()
	}
	if h.hub != nil {
		resp.Clients = h.hub.ClientCount()
	}
	if h.src.Link != nil {
		lr := &LinkResponse{
			Status: h.src.Link.Status().String(),
			Stats:  h.src.Link.Stats(),
		}
		if t := h.src.Link.Target(); t.Host != "" {
			lr.Target = t.String()
		}
		resp.Link = lr
	}
	if h.src.Databus != nil {
		resp.Databus = &BusResponse{
			Address:   h.src.Databus.Address(),
			Connected: h.src.Databus.IsConnected(),
			Stats:     h.src.Databus.Stats(),
		}
	}
	h.writeJSON(w, resp)
}

func (h *handlers) handleVersion(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"version": h.src.Version})
}

func (h *handlers) handleTags(w http.ResponseWriter, r *http.Request) {
	if h.src.Tags == nil {
		h.writeJSON(w, []tagstore.Tag{})
		return
	}
	h.writeJSON(w, h.src.Tags.All())
}

func (h *handlers) handleTag(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.src.Tags == nil {
		h.writeError(w, http.StatusNotFound, "tag not found")
		return
	}
	t, ok := h.src.Tags.ByID(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "tag not found")
		return
	}
	h.writeJSON(w, t)
}

// handleFrames serves the frame trace. ?since=<seq> returns only newer
// entries, ?limit=<n> the newest n.
func (h *handlers) handleFrames(w http.ResponseWriter, r *http.Request) {
	if h.src.Trace == nil {
		h.writeJSON(w, []trace.Entry{})
		return
	}
	q := r.URL.Query()
	if s := q.Get("since"); s != "" {
		seq, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid since: "+s)
			return
		}
		h.writeJSON(w, h.src.Trace.Since(seq))
		return
	}
	n := 0
	if s := q.Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid limit: "+s)
			return
		}
		n = v
	}
	h.writeJSON(w, h.src.Trace.Last(n))
}
