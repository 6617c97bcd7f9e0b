package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/meshviz/worldsync/internal/node"
	"github.com/meshviz/worldsync/internal/registry"
	"github.com/meshviz/worldsync/internal/storage"
	"github.com/meshviz/worldsync/internal/store"
	"github.com/meshviz/worldsync/pkg/world"
)

// Handler groups the producer/ops API handlers around the hub and the
// authoritative world store.
type Handler struct {
	hub   *registry.Hub
	world *store.Store
	db    *storage.Store // nil disables persistence
	node  *node.Node
	start time.Time

	// produceMu serializes apply+broadcast so concurrent producers cannot
	// mutate the store in one order and broadcast in another. Replicas built
	// from the delta stream must converge on the store's state even for
	// non-commuting events (same-ID upserts).
	produceMu sync.Mutex
}

// ─── DTOs ────────────────────────────────────────────────────────────────────

type healthResp struct {
	Status      string `json:"status"`
	NodeID      string `json:"node_id"`
	BootID      string `json:"boot_id"`
	Uptime      string `json:"uptime"`
	UptimeMs    int64  `json:"uptime_ms"`
	Seq         uint64 `json:"seq"`
	Connections int    `json:"connections"`
	Subscribers int    `json:"subscribers"`
	Services    int    `json:"services"`
	Endpoints   int    `json:"endpoints"`
	Edges       int    `json:"edges"`
	Revision    uint64 `json:"revision"`
}

type worldResp struct {
	Data     world.Model `json:"data"`
	Revision uint64      `json:"revision"`
	Seq      uint64      `json:"seq"`
}

type replaceResp struct {
	Revision uint64 `json:"revision"`
	Seq      uint64 `json:"seq,omitempty"`
	Events   int    `json:"events"`
}

type eventsReq struct {
	Events []world.DeltaEvent `json:"events"`
}

type broadcastResp struct {
	Seq    uint64 `json:"seq"`
	Events int    `json:"events"`
}

type sessionReq struct {
	State world.SessionState `json:"state"`
}

// ─── Health ──────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	services, endpoints, edges := h.world.Counts()
	elapsed := time.Since(h.start)
	writeJSON(w, http.StatusOK, healthResp{
		Status:      "ok",
		NodeID:      h.node.ID().String(),
		BootID:      h.node.BootID(),
		Uptime:      elapsed.Round(time.Second).String(),
		UptimeMs:    elapsed.Milliseconds(),
		Seq:         h.hub.CurrentSeq(),
		Connections: h.hub.ConnCount(),
		Subscribers: h.hub.SubscriberCount(),
		Services:    services,
		Endpoints:   endpoints,
		Edges:       edges,
		Revision:    h.world.Revision(),
	})
}

// ─── World model ─────────────────────────────────────────────────────────────

func (h *Handler) getWorld(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, worldResp{
		Data:     h.world.Snapshot(),
		Revision: h.world.Revision(),
		Seq:      h.hub.CurrentSeq(),
	})
}

// putWorld replaces the entire model (the projection producer's push path).
// The replacement is broadcast as a snapshot-equivalent delta batch so
// connected clients converge without a resync round-trip.
func (h *Handler) putWorld(w http.ResponseWriter, r *http.Request) {
	var m world.Model
	if !decodeJSON(w, r, &m) {
		return
	}

	h.produceMu.Lock()
	defer h.produceMu.Unlock()

	old := h.world.Snapshot()
	if err := h.world.Replace(m); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.persist()

	resp := replaceResp{Revision: h.world.Revision()}
	if events := store.Diff(old, m); len(events) > 0 {
		seq, err := h.hub.BroadcastDelta(events)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		resp.Seq = seq
		resp.Events = len(events)
	}
	writeJSON(w, http.StatusOK, resp)
}

// postEvents injects delta events from an external notifier. Injected events
// are treated identically to organic mutations: validated, applied,
// persisted, broadcast.
func (h *Handler) postEvents(w http.ResponseWriter, r *http.Request) {
	var req eventsReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Events) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "events must not be empty"})
		return
	}

	h.produceMu.Lock()
	defer h.produceMu.Unlock()

	applied, err := h.world.Apply(req.Events)
	if err != nil {
		code := http.StatusBadRequest
		if !errors.Is(err, store.ErrInvalidEvent) &&
			!errors.Is(err, store.ErrUnknownService) &&
			!errors.Is(err, store.ErrUnknownEndpoint) {
			code = http.StatusInternalServerError
		}
		writeError(w, code, err)
		return
	}
	h.persist()

	seq, err := h.hub.BroadcastDelta(applied)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, broadcastResp{Seq: seq, Events: len(applied)})
}

// postSession sets the process-wide session signal and broadcasts it so every
// client re-derives its auth gating.
func (h *Handler) postSession(w http.ResponseWriter, r *http.Request) {
	var req sessionReq
	if !decodeJSON(w, r, &req) {
		return
	}
	switch req.State {
	case world.SessionNone, world.SessionValid, world.SessionExpired:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "state must be none, valid, or expired"})
		return
	}

	h.produceMu.Lock()
	defer h.produceMu.Unlock()

	applied, err := h.world.Apply([]world.DeltaEvent{world.SessionUpdated(req.State)})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	seq, err := h.hub.BroadcastDelta(applied)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, broadcastResp{Seq: seq, Events: len(applied)})
}

// persist saves the current model. Persistence failures are logged, never
// fatal: the in-memory world stays authoritative.
func (h *Handler) persist() {
	if h.db == nil {
		return
	}
	if err := h.db.SaveModel(h.world.Snapshot(), h.world.Revision()); err != nil {
		slog.Warn("persist world model", "err", err)
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}
