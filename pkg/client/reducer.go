package client

import (
	"sort"

	"github.com/meshviz/worldsync/pkg/world"
)

// Verdict is the outcome of applying one delta to the local replica.
type Verdict string

const (
	// VerdictApplied means every event was applied and lastSeq advanced.
	VerdictApplied Verdict = "applied"

	// VerdictIgnored means the delta was a duplicate or stale; nothing changed.
	VerdictIgnored Verdict = "ignored"

	// VerdictResync means a sequence gap was detected; nothing changed, and
	// the caller must discard its resume credential and re-subscribe.
	VerdictResync Verdict = "resync"
)

// Reducer maintains the client-side replica of the world model: entity maps,
// per-endpoint overlays, the session signal, and the last accepted sequence
// number.
//
// The Reducer is not safe for concurrent use; the Client applies frames one
// at a time from a single goroutine, and all published views go through the
// SemanticStore's immutable generations.
type Reducer struct {
	lastSeq   uint64
	services  map[string]world.Service
	endpoints map[string]world.Endpoint
	edges     map[string]world.Edge
	overlays  map[string]world.Overlay
	session   world.SessionState
}

// NewReducer returns an empty replica at seq 0 with no session.
func NewReducer() *Reducer {
	r := &Reducer{}
	r.reset()
	return r
}

func (r *Reducer) reset() {
	r.services = make(map[string]world.Service)
	r.endpoints = make(map[string]world.Endpoint)
	r.edges = make(map[string]world.Edge)
	r.overlays = make(map[string]world.Overlay)
	r.session = world.SessionNone
}

// ApplySnapshot replaces the replica with a full snapshot and establishes its
// seq as the new baseline. All overlays are discarded.
func (r *Reducer) ApplySnapshot(snap world.Snapshot) {
	r.reset()
	for _, svc := range snap.Data.Services {
		r.services[svc.ID] = svc
	}
	for _, ep := range snap.Data.Endpoints {
		r.endpoints[ep.ID] = ep
	}
	for _, e := range snap.Data.Edges {
		r.edges[e.ID] = e
	}
	r.lastSeq = snap.Seq
}

// ApplyDelta applies one delta envelope:
//
//	seq <= lastSeq   → VerdictIgnored, no mutation
//	seq >  lastSeq+1 → VerdictResync, no mutation
//	seq == lastSeq+1 → apply every event in order, advance lastSeq
//
// Events are independently idempotent: upsert replaces-or-inserts by ID and
// removing a non-existent ID is a no-op, so a delta replayed in the correct
// position leaves the replica unchanged.
func (r *Reducer) ApplyDelta(d world.Delta) Verdict {
	switch {
	case d.Seq <= r.lastSeq:
		return VerdictIgnored
	case d.Seq > r.lastSeq+1:
		return VerdictResync
	}

	for _, ev := range d.Events {
		r.applyEvent(ev)
	}
	r.lastSeq = d.Seq
	return VerdictApplied
}

func (r *Reducer) applyEvent(ev world.DeltaEvent) {
	switch ev.Type {
	case world.EventServiceUpserted:
		if svc, err := ev.Service(); err == nil {
			r.services[svc.ID] = svc
		}

	case world.EventServiceRemoved:
		delete(r.services, ev.EntityID)

	case world.EventEndpointUpserted:
		if ep, err := ev.Endpoint(); err == nil {
			r.endpoints[ep.ID] = ep
		}

	case world.EventEndpointRemoved:
		delete(r.endpoints, ev.EntityID)
		delete(r.overlays, ev.EntityID)

	case world.EventEdgeUpserted:
		if e, err := ev.Edge(); err == nil {
			r.edges[e.ID] = e
		}

	case world.EventEdgeRemoved:
		delete(r.edges, ev.EntityID)

	case world.EventEndpointMetricsUpdated:
		if m, err := ev.Metrics(); err == nil {
			ov := r.overlays[ev.EntityID]
			ov.Metrics = &m
			r.overlays[ev.EntityID] = ov
		}

	case world.EventEndpointHealthUpdated:
		if h, err := ev.Health(); err == nil {
			ov := r.overlays[ev.EntityID]
			ov.Health = h.Status
			r.overlays[ev.EntityID] = ov
		}

	case world.EventEndpointPolicyUpdated:
		if p, err := ev.Policy(); err == nil {
			ov := r.overlays[ev.EntityID]
			ov.Policy = p.Decision
			r.overlays[ev.EntityID] = ov
		}

	case world.EventSessionUpdated:
		if sp, err := ev.Session(); err == nil {
			r.session = sp.State
		}
	}
}

// LastSeq returns the seq of the last accepted message.
func (r *Reducer) LastSeq() uint64 { return r.lastSeq }

// Session returns the replicated session signal.
func (r *Reducer) Session() world.SessionState { return r.session }

// Overlay returns the merged overlay for an endpoint, if any.
func (r *Reducer) Overlay(endpointID string) (world.Overlay, bool) {
	ov, ok := r.overlays[endpointID]
	return ov, ok
}

// Endpoint returns one replicated endpoint by ID.
func (r *Reducer) Endpoint(id string) (world.Endpoint, bool) {
	ep, ok := r.endpoints[id]
	return ep, ok
}

// Model returns an independent copy of the replicated model in stable
// (ID-sorted) order.
func (r *Reducer) Model() world.Model {
	m := world.Model{
		Services:  make([]world.Service, 0, len(r.services)),
		Endpoints: make([]world.Endpoint, 0, len(r.endpoints)),
		Edges:     make([]world.Edge, 0, len(r.edges)),
	}
	for _, svc := range r.services {
		m.Services = append(m.Services, svc)
	}
	for _, ep := range r.endpoints {
		m.Endpoints = append(m.Endpoints, ep)
	}
	for _, e := range r.edges {
		m.Edges = append(m.Edges, e)
	}
	sort.Slice(m.Services, func(i, j int) bool { return m.Services[i].ID < m.Services[j].ID })
	sort.Slice(m.Endpoints, func(i, j int) bool { return m.Endpoints[i].ID < m.Endpoints[j].ID })
	sort.Slice(m.Edges, func(i, j int) bool { return m.Edges[i].ID < m.Edges[j].ID })
	return m
}
