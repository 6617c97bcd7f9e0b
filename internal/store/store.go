// Package store holds the authoritative world model on the server.
//
// All application code (HTTP producer handlers, the protocol handler) reads
// and mutates the world through the Store — never by sharing maps. Mutations
// are validated against referential integrity before they are applied, and
// every read hands out an independent snapshot, so no caller ever observes a
// half-updated model.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/meshviz/worldsync/pkg/world"
)

// ─── Error sentinels ─────────────────────────────────────────────────────────

var (
	// ErrUnknownService is returned when an endpoint references a service
	// that does not exist.
	ErrUnknownService = errors.New("store: unknown service")

	// ErrUnknownEndpoint is returned when an edge references an endpoint
	// that does not exist.
	ErrUnknownEndpoint = errors.New("store: unknown endpoint")

	// ErrInvalidEvent is returned for events with a missing ID, an unknown
	// type, or an undecodable payload.
	ErrInvalidEvent = errors.New("store: invalid event")
)

// ─── Store ───────────────────────────────────────────────────────────────────

// Store is the authoritative, mutable world model. All methods are safe for
// concurrent use.
type Store struct {
	mu        sync.RWMutex
	services  map[string]world.Service
	endpoints map[string]world.Endpoint
	edges     map[string]world.Edge
	overlays  map[string]world.Overlay
	session   world.SessionState
	revision  uint64
}

// New creates an empty Store with no session.
func New() *Store {
	return &Store{
		services:  make(map[string]world.Service),
		endpoints: make(map[string]world.Endpoint),
		edges:     make(map[string]world.Edge),
		overlays:  make(map[string]world.Overlay),
		session:   world.SessionNone,
	}
}

// Replace swaps in a complete new model, discarding all overlays.
// The model is validated for referential integrity first; on error the store
// is left unchanged.
func (s *Store) Replace(m world.Model) error {
	services := make(map[string]world.Service, len(m.Services))
	endpoints := make(map[string]world.Endpoint, len(m.Endpoints))
	edges := make(map[string]world.Edge, len(m.Edges))

	for _, svc := range m.Services {
		if svc.ID == "" {
			return fmt.Errorf("%w: service with empty id", ErrInvalidEvent)
		}
		services[svc.ID] = svc
	}
	for _, ep := range m.Endpoints {
		if ep.ID == "" {
			return fmt.Errorf("%w: endpoint with empty id", ErrInvalidEvent)
		}
		if _, ok := services[ep.ServiceID]; !ok {
			return fmt.Errorf("%w: endpoint %s references %q", ErrUnknownService, ep.ID, ep.ServiceID)
		}
		endpoints[ep.ID] = ep
	}
	for _, e := range m.Edges {
		if e.ID == "" {
			return fmt.Errorf("%w: edge with empty id", ErrInvalidEvent)
		}
		if _, ok := endpoints[e.SourceID]; !ok {
			return fmt.Errorf("%w: edge %s source %q", ErrUnknownEndpoint, e.ID, e.SourceID)
		}
		if _, ok := endpoints[e.TargetID]; !ok {
			return fmt.Errorf("%w: edge %s target %q", ErrUnknownEndpoint, e.ID, e.TargetID)
		}
		edges[e.ID] = e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.services = services
	s.endpoints = endpoints
	s.edges = edges
	s.overlays = make(map[string]world.Overlay)
	s.revision++
	return nil
}

// Restore loads a persisted model and revision at startup. Same validation
// as Replace, but the revision counter is restored rather than bumped.
func (s *Store) Restore(m world.Model, revision uint64) error {
	if err := s.Replace(m); err != nil {
		return err
	}
	s.mu.Lock()
	s.revision = revision
	s.mu.Unlock()
	return nil
}

// Apply validates and applies a batch of delta events in order. On success it
// returns the events unchanged (ready for broadcast); on failure nothing from
// the batch is applied.
func (s *Store) Apply(events []world.DeltaEvent) ([]world.DeltaEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate the full batch against a scratch view before mutating, so a
	// bad event mid-batch cannot leave the store half-applied.
	if err := s.validateLocked(events); err != nil {
		return nil, err
	}

	for _, ev := range events {
		s.applyLocked(ev)
	}
	s.revision++
	return events, nil
}

// validateLocked checks every event in the batch, tracking upserts earlier in
// the same batch so "create service then its endpoint" validates.
func (s *Store) validateLocked(events []world.DeltaEvent) error {
	pendingServices := make(map[string]bool)
	pendingEndpoints := make(map[string]bool)
	removedServices := make(map[string]bool)
	removedEndpoints := make(map[string]bool)

	hasService := func(id string) bool {
		if removedServices[id] {
			return pendingServices[id]
		}
		_, ok := s.services[id]
		return ok || pendingServices[id]
	}
	hasEndpoint := func(id string) bool {
		if removedEndpoints[id] {
			return pendingEndpoints[id]
		}
		_, ok := s.endpoints[id]
		return ok || pendingEndpoints[id]
	}

	for i, ev := range events {
		if !ev.Type.Valid() {
			return fmt.Errorf("%w: event %d has unknown type %q", ErrInvalidEvent, i, ev.Type)
		}
		if ev.Type != world.EventSessionUpdated && ev.EntityID == "" {
			return fmt.Errorf("%w: event %d (%s) has empty entityId", ErrInvalidEvent, i, ev.Type)
		}

		switch ev.Type {
		case world.EventServiceUpserted:
			if _, err := ev.Service(); err != nil {
				return fmt.Errorf("%w: event %d: %v", ErrInvalidEvent, i, err)
			}
			pendingServices[ev.EntityID] = true
			delete(removedServices, ev.EntityID)

		case world.EventServiceRemoved:
			removedServices[ev.EntityID] = true
			delete(pendingServices, ev.EntityID)

		case world.EventEndpointUpserted:
			ep, err := ev.Endpoint()
			if err != nil {
				return fmt.Errorf("%w: event %d: %v", ErrInvalidEvent, i, err)
			}
			if !hasService(ep.ServiceID) {
				return fmt.Errorf("%w: event %d: endpoint %s references %q",
					ErrUnknownService, i, ep.ID, ep.ServiceID)
			}
			pendingEndpoints[ev.EntityID] = true
			delete(removedEndpoints, ev.EntityID)

		case world.EventEndpointRemoved:
			removedEndpoints[ev.EntityID] = true
			delete(pendingEndpoints, ev.EntityID)

		case world.EventEdgeUpserted:
			edge, err := ev.Edge()
			if err != nil {
				return fmt.Errorf("%w: event %d: %v", ErrInvalidEvent, i, err)
			}
			if !hasEndpoint(edge.SourceID) {
				return fmt.Errorf("%w: event %d: edge %s source %q",
					ErrUnknownEndpoint, i, edge.ID, edge.SourceID)
			}
			if !hasEndpoint(edge.TargetID) {
				return fmt.Errorf("%w: event %d: edge %s target %q",
					ErrUnknownEndpoint, i, edge.ID, edge.TargetID)
			}

		case world.EventEndpointMetricsUpdated:
			if _, err := ev.Metrics(); err != nil {
				return fmt.Errorf("%w: event %d: %v", ErrInvalidEvent, i, err)
			}

		case world.EventEndpointHealthUpdated:
			if _, err := ev.Health(); err != nil {
				return fmt.Errorf("%w: event %d: %v", ErrInvalidEvent, i, err)
			}

		case world.EventEndpointPolicyUpdated:
			if _, err := ev.Policy(); err != nil {
				return fmt.Errorf("%w: event %d: %v", ErrInvalidEvent, i, err)
			}

		case world.EventSessionUpdated:
			sp, err := ev.Session()
			if err != nil {
				return fmt.Errorf("%w: event %d: %v", ErrInvalidEvent, i, err)
			}
			switch sp.State {
			case world.SessionNone, world.SessionValid, world.SessionExpired:
			default:
				return fmt.Errorf("%w: event %d: session state %q", ErrInvalidEvent, i, sp.State)
			}
		}
	}
	return nil
}

// applyLocked mutates the store for one pre-validated event.
// Every event type is idempotent: upsert replaces-or-inserts by ID, removal
// of a non-existent ID is a no-op.
func (s *Store) applyLocked(ev world.DeltaEvent) {
	switch ev.Type {
	case world.EventServiceUpserted:
		svc, _ := ev.Service()
		s.services[svc.ID] = svc

	case world.EventServiceRemoved:
		delete(s.services, ev.EntityID)

	case world.EventEndpointUpserted:
		ep, _ := ev.Endpoint()
		s.endpoints[ep.ID] = ep

	case world.EventEndpointRemoved:
		delete(s.endpoints, ev.EntityID)
		delete(s.overlays, ev.EntityID)

	case world.EventEdgeUpserted:
		edge, _ := ev.Edge()
		s.edges[edge.ID] = edge

	case world.EventEdgeRemoved:
		delete(s.edges, ev.EntityID)

	case world.EventEndpointMetricsUpdated:
		m, _ := ev.Metrics()
		ov := s.overlays[ev.EntityID]
		ov.Metrics = &m
		s.overlays[ev.EntityID] = ov

	case world.EventEndpointHealthUpdated:
		h, _ := ev.Health()
		ov := s.overlays[ev.EntityID]
		ov.Health = h.Status
		s.overlays[ev.EntityID] = ov

	case world.EventEndpointPolicyUpdated:
		p, _ := ev.Policy()
		ov := s.overlays[ev.EntityID]
		ov.Policy = p.Decision
		s.overlays[ev.EntityID] = ov

	case world.EventSessionUpdated:
		sp, _ := ev.Session()
		s.session = sp.State
	}
}

// Snapshot returns an independent copy of the current model with entities in
// stable (ID-sorted) order.
func (s *Store) Snapshot() world.Model {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := world.Model{
		Services:  make([]world.Service, 0, len(s.services)),
		Endpoints: make([]world.Endpoint, 0, len(s.endpoints)),
		Edges:     make([]world.Edge, 0, len(s.edges)),
	}
	for _, svc := range s.services {
		m.Services = append(m.Services, svc)
	}
	for _, ep := range s.endpoints {
		m.Endpoints = append(m.Endpoints, ep)
	}
	for _, e := range s.edges {
		m.Edges = append(m.Edges, e)
	}
	sort.Slice(m.Services, func(i, j int) bool { return m.Services[i].ID < m.Services[j].ID })
	sort.Slice(m.Endpoints, func(i, j int) bool { return m.Endpoints[i].ID < m.Endpoints[j].ID })
	sort.Slice(m.Edges, func(i, j int) bool { return m.Edges[i].ID < m.Edges[j].ID })
	return m
}

// Overlay returns the merged metrics/health/policy overlay for an endpoint,
// if any delta has touched it.
func (s *Store) Overlay(endpointID string) (world.Overlay, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ov, ok := s.overlays[endpointID]
	return ov, ok
}

// Session returns the process-wide session state.
func (s *Store) Session() world.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// Revision returns the mutation counter, incremented once per accepted
// Replace or Apply batch.
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// Diff expresses a full-model replacement as an ordered delta batch: removals
// for entities absent from next, then upserts for everything next contains.
// Edges are removed before endpoints and endpoints before services so no
// event in the batch ever references an entity removed earlier in it; upserts
// go parent-first for the same reason. Replaying the batch over old yields
// exactly next, and upserts being idempotent makes the batch safe to reapply.
func Diff(old, next world.Model) []world.DeltaEvent {
	nextServices := make(map[string]bool, len(next.Services))
	for _, svc := range next.Services {
		nextServices[svc.ID] = true
	}
	nextEndpoints := make(map[string]bool, len(next.Endpoints))
	for _, ep := range next.Endpoints {
		nextEndpoints[ep.ID] = true
	}
	nextEdges := make(map[string]bool, len(next.Edges))
	for _, e := range next.Edges {
		nextEdges[e.ID] = true
	}

	var events []world.DeltaEvent
	for _, e := range old.Edges {
		if !nextEdges[e.ID] {
			events = append(events, world.EdgeRemoved(e.ID))
		}
	}
	for _, ep := range old.Endpoints {
		if !nextEndpoints[ep.ID] {
			events = append(events, world.EndpointRemoved(ep.ID))
		}
	}
	for _, svc := range old.Services {
		if !nextServices[svc.ID] {
			events = append(events, world.ServiceRemoved(svc.ID))
		}
	}
	for _, svc := range next.Services {
		events = append(events, world.ServiceUpserted(svc))
	}
	for _, ep := range next.Endpoints {
		events = append(events, world.EndpointUpserted(ep))
	}
	for _, e := range next.Edges {
		events = append(events, world.EdgeUpserted(e))
	}
	return events
}

// Counts returns the number of services, endpoints, and edges. Used by the
// health endpoint.
func (s *Store) Counts() (services, endpoints, edges int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.services), len(s.endpoints), len(s.edges)
}
