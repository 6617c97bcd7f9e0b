package world

import (
	"encoding/json"
	"fmt"
)

// EventType identifies a delta event variant.
type EventType string

const (
	EventServiceUpserted        EventType = "service.upserted"
	EventServiceRemoved         EventType = "service.removed"
	EventEndpointUpserted       EventType = "endpoint.upserted"
	EventEndpointRemoved        EventType = "endpoint.removed"
	EventEdgeUpserted           EventType = "edge.upserted"
	EventEdgeRemoved            EventType = "edge.removed"
	EventEndpointMetricsUpdated EventType = "endpoint.metrics.updated"
	EventEndpointHealthUpdated  EventType = "endpoint.health.updated"
	EventEndpointPolicyUpdated  EventType = "endpoint.policy.updated"
	EventSessionUpdated         EventType = "session.updated"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventServiceUpserted, EventServiceRemoved,
		EventEndpointUpserted, EventEndpointRemoved,
		EventEdgeUpserted, EventEdgeRemoved,
		EventEndpointMetricsUpdated, EventEndpointHealthUpdated,
		EventEndpointPolicyUpdated, EventSessionUpdated:
		return true
	}
	return false
}

// DeltaEvent is one entity-level change. The payload shape depends on Type:
//
//	service.upserted          → Service
//	endpoint.upserted         → Endpoint
//	edge.upserted             → Edge
//	*.removed                 → no payload
//	endpoint.metrics.updated  → MetricsSample
//	endpoint.health.updated   → HealthPayload
//	endpoint.policy.updated   → PolicyPayload
//	session.updated           → SessionPayload (EntityID empty)
type DeltaEvent struct {
	Type     EventType       `json:"type"`
	EntityID string          `json:"entityId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// HealthPayload is the payload of an endpoint.health.updated event.
type HealthPayload struct {
	Status HealthStatus `json:"status"`
}

// PolicyPayload is the payload of an endpoint.policy.updated event.
type PolicyPayload struct {
	Decision PolicyDecision `json:"decision"`
}

// SessionPayload is the payload of a session.updated event.
type SessionPayload struct {
	State SessionState `json:"state"`
}

// ─── Constructors ────────────────────────────────────────────────────────────

func mustEvent(t EventType, entityID string, payload any) DeltaEvent {
	raw, err := json.Marshal(payload)
	if err != nil {
		// All payload types above are plain structs; marshal cannot fail.
		panic(fmt.Sprintf("world: marshal %s payload: %v", t, err))
	}
	return DeltaEvent{Type: t, EntityID: entityID, Payload: raw}
}

// ServiceUpserted builds a service.upserted event.
func ServiceUpserted(s Service) DeltaEvent {
	return mustEvent(EventServiceUpserted, s.ID, s)
}

// ServiceRemoved builds a service.removed event.
func ServiceRemoved(id string) DeltaEvent {
	return DeltaEvent{Type: EventServiceRemoved, EntityID: id}
}

// EndpointUpserted builds an endpoint.upserted event.
func EndpointUpserted(e Endpoint) DeltaEvent {
	return mustEvent(EventEndpointUpserted, e.ID, e)
}

// EndpointRemoved builds an endpoint.removed event.
func EndpointRemoved(id string) DeltaEvent {
	return DeltaEvent{Type: EventEndpointRemoved, EntityID: id}
}

// EdgeUpserted builds an edge.upserted event.
func EdgeUpserted(e Edge) DeltaEvent {
	return mustEvent(EventEdgeUpserted, e.ID, e)
}

// EdgeRemoved builds an edge.removed event.
func EdgeRemoved(id string) DeltaEvent {
	return DeltaEvent{Type: EventEdgeRemoved, EntityID: id}
}

// MetricsUpdated builds an endpoint.metrics.updated event.
func MetricsUpdated(endpointID string, sample MetricsSample) DeltaEvent {
	return mustEvent(EventEndpointMetricsUpdated, endpointID, sample)
}

// HealthUpdated builds an endpoint.health.updated event.
func HealthUpdated(endpointID string, status HealthStatus) DeltaEvent {
	return mustEvent(EventEndpointHealthUpdated, endpointID, HealthPayload{Status: status})
}

// PolicyUpdated builds an endpoint.policy.updated event.
func PolicyUpdated(endpointID string, decision PolicyDecision) DeltaEvent {
	return mustEvent(EventEndpointPolicyUpdated, endpointID, PolicyPayload{Decision: decision})
}

// SessionUpdated builds a session.updated event.
func SessionUpdated(state SessionState) DeltaEvent {
	return mustEvent(EventSessionUpdated, "", SessionPayload{State: state})
}

// ─── Payload decoding ────────────────────────────────────────────────────────

// Service decodes the event payload as a Service.
func (ev DeltaEvent) Service() (Service, error) {
	var s Service
	if err := json.Unmarshal(ev.Payload, &s); err != nil {
		return Service{}, fmt.Errorf("world: decode %s payload: %w", ev.Type, err)
	}
	return s, nil
}

// Endpoint decodes the event payload as an Endpoint.
func (ev DeltaEvent) Endpoint() (Endpoint, error) {
	var e Endpoint
	if err := json.Unmarshal(ev.Payload, &e); err != nil {
		return Endpoint{}, fmt.Errorf("world: decode %s payload: %w", ev.Type, err)
	}
	return e, nil
}

// Edge decodes the event payload as an Edge.
func (ev DeltaEvent) Edge() (Edge, error) {
	var e Edge
	if err := json.Unmarshal(ev.Payload, &e); err != nil {
		return Edge{}, fmt.Errorf("world: decode %s payload: %w", ev.Type, err)
	}
	return e, nil
}

// Metrics decodes the event payload as a MetricsSample.
func (ev DeltaEvent) Metrics() (MetricsSample, error) {
	var m MetricsSample
	if err := json.Unmarshal(ev.Payload, &m); err != nil {
		return MetricsSample{}, fmt.Errorf("world: decode %s payload: %w", ev.Type, err)
	}
	return m, nil
}

// Health decodes the event payload as a HealthPayload.
func (ev DeltaEvent) Health() (HealthPayload, error) {
	var h HealthPayload
	if err := json.Unmarshal(ev.Payload, &h); err != nil {
		return HealthPayload{}, fmt.Errorf("world: decode %s payload: %w", ev.Type, err)
	}
	return h, nil
}

// Policy decodes the event payload as a PolicyPayload.
func (ev DeltaEvent) Policy() (PolicyPayload, error) {
	var p PolicyPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return PolicyPayload{}, fmt.Errorf("world: decode %s payload: %w", ev.Type, err)
	}
	return p, nil
}

// Session decodes the event payload as a SessionPayload.
func (ev DeltaEvent) Session() (SessionPayload, error) {
	var s SessionPayload
	if err := json.Unmarshal(ev.Payload, &s); err != nil {
		return SessionPayload{}, fmt.Errorf("world: decode %s payload: %w", ev.Type, err)
	}
	return s, nil
}
