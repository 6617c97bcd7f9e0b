package client

import (
	"sync"

	"github.com/meshviz/worldsync/pkg/semantic"
	"github.com/meshviz/worldsync/pkg/world"
)

// EndpointView pairs a replicated endpoint with its derived semantic status.
type EndpointView struct {
	Endpoint world.Endpoint
	Metrics  semantic.MetricsState
	State    semantic.State
}

// Generation is one immutable recomputation of the derived world view.
// Holders may read it freely and indefinitely; the SemanticStore never
// mutates a generation after publishing it, it only publishes new ones.
type Generation struct {
	// Seq is the last accepted sequence number this view was derived from.
	Seq uint64

	// Session is the process-wide session signal at derivation time.
	Session world.SessionState

	// Gate is the virtual auth-gate entity's state.
	Gate semantic.GateState

	// Endpoints maps endpoint ID to its derived view.
	Endpoints map[string]EndpointView
}

// SemanticStore recomputes the semantic status of every endpoint whenever
// entities, overlays, or session state change, publishing each result as a
// fresh copy-on-write Generation.
//
// All methods are safe for concurrent use; Snapshot is wait-free for readers.
type SemanticStore struct {
	classifier *semantic.Classifier

	mu  sync.RWMutex
	gen *Generation
}

// NewSemanticStore builds a store with its own classifier instance.
func NewSemanticStore(window int, thresholds semantic.Thresholds) *SemanticStore {
	return &SemanticStore{
		classifier: semantic.NewClassifier(window, thresholds),
		gen:        &Generation{Session: world.SessionNone, Gate: semantic.AuthGate(world.SessionNone), Endpoints: map[string]EndpointView{}},
	}
}

// Snapshot returns the current generation without copying. The returned
// value is immutable; callers captured on an older generation are unaffected
// by later recomputations.
func (s *SemanticStore) Snapshot() *Generation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// ObserveDelta feeds classifier-relevant events from an applied delta, then
// recomputes and publishes a new generation from the replica.
func (s *SemanticStore) ObserveDelta(r *Reducer, events []world.DeltaEvent) *Generation {
	for _, ev := range events {
		switch ev.Type {
		case world.EventEndpointMetricsUpdated:
			if m, err := ev.Metrics(); err == nil {
				s.classifier.Push(ev.EntityID, m)
			}
		case world.EventEndpointRemoved:
			s.classifier.Remove(ev.EntityID)
		}
	}
	return s.recompute(r)
}

// ObserveSnapshot resets classifier history (the world was replaced) and
// recomputes from the fresh replica.
func (s *SemanticStore) ObserveSnapshot(r *Reducer) *Generation {
	s.classifier.Reset()
	return s.recompute(r)
}

// recompute derives a new generation from the replica and publishes it.
func (s *SemanticStore) recompute(r *Reducer) *Generation {
	session := r.Session()
	model := r.Model()

	endpoints := make(map[string]EndpointView, len(model.Endpoints))
	for _, ep := range model.Endpoints {
		health := world.HealthUnknown
		policy := world.PolicyUnknown
		if ov, ok := r.Overlay(ep.ID); ok {
			if ov.Health != "" {
				health = ov.Health
			}
			if ov.Policy != "" {
				policy = ov.Policy
			}
		}
		metrics := s.classifier.Classify(ep.ID)

		endpoints[ep.ID] = EndpointView{
			Endpoint: ep,
			Metrics:  metrics,
			State:    semantic.Resolve(ep.RequiresAuth, session, health, metrics, policy),
		}
	}

	gen := &Generation{
		Seq:       r.LastSeq(),
		Session:   session,
		Gate:      semantic.AuthGate(session),
		Endpoints: endpoints,
	}

	s.mu.Lock()
	s.gen = gen
	s.mu.Unlock()
	return gen
}
