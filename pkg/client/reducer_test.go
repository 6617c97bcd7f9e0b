package client

import (
	"testing"

	"github.com/meshviz/worldsync/pkg/world"
)

func baseSnapshot(seq uint64) world.Snapshot {
	return world.Snapshot{
		Type: world.MsgSnapshot,
		Seq:  seq,
		Data: world.Model{
			Services: []world.Service{{ID: "svc:users", Name: "users"}},
			Endpoints: []world.Endpoint{
				{ID: "ep:list", ServiceID: "svc:users", Method: "GET", Path: "/users"},
			},
		},
	}
}

func delta(seq uint64, events ...world.DeltaEvent) world.Delta {
	return world.Delta{Type: world.MsgDelta, Seq: seq, Events: events}
}

func TestApplyDelta_NextInOrder(t *testing.T) {
	r := NewReducer()
	r.ApplySnapshot(baseSnapshot(2))

	d := delta(3, world.ServiceUpserted(world.Service{ID: "svc:orders", Name: "orders"}))
	if v := r.ApplyDelta(d); v != VerdictApplied {
		t.Fatalf("expected applied, got %s", v)
	}
	if r.LastSeq() != 3 {
		t.Errorf("lastSeq = %d, want 3", r.LastSeq())
	}
	if len(r.Model().Services) != 2 {
		t.Errorf("service not applied: %+v", r.Model().Services)
	}
}

func TestApplyDelta_DuplicateIgnored(t *testing.T) {
	r := NewReducer()
	r.ApplySnapshot(baseSnapshot(2))

	d := delta(3, world.ServiceUpserted(world.Service{ID: "svc:orders", Name: "orders"}))
	if v := r.ApplyDelta(d); v != VerdictApplied {
		t.Fatalf("first apply: got %s", v)
	}
	before := r.Model()

	// Same envelope again, and a stale one from before the baseline.
	if v := r.ApplyDelta(d); v != VerdictIgnored {
		t.Fatalf("duplicate: expected ignored, got %s", v)
	}
	stale := delta(1, world.ServiceRemoved("svc:users"))
	if v := r.ApplyDelta(stale); v != VerdictIgnored {
		t.Fatalf("stale: expected ignored, got %s", v)
	}

	after := r.Model()
	if len(after.Services) != len(before.Services) || r.LastSeq() != 3 {
		t.Errorf("ignored deltas must not mutate: before=%d after=%d seq=%d",
			len(before.Services), len(after.Services), r.LastSeq())
	}
}

func TestApplyDelta_GapTriggersResync(t *testing.T) {
	r := NewReducer()
	r.ApplySnapshot(baseSnapshot(9))

	d := delta(11, world.ServiceUpserted(world.Service{ID: "svc:orders"}))
	if v := r.ApplyDelta(d); v != VerdictResync {
		t.Fatalf("expected resync, got %s", v)
	}
	if r.LastSeq() != 9 {
		t.Errorf("resync must not advance lastSeq, got %d", r.LastSeq())
	}
	if _, ok := r.Endpoint("ep:list"); !ok {
		t.Error("resync must not mutate the replica")
	}
	if len(r.Model().Services) != 1 {
		t.Error("gap delta events must not be applied")
	}
}

func TestApplySnapshot_ResetsOverlaysAndSession(t *testing.T) {
	r := NewReducer()
	r.ApplySnapshot(baseSnapshot(2))

	d := delta(3,
		world.HealthUpdated("ep:list", world.HealthDegraded),
		world.SessionUpdated(world.SessionValid),
	)
	if v := r.ApplyDelta(d); v != VerdictApplied {
		t.Fatalf("apply: got %s", v)
	}
	if _, ok := r.Overlay("ep:list"); !ok {
		t.Fatal("overlay should exist after health update")
	}

	r.ApplySnapshot(baseSnapshot(10))
	if _, ok := r.Overlay("ep:list"); ok {
		t.Error("snapshot must discard overlays")
	}
	if r.Session() != world.SessionNone {
		t.Errorf("snapshot must reset session, got %s", r.Session())
	}
	if r.LastSeq() != 10 {
		t.Errorf("lastSeq = %d, want 10", r.LastSeq())
	}
}

func TestEndpointRemovalClearsOverlay(t *testing.T) {
	r := NewReducer()
	r.ApplySnapshot(baseSnapshot(1))

	if v := r.ApplyDelta(delta(2, world.HealthUpdated("ep:list", world.HealthDown))); v != VerdictApplied {
		t.Fatalf("health update: got %s", v)
	}
	if v := r.ApplyDelta(delta(3, world.EndpointRemoved("ep:list"))); v != VerdictApplied {
		t.Fatalf("removal: got %s", v)
	}
	if _, ok := r.Overlay("ep:list"); ok {
		t.Error("overlay must be cleared with its endpoint")
	}

	// Re-adding the same ID must not resurrect the old overlay.
	readd := delta(4, world.EndpointUpserted(world.Endpoint{ID: "ep:list", ServiceID: "svc:users"}))
	if v := r.ApplyDelta(readd); v != VerdictApplied {
		t.Fatalf("re-add: got %s", v)
	}
	if _, ok := r.Overlay("ep:list"); ok {
		t.Error("reused ID must start with no overlay")
	}
}

func TestApplyDelta_IdempotentRemovals(t *testing.T) {
	r := NewReducer()
	r.ApplySnapshot(baseSnapshot(1))

	if v := r.ApplyDelta(delta(2, world.ServiceRemoved("svc:ghost"), world.EdgeRemoved("edge:ghost"))); v != VerdictApplied {
		t.Fatalf("no-op removals must still apply, got %s", v)
	}
	if r.LastSeq() != 2 {
		t.Errorf("lastSeq = %d, want 2", r.LastSeq())
	}
}
