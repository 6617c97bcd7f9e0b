package client

import (
	"encoding/json"
	"testing"

	"github.com/meshviz/worldsync/pkg/semantic"
	"github.com/meshviz/worldsync/pkg/world"
)

func frame(t *testing.T, msg any) []byte {
	t.Helper()
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return raw
}

func TestResync_CoalescedUntilSnapshot(t *testing.T) {
	c := New("ws://example/ws")
	c.mu.Lock()
	c.resumeToken = "stale-token"
	c.mu.Unlock()

	if !c.beginResync() {
		t.Fatal("first gap must start a resync")
	}
	c.mu.Lock()
	token := c.resumeToken
	c.mu.Unlock()
	if token != "" {
		t.Error("starting a resync must discard the resume credential")
	}

	// Further gap deltas arriving before the fresh snapshot are part of the
	// same divergence; one round trip covers them all.
	if c.beginResync() {
		t.Fatal("gaps during an in-flight resync must not resubscribe again")
	}

	// The answering snapshot re-baselines the replica and re-arms detection.
	c.handleFrame(nil, frame(t, world.Snapshot{Type: world.MsgSnapshot, Seq: 7}))
	if got := c.reducer.LastSeq(); got != 7 {
		t.Fatalf("snapshot must re-baseline, lastSeq = %d", got)
	}
	if !c.beginResync() {
		t.Error("a gap after the re-baseline must start a fresh resync")
	}
}

func TestSubscribed_AdoptsServerClassifierPolicy(t *testing.T) {
	c := New("ws://example/ws")

	c.handleFrame(nil, frame(t, world.Subscribed{
		Type:        world.MsgSubscribed,
		Mode:        world.ModeSnapshot,
		ResumeToken: "tok",
		Classifier:  &world.ClassifierPolicy{Window: 1, LatencyMs: 100, ErrorRate: 0.5},
	}))
	c.handleFrame(nil, frame(t, baseSnapshot(1)))
	c.handleFrame(nil, frame(t, delta(2,
		world.MetricsUpdated("ep:list", world.MetricsSample{P95: 200}))))

	// Window 1 with a 100ms threshold: a single 200ms sample classifies.
	view := c.Snapshot().Endpoints["ep:list"]
	if view.Metrics != semantic.MetricsLatencyHigh {
		t.Errorf("server policy not adopted: metrics = %s", view.Metrics)
	}
}

func TestSubscribed_PinnedClassifierWinsOverServerPolicy(t *testing.T) {
	c := New("ws://example/ws",
		WithClassifier(3, semantic.DefaultThresholds))

	c.handleFrame(nil, frame(t, world.Subscribed{
		Type:       world.MsgSubscribed,
		Mode:       world.ModeSnapshot,
		Classifier: &world.ClassifierPolicy{Window: 1, LatencyMs: 100, ErrorRate: 0.5},
	}))
	c.handleFrame(nil, frame(t, baseSnapshot(1)))
	c.handleFrame(nil, frame(t, delta(2,
		world.MetricsUpdated("ep:list", world.MetricsSample{P95: 900}))))

	// Pinned window of 3: one sample is not enough to classify.
	view := c.Snapshot().Endpoints["ep:list"]
	if view.Metrics != semantic.MetricsUnknown {
		t.Errorf("pinned policy must win: metrics = %s", view.Metrics)
	}
}
