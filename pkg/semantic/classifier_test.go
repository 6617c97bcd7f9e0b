package semantic_test

import (
	"testing"

	"github.com/meshviz/worldsync/pkg/semantic"
	"github.com/meshviz/worldsync/pkg/world"
)

func newClassifier(t *testing.T) *semantic.Classifier {
	t.Helper()
	return semantic.NewClassifier(3, semantic.Thresholds{LatencyMs: 500, ErrorRate: 0.05})
}

func sample(p95, errRate float64) world.MetricsSample {
	return world.MetricsSample{RPS: 100, P50: p95 / 2, P95: p95, ErrorRate: errRate}
}

func TestClassify_UnknownBeforeFullWindow(t *testing.T) {
	c := newClassifier(t)

	if got := c.Classify("ep:1"); got != semantic.MetricsUnknown {
		t.Fatalf("never-pushed entity: expected unknown, got %s", got)
	}

	c.Push("ep:1", sample(100, 0.01))
	c.Push("ep:1", sample(100, 0.01))
	if got := c.Classify("ep:1"); got != semantic.MetricsUnknown {
		t.Errorf("2 of 3 samples: expected unknown, got %s", got)
	}
}

func TestPush_ThreeSlowSamples_LatencyHigh(t *testing.T) {
	c := newClassifier(t)

	c.Push("ep:1", sample(600, 0.01))
	c.Push("ep:1", sample(700, 0.01))
	got := c.Push("ep:1", sample(550, 0.01))

	if got != semantic.MetricsLatencyHigh {
		t.Errorf("expected latency_high, got %s", got)
	}
}

func TestPush_ErrorRateOutranksLatency(t *testing.T) {
	c := newClassifier(t)

	// All samples are both slow and failing; error rate wins.
	for i := 0; i < 3; i++ {
		c.Push("ep:1", sample(900, 0.20))
	}
	if got := c.Classify("ep:1"); got != semantic.MetricsErrorRateHigh {
		t.Errorf("expected error_rate_high, got %s", got)
	}
}

func TestPush_SingleOutlierDoesNotFlip(t *testing.T) {
	c := newClassifier(t)

	// Establish latency_high.
	for i := 0; i < 3; i++ {
		c.Push("ep:1", sample(800, 0.01))
	}
	if got := c.Classify("ep:1"); got != semantic.MetricsLatencyHigh {
		t.Fatalf("setup: expected latency_high, got %s", got)
	}

	// One fast sample makes the window mixed — state must hold.
	if got := c.Push("ep:1", sample(50, 0.01)); got != semantic.MetricsLatencyHigh {
		t.Errorf("mixed window must hold previous state, got %s", got)
	}

	// Two more fast samples complete a unanimous normal window.
	c.Push("ep:1", sample(60, 0.01))
	if got := c.Push("ep:1", sample(70, 0.01)); got != semantic.MetricsNormal {
		t.Errorf("unanimous normal window must recover, got %s", got)
	}
}

func TestPush_ExitRequiresFullWindow(t *testing.T) {
	c := newClassifier(t)

	for i := 0; i < 3; i++ {
		c.Push("ep:1", sample(900, 0.50))
	}

	// Two healthy samples are not enough to leave error_rate_high.
	c.Push("ep:1", sample(50, 0.001))
	if got := c.Push("ep:1", sample(50, 0.001)); got != semantic.MetricsErrorRateHigh {
		t.Errorf("partial recovery window must hold state, got %s", got)
	}

	if got := c.Push("ep:1", sample(50, 0.001)); got != semantic.MetricsNormal {
		t.Errorf("full healthy window must transition to normal, got %s", got)
	}
}

func TestPush_MixedFirstWindow_StaysUnknown(t *testing.T) {
	c := newClassifier(t)

	c.Push("ep:1", sample(900, 0.01))
	c.Push("ep:1", sample(50, 0.01))
	if got := c.Push("ep:1", sample(900, 0.01)); got != semantic.MetricsUnknown {
		t.Errorf("mixed window with no prior state must stay unknown, got %s", got)
	}
}

func TestRemove_DiscardsHistory(t *testing.T) {
	c := newClassifier(t)

	for i := 0; i < 3; i++ {
		c.Push("ep:1", sample(900, 0.50))
	}
	c.Remove("ep:1")

	if got := c.Classify("ep:1"); got != semantic.MetricsUnknown {
		t.Errorf("removed entity must classify unknown, got %s", got)
	}

	// A reused ID starts a fresh window.
	c.Push("ep:1", sample(50, 0.001))
	if got := c.Classify("ep:1"); got != semantic.MetricsUnknown {
		t.Errorf("reused ID must not inherit stale state, got %s", got)
	}
}

func TestReset_ClearsAllEntities(t *testing.T) {
	c := newClassifier(t)

	for i := 0; i < 3; i++ {
		c.Push("ep:1", sample(900, 0.50))
		c.Push("ep:2", sample(900, 0.50))
	}
	c.Reset()

	for _, id := range []string{"ep:1", "ep:2"} {
		if got := c.Classify(id); got != semantic.MetricsUnknown {
			t.Errorf("%s: expected unknown after reset, got %s", id, got)
		}
	}
}

func TestPush_IndependentEntities(t *testing.T) {
	c := newClassifier(t)

	for i := 0; i < 3; i++ {
		c.Push("ep:slow", sample(900, 0.01))
		c.Push("ep:fast", sample(50, 0.01))
	}

	if got := c.Classify("ep:slow"); got != semantic.MetricsLatencyHigh {
		t.Errorf("ep:slow: expected latency_high, got %s", got)
	}
	if got := c.Classify("ep:fast"); got != semantic.MetricsNormal {
		t.Errorf("ep:fast: expected normal, got %s", got)
	}
}
