package semantic

import (
	"sync"

	"github.com/meshviz/worldsync/pkg/world"
)

// MetricsState is the classified condition of an entity's metrics stream.
type MetricsState string

const (
	MetricsNormal        MetricsState = "normal"
	MetricsLatencyHigh   MetricsState = "latency_high"
	MetricsErrorRateHigh MetricsState = "error_rate_high"
	MetricsUnknown       MetricsState = "unknown"
)

// Thresholds are the sample-level cutoffs the classifier applies.
type Thresholds struct {
	// LatencyMs is the p95 latency above which a sample counts as slow.
	LatencyMs float64

	// ErrorRate is the error-rate fraction above which a sample counts as
	// failing.
	ErrorRate float64
}

// DefaultThresholds match the server's default classifier config.
var DefaultThresholds = Thresholds{LatencyMs: 500, ErrorRate: 0.05}

// entityWindow is the bounded sample history and current state for one entity.
type entityWindow struct {
	samples []world.MetricsSample // at most window entries, oldest first
	state   MetricsState
}

// Classifier is a per-entity hysteresis state machine over metric samples.
//
// A state change requires a full window of consecutive samples unanimously on
// one side of both thresholds; a single outlier mid-window holds the previous
// state unchanged (anti-flap). Before the first full window an entity is
// MetricsUnknown, and a mixed window keeps it unknown — entry and exit
// hysteresis are symmetric.
//
// All methods are safe for concurrent use.
type Classifier struct {
	mu         sync.Mutex
	window     int
	thresholds Thresholds
	entities   map[string]*entityWindow
}

// NewClassifier creates a Classifier with the given anti-flap window size.
// A window below 1 is clamped to 1.
func NewClassifier(window int, thresholds Thresholds) *Classifier {
	if window < 1 {
		window = 1
	}
	return &Classifier{
		window:     window,
		thresholds: thresholds,
		entities:   make(map[string]*entityWindow),
	}
}

// Push appends a sample to the entity's window and returns the (possibly
// unchanged) classified state.
func (c *Classifier) Push(id string, sample world.MetricsSample) MetricsState {
	c.mu.Lock()
	defer c.mu.Unlock()

	ew, ok := c.entities[id]
	if !ok {
		ew = &entityWindow{
			samples: make([]world.MetricsSample, 0, c.window),
			state:   MetricsUnknown,
		}
		c.entities[id] = ew
	}

	if len(ew.samples) == c.window {
		copy(ew.samples, ew.samples[1:])
		ew.samples = ew.samples[:len(ew.samples)-1]
	}
	ew.samples = append(ew.samples, sample)

	if len(ew.samples) == c.window {
		ew.state = c.reclassify(ew)
	}
	return ew.state
}

// reclassify inspects a full window and returns the next state.
// Error rate outranks latency; a mixed window holds the previous state.
func (c *Classifier) reclassify(ew *entityWindow) MetricsState {
	allErrHigh := true
	allLatHighErrOK := true
	allNormal := true

	for _, s := range ew.samples {
		errHigh := s.ErrorRate > c.thresholds.ErrorRate
		latHigh := s.P95 > c.thresholds.LatencyMs

		if !errHigh {
			allErrHigh = false
		}
		if !(latHigh && !errHigh) {
			allLatHighErrOK = false
		}
		if errHigh || latHigh {
			allNormal = false
		}
	}

	switch {
	case allErrHigh:
		return MetricsErrorRateHigh
	case allLatHighErrOK:
		return MetricsLatencyHigh
	case allNormal:
		return MetricsNormal
	default:
		return ew.state
	}
}

// Classify returns the entity's current state without side effects.
// Entities that were never pushed are MetricsUnknown.
func (c *Classifier) Classify(id string) MetricsState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ew, ok := c.entities[id]; ok {
		return ew.state
	}
	return MetricsUnknown
}

// Remove discards the entity's history. Used when an entity is deleted so a
// reused ID never inherits stale classification.
func (c *Classifier) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entities, id)
}

// Reset clears all entities. Used on full world-model replacement.
func (c *Classifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities = make(map[string]*entityWindow)
}
