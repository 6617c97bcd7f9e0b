// Package world defines the world-model entities, the delta events that
// mutate them, and the wire envelopes exchanged between server and clients.
// It deliberately imports no other worldsync package so that both the server
// store and the client SDK can depend on it without cycles.
package world

// Service is a top-level node in the world graph.
type Service struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Labels holds arbitrary producer-set key/value pairs.
	Labels map[string]string `json:"labels,omitempty"`
}

// Endpoint is an operation exposed by a Service.
// ServiceID must reference an existing Service.
type Endpoint struct {
	ID        string `json:"id"`
	ServiceID string `json:"serviceId"`

	// Method and Path describe the HTTP operation the endpoint projects.
	Method string `json:"method"`
	Path   string `json:"path"`

	// RequiresAuth marks the endpoint as sitting behind the auth gate.
	RequiresAuth bool `json:"requiresAuth"`

	// ParamCount is the number of declared parameters.
	ParamCount int `json:"paramCount"`
}

// Edge is a directed relation between two Endpoints.
// SourceID and TargetID must reference existing Endpoints.
type Edge struct {
	ID       string `json:"id"`
	SourceID string `json:"sourceId"`
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
}

// Model is a complete point-in-time copy of the world graph.
// A Model handed out by the store or received in a snapshot message is a
// private copy: holders may read it freely but must not share mutations.
type Model struct {
	Services  []Service  `json:"services"`
	Endpoints []Endpoint `json:"endpoints"`
	Edges     []Edge     `json:"edges"`
}

// Clone returns a deep copy of the model.
func (m Model) Clone() Model {
	out := Model{
		Services:  make([]Service, len(m.Services)),
		Endpoints: make([]Endpoint, len(m.Endpoints)),
		Edges:     make([]Edge, len(m.Edges)),
	}
	copy(out.Services, m.Services)
	copy(out.Endpoints, m.Endpoints)
	copy(out.Edges, m.Edges)
	for i, s := range out.Services {
		if s.Labels != nil {
			labels := make(map[string]string, len(s.Labels))
			for k, v := range s.Labels {
				labels[k] = v
			}
			out.Services[i].Labels = labels
		}
	}
	return out
}

// HealthStatus is the externally reported health of an endpoint's backing
// dependency.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
	HealthUnknown  HealthStatus = "unknown"
)

// PolicyDecision is the most recent policy-engine verdict for an endpoint.
type PolicyDecision string

const (
	PolicyAllow   PolicyDecision = "allow"
	PolicyDeny    PolicyDecision = "deny"
	PolicyUnknown PolicyDecision = "unknown"
)

// SessionState is the process-wide authentication session signal.
type SessionState string

const (
	SessionNone    SessionState = "none"
	SessionValid   SessionState = "valid"
	SessionExpired SessionState = "expired"
)

// MetricsSample is one raw metrics observation for an endpoint.
type MetricsSample struct {
	RPS       float64 `json:"rps"`
	P50       float64 `json:"p50"`
	P95       float64 `json:"p95"`
	ErrorRate float64 `json:"errorRate"`
}

// Overlay is the mutable per-endpoint bag of the most recent metrics sample
// and health status, merged from delta events.
type Overlay struct {
	Metrics *MetricsSample `json:"metrics,omitempty"`
	Health  HealthStatus   `json:"health,omitempty"`
	Policy  PolicyDecision `json:"policy,omitempty"`
}
