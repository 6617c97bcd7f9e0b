// Package semantic derives a stable operational status for each world-model
// entity from its current signals: auth requirement, session state, health,
// classified metrics, and policy decisions.
//
// The package has two halves. The Classifier is a per-entity hysteresis state
// machine that turns noisy metric samples into a stable MetricsState. Resolve
// is a pure precedence function that maps a full signal tuple to link state,
// blocking reason, and zone. Neither half keeps hidden global state: callers
// construct and own their instances.
package semantic

import "github.com/meshviz/worldsync/pkg/world"

// LinkState is the externally visible health summary of an entity.
type LinkState string

const (
	LinkOK       LinkState = "ok"
	LinkDegraded LinkState = "degraded"
	LinkBlocked  LinkState = "blocked"
	LinkUnknown  LinkState = "unknown"
)

// Reason explains a non-ok link state.
type Reason string

const (
	ReasonAuthRequiredNoSession Reason = "auth_required_no_session"
	ReasonAuthTokenExpired      Reason = "auth_token_expired"
	ReasonPolicyDenied          Reason = "policy_denied"
	ReasonDependencyUnhealthy   Reason = "dependency_unhealthy_hard"
	ReasonServiceUnhealthySoft  Reason = "service_unhealthy_soft"
	ReasonLatencyHigh           Reason = "latency_high"
	ReasonErrorRateHigh         Reason = "error_rate_high"
	ReasonSignalMissing         Reason = "signal_missing"
)

// Zone is a coarse security/topology classification derived from auth
// requirements.
type Zone string

const (
	ZonePublicPerimeter Zone = "public-perimeter"
	ZoneProtectedCore   Zone = "protected-core"
	ZoneAuthHub         Zone = "auth-hub"
)

// State is the derived semantic status of one entity. It is never stored
// independently — always recomputed from current signals.
type State struct {
	Link   LinkState `json:"linkState"`
	Reason Reason    `json:"reason,omitempty"`
	Zone   Zone      `json:"zone"`
}

// Resolve maps a signal tuple to the entity's semantic state. Rules are
// evaluated strictly in order; the first match wins:
//
//  1. auth required, no session        → blocked / auth_required_no_session
//  2. auth required, session expired   → blocked / auth_token_expired
//  3. policy denies                    → blocked / policy_denied
//  4. dependency down                  → blocked / dependency_unhealthy_hard
//  5. dependency degraded              → degraded / service_unhealthy_soft
//  6. latency classified high          → degraded / latency_high
//  7. error rate classified high       → degraded / error_rate_high
//  8. neither health nor metrics known → unknown / signal_missing
//  9. otherwise                        → ok
//
// Zone is assigned independently of the rule outcome.
func Resolve(
	hasAuth bool,
	session world.SessionState,
	health world.HealthStatus,
	metrics MetricsState,
	policy world.PolicyDecision,
) State {
	zone := ZonePublicPerimeter
	if hasAuth {
		zone = ZoneProtectedCore
	}

	switch {
	case hasAuth && session == world.SessionNone:
		return State{Link: LinkBlocked, Reason: ReasonAuthRequiredNoSession, Zone: zone}
	case hasAuth && session == world.SessionExpired:
		return State{Link: LinkBlocked, Reason: ReasonAuthTokenExpired, Zone: zone}
	case policy == world.PolicyDeny:
		return State{Link: LinkBlocked, Reason: ReasonPolicyDenied, Zone: zone}
	case health == world.HealthDown:
		return State{Link: LinkBlocked, Reason: ReasonDependencyUnhealthy, Zone: zone}
	case health == world.HealthDegraded:
		return State{Link: LinkDegraded, Reason: ReasonServiceUnhealthySoft, Zone: zone}
	case metrics == MetricsLatencyHigh:
		return State{Link: LinkDegraded, Reason: ReasonLatencyHigh, Zone: zone}
	case metrics == MetricsErrorRateHigh:
		return State{Link: LinkDegraded, Reason: ReasonErrorRateHigh, Zone: zone}
	case health == world.HealthUnknown && metrics == MetricsUnknown:
		return State{Link: LinkUnknown, Reason: ReasonSignalMissing, Zone: zone}
	default:
		return State{Link: LinkOK, Zone: zone}
	}
}

// GateState is the status of the virtual auth-gate entity that fronts every
// protected endpoint. It is derived from the session signal alone so that
// aggregate routing can be gated regardless of per-endpoint results.
type GateState struct {
	Open   bool      `json:"open"`
	Link   LinkState `json:"linkState"`
	Reason Reason    `json:"reason,omitempty"`
	Zone   Zone      `json:"zone"`
}

// AuthGate derives the virtual gate entity's state from the session signal.
func AuthGate(session world.SessionState) GateState {
	switch session {
	case world.SessionNone:
		return GateState{Open: false, Link: LinkBlocked, Reason: ReasonAuthRequiredNoSession, Zone: ZoneAuthHub}
	case world.SessionExpired:
		return GateState{Open: false, Link: LinkBlocked, Reason: ReasonAuthTokenExpired, Zone: ZoneAuthHub}
	default:
		return GateState{Open: true, Link: LinkOK, Zone: ZoneAuthHub}
	}
}
