package world

// wire.go — JSON envelopes exchanged over the WebSocket channel.
//
// Client → server:
//
//	{"type":"world.subscribe","resume":{"lastSeq":10,"resumeToken":"…"}}
//	{"type":"world.ping"}
//
// Server → client:
//
//	{"type":"world.subscribed","schemaVersion":1,"seq":…,"ts":…,"mode":"snapshot"|"resume",…}
//	{"type":"world.snapshot","schemaVersion":1,"seq":…,"ts":…,"data":{…}}
//	{"type":"world.delta","schemaVersion":1,"seq":…,"ts":…,"events":[…]}
//	{"type":"world.error","code":"…","message":"…","retryable":false}
//	{"type":"world.pong","ts":…}

// SchemaVersion is the wire protocol version stamped on every server message.
// Bump only on incompatible envelope changes; payload additions are free.
const SchemaVersion = 1

// MessageType identifies a wire message variant.
type MessageType string

const (
	// Client → server.
	MsgSubscribe MessageType = "world.subscribe"
	MsgPing      MessageType = "world.ping"

	// Server → client.
	MsgSubscribed MessageType = "world.subscribed"
	MsgSnapshot   MessageType = "world.snapshot"
	MsgDelta      MessageType = "world.delta"
	MsgError      MessageType = "world.error"
	MsgPong       MessageType = "world.pong"
)

// SubscribeMode says how a subscription was established.
type SubscribeMode string

const (
	ModeSnapshot SubscribeMode = "snapshot"
	ModeResume   SubscribeMode = "resume"
)

// Error codes carried by ErrorMessage.
const (
	CodeInvalidJSON     = "INVALID_JSON"
	CodeInvalidMessage  = "INVALID_MESSAGE"
	CodeFetchSpecFailed = "FETCH_SPEC_FAILED"
)

// Inbound is the minimal shape used to dispatch a client frame.
type Inbound struct {
	Type   MessageType    `json:"type"`
	Resume *ResumeRequest `json:"resume,omitempty"`
}

// ResumeRequest is the optional resume block of a world.subscribe frame.
type ResumeRequest struct {
	LastSeq     uint64 `json:"lastSeq"`
	ResumeToken string `json:"resumeToken"`
}

// ClassifierPolicy is the server's metrics-classification policy, advertised
// on subscribe so every client derives the same states the operator
// configured.
type ClassifierPolicy struct {
	// Window is the number of consecutive unanimous samples required to
	// change a classified state.
	Window int `json:"window"`

	// LatencyMs is the p95 latency above which a sample counts as slow.
	LatencyMs float64 `json:"latencyMs"`

	// ErrorRate is the error-rate fraction above which a sample counts as
	// failing.
	ErrorRate float64 `json:"errorRate"`
}

// Subscribed acknowledges a subscription. Mode tells the client whether a
// full snapshot follows (ModeSnapshot) or buffered deltas starting at FromSeq
// (ModeResume).
type Subscribed struct {
	Type          MessageType       `json:"type"`
	SchemaVersion int               `json:"schemaVersion"`
	Seq           uint64            `json:"seq"`
	TS            int64             `json:"ts"`
	Mode          SubscribeMode     `json:"mode"`
	ResumeToken   string            `json:"resumeToken,omitempty"`
	FromSeq       uint64            `json:"fromSeq,omitempty"`
	Classifier    *ClassifierPolicy `json:"classifier,omitempty"`
}

// Snapshot carries a complete world model.
type Snapshot struct {
	Type          MessageType `json:"type"`
	SchemaVersion int         `json:"schemaVersion"`
	Seq           uint64      `json:"seq"`
	TS            int64       `json:"ts"`
	Data          Model       `json:"data"`
}

// Delta carries an ordered batch of change events under one sequence number.
type Delta struct {
	Type          MessageType  `json:"type"`
	SchemaVersion int          `json:"schemaVersion"`
	Seq           uint64       `json:"seq"`
	TS            int64        `json:"ts"`
	Events        []DeltaEvent `json:"events"`
}

// ErrorMessage reports a protocol-level failure to the client.
// Retryable errors may be resolved by re-subscribing; non-retryable ones
// indicate a malformed request.
type ErrorMessage struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

// Pong answers a world.ping.
type Pong struct {
	Type MessageType `json:"type"`
	TS   int64       `json:"ts"`
}
