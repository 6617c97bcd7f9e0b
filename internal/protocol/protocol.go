// Package protocol interprets inbound client frames and drives the hub to
// produce outbound messages.
//
// One Handler serves every connection. Per-frame dispatch:
//
//	world.ping      → world.pong
//	world.subscribe → world.subscribed + snapshot, or replayed deltas (resume)
//	anything else   → world.error
//
// Resume validation failures are never surfaced as errors: they downgrade
// silently to a fresh snapshot, which is always a complete recovery path.
package protocol

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/meshviz/worldsync/internal/metrics"
	"github.com/meshviz/worldsync/internal/registry"
	"github.com/meshviz/worldsync/internal/token"
	"github.com/meshviz/worldsync/pkg/world"
)

// SnapshotFunc produces the current world model for a fresh subscriber.
// Supplied by the projection step; its cost and failure mode are opaque here
// beyond triggering FETCH_SPEC_FAILED.
type SnapshotFunc func() (world.Model, error)

// fallbackReason labels why a resume attempt was downgraded to snapshot mode.
const (
	fallbackNoToken      = "no_token"
	fallbackInvalidToken = "invalid_token"
	fallbackForeignUser  = "foreign_user"
	fallbackExpired      = "expired"
	fallbackFutureTS     = "future_ts"
	fallbackBootMismatch = "boot_mismatch"
	fallbackEvicted      = "evicted"
)

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for the Handler.
type Option func(*Handler)

// WithMetrics attaches a metrics.Registry for fallback/error/replay counters.
func WithMetrics(reg *metrics.Registry) Option {
	return func(h *Handler) { h.metrics = reg }
}

// WithClock overrides the time source used for envelope timestamps and token
// expiry checks.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// WithClassifierPolicy advertises the server's classifier configuration in
// every world.subscribed ack so clients adopt the operator's policy instead
// of their compiled-in defaults.
func WithClassifierPolicy(p world.ClassifierPolicy) Option {
	return func(h *Handler) { h.classifier = &p }
}

// ─── Handler ─────────────────────────────────────────────────────────────────

// Handler is the per-frame protocol state machine. It owns no connection
// state of its own; everything lives in the hub or in the frames themselves,
// so a single Handler safely serves all connections.
type Handler struct {
	hub      *registry.Hub
	codec    *token.Codec
	fetch    SnapshotFunc
	tokenTTL time.Duration
	bootID   string
	now      func() time.Time

	// Optional integrations (set via functional options).
	metrics    *metrics.Registry
	classifier *world.ClassifierPolicy
}

// New creates a Handler. bootID identifies this server process; resume tokens
// from another boot are downgraded because sequence numbers restart at zero.
func New(hub *registry.Hub, codec *token.Codec, fetch SnapshotFunc, tokenTTL time.Duration, bootID string, opts ...Option) *Handler {
	h := &Handler{
		hub:      hub,
		codec:    codec,
		fetch:    fetch,
		tokenTTL: tokenTTL,
		bootID:   bootID,
		now:      time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// HandleFrame processes one inbound frame from c. It never returns an error:
// every failure mode is answered on the wire, and a single bad frame must not
// tear down the connection.
func (h *Handler) HandleFrame(c *registry.Conn, raw []byte) {
	var in world.Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		h.sendError(c, world.CodeInvalidJSON, "malformed JSON frame", false)
		return
	}

	switch in.Type {
	case world.MsgPing:
		h.send(c, world.Pong{Type: world.MsgPong, TS: h.now().UnixMilli()})

	case world.MsgSubscribe:
		h.handleSubscribe(c, in.Resume)

	default:
		h.sendError(c, world.CodeInvalidMessage, "unrecognized message type", false)
	}
}

// handleSubscribe serves world.subscribe. A resume block is attempted first;
// any validation failure falls back to a fresh snapshot.
func (h *Handler) handleSubscribe(c *registry.Conn, resume *world.ResumeRequest) {
	if resume != nil {
		reason, ok := h.tryResume(c, resume)
		if ok {
			return
		}
		slog.Info("resume downgraded to snapshot",
			"user", c.UserID(), "conn", c.ID(), "reason", reason)
		if h.metrics != nil {
			h.metrics.SnapshotFallbacksTotal.WithLabelValues(reason).Inc()
		}
	}
	h.sendFreshSnapshot(c)
}

// tryResume validates the resume credential and, if the replay range is still
// buffered, replays it. The returned reason is only meaningful when ok=false.
func (h *Handler) tryResume(c *registry.Conn, resume *world.ResumeRequest) (reason string, ok bool) {
	if resume.ResumeToken == "" {
		return fallbackNoToken, false
	}
	claims, valid := h.codec.Decode(resume.ResumeToken)
	if !valid {
		return fallbackInvalidToken, false
	}
	if claims.UserID != c.UserID() {
		return fallbackForeignUser, false
	}
	nowMs := h.now().UnixMilli()
	if claims.IssuedAtMs > nowMs {
		return fallbackFutureTS, false
	}
	if nowMs-claims.IssuedAtMs > h.tokenTTL.Milliseconds() {
		return fallbackExpired, false
	}
	if claims.BootID != h.bootID {
		return fallbackBootMismatch, false
	}

	fromSeq := resume.LastSeq + 1
	replayed, buffered := h.hub.SubscribeResume(c, fromSeq, func(current uint64) []byte {
		frame, err := json.Marshal(world.Subscribed{
			Type:          world.MsgSubscribed,
			SchemaVersion: world.SchemaVersion,
			Seq:           current,
			TS:            nowMs,
			Mode:          world.ModeResume,
			ResumeToken:   h.issueToken(c.UserID(), resume.LastSeq),
			FromSeq:       fromSeq,
			Classifier:    h.classifier,
		})
		if err != nil {
			slog.Error("marshal resume ack", "error", err)
			return nil
		}
		return frame
	})
	if !buffered {
		return fallbackEvicted, false
	}

	slog.Info("client resumed", "user", c.UserID(), "fromSeq", fromSeq, "replayed", replayed)
	if h.metrics != nil && replayed > 0 {
		h.metrics.ReplayedTotal.Add(float64(replayed))
	}
	return "", true
}

// sendFreshSnapshot serves the snapshot path. Seq-pair claim, model fetch,
// frame enqueue, and subscription all run as one step under the hub's
// broadcast lock, so a concurrent mutation is either inside the snapshot
// (lower seq) or delivered as a delta behind it (higher seq) — never lost.
func (h *Handler) sendFreshSnapshot(c *registry.Conn) {
	nowMs := h.now().UnixMilli()
	var snapshotSeq uint64

	err := h.hub.SubscribeFresh(c, func(subSeq, snapSeq uint64) ([][]byte, error) {
		model, err := h.fetch()
		if err != nil {
			return nil, err
		}
		sub, err := json.Marshal(world.Subscribed{
			Type:          world.MsgSubscribed,
			SchemaVersion: world.SchemaVersion,
			Seq:           subSeq,
			TS:            nowMs,
			Mode:          world.ModeSnapshot,
			ResumeToken:   h.issueToken(c.UserID(), snapSeq),
			Classifier:    h.classifier,
		})
		if err != nil {
			return nil, err
		}
		snap, err := json.Marshal(world.Snapshot{
			Type:          world.MsgSnapshot,
			SchemaVersion: world.SchemaVersion,
			Seq:           snapSeq,
			TS:            nowMs,
			Data:          model,
		})
		if err != nil {
			return nil, err
		}
		snapshotSeq = snapSeq
		return [][]byte{sub, snap}, nil
	})
	if err != nil {
		slog.Warn("snapshot fetch failed", "user", c.UserID(), "error", err)
		h.sendError(c, world.CodeFetchSpecFailed, "snapshot production failed", true)
		return
	}

	slog.Info("client subscribed", "user", c.UserID(), "conn", c.ID(), "snapshotSeq", snapshotSeq)
}

// issueToken mints a fresh resume credential bound to this boot.
func (h *Handler) issueToken(userID string, lastSeq uint64) string {
	return h.codec.Encode(token.Claims{
		UserID:     userID,
		LastSeq:    lastSeq,
		IssuedAtMs: h.now().UnixMilli(),
		BootID:     h.bootID,
	})
}

// send marshals and enqueues one outbound message. Send failures mean the
// connection is already gone; they are logged and otherwise ignored.
func (h *Handler) send(c *registry.Conn, msg any) {
	frame, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal outbound message", "error", err)
		return
	}
	if err := h.hub.Send(c, frame); err != nil {
		slog.Warn("send failed", "user", c.UserID(), "error", err)
	}
}

// sendError answers a frame with a world.error message.
func (h *Handler) sendError(c *registry.Conn, code, msg string, retryable bool) {
	if h.metrics != nil {
		h.metrics.ProtocolErrorsTotal.WithLabelValues(code).Inc()
	}
	h.send(c, world.ErrorMessage{
		Type:      world.MsgError,
		Code:      code,
		Message:   msg,
		Retryable: retryable,
	})
}
