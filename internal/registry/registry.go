// Package registry is the central orchestrator for worldsync broadcasts.
//
// All application code (WebSocket transport, protocol handler, HTTP producer
// API) talks to the Hub — never directly to the ring buffer or connection
// table. The Hub owns the process-wide sequence counter, and every seq
// allocation, ring-buffer append, and per-connection enqueue happens under one
// lock so no two broadcasts can interleave their sequence numbers.
//
// Data flow:
//
//	Producer → Hub.BroadcastDelta → ring buffer + every subscribed Conn
//	Client   → transport read pump → protocol.Handler → Hub.Send
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meshviz/worldsync/internal/metrics"
	"github.com/meshviz/worldsync/internal/node"
	"github.com/meshviz/worldsync/internal/ringbuf"
	"github.com/meshviz/worldsync/pkg/world"
)

// ─── Error sentinels ─────────────────────────────────────────────────────────

var (
	// ErrConnClosed is returned when sending to a connection that has
	// already been closed or replaced.
	ErrConnClosed = errors.New("registry: connection closed")

	// ErrNoEvents is returned when BroadcastDelta is called with an empty
	// batch; an empty delta would burn a sequence number for nothing.
	ErrNoEvents = errors.New("registry: empty event batch")
)

// sendBufferSize is the per-connection outbound queue depth. A connection
// that falls this many frames behind is dropped as a slow consumer.
const sendBufferSize = 64

// ─── Conn ────────────────────────────────────────────────────────────────────

// Conn is one live client connection. The Hub enqueues pre-serialized frames
// on its outbound channel; the transport's write pump drains them, preserving
// per-client FIFO order without holding the hub lock during network writes.
type Conn struct {
	id     string
	userID string

	send chan []byte
	done chan struct{}
	once sync.Once
}

// ID returns the connection's unique ULID.
func (c *Conn) ID() string { return c.id }

// UserID returns the user identity the connection authenticated as.
func (c *Conn) UserID() string { return c.userID }

// Outbound returns the channel the transport's write pump drains.
func (c *Conn) Outbound() <-chan []byte { return c.send }

// Done is closed when the connection is dropped or replaced.
func (c *Conn) Done() <-chan struct{} { return c.done }

// close marks the connection dead. Idempotent.
func (c *Conn) close() {
	c.once.Do(func() { close(c.done) })
}

// enqueue pushes a frame without blocking. It reports false when the
// connection is closed or its outbound queue is full.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for the Hub.
type Option func(*Hub)

// WithMetrics attaches a metrics.Registry so connection, subscription, and
// broadcast counters are kept current.
func WithMetrics(reg *metrics.Registry) Option {
	return func(h *Hub) { h.metrics = reg }
}

// WithClock overrides the timestamp source for broadcast envelopes.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// ─── Hub ─────────────────────────────────────────────────────────────────────

// Hub tracks at most one live connection per user identity, owns the global
// sequence counter, and fans broadcasts out to subscribed connections while
// appending them to the replay ring buffer.
//
// All methods are safe for concurrent use.
type Hub struct {
	buf *ringbuf.Buffer
	now func() time.Time

	// Optional integrations (set via functional options).
	metrics *metrics.Registry

	mu         sync.Mutex
	seq        uint64
	byUser     map[string]*Conn
	subscribed map[*Conn]bool
}

// New creates a Hub whose replay buffer retains bufferCapacity broadcasts.
func New(bufferCapacity int, opts ...Option) *Hub {
	h := &Hub{
		buf:        ringbuf.New(bufferCapacity),
		now:        time.Now,
		byUser:     make(map[string]*Conn),
		subscribed: make(map[*Conn]bool),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Add registers a new connection for userID. If a prior connection exists for
// the same user it is closed first (last-writer-wins) so a reconnect race can
// never cause duplicate delivery.
func (h *Hub) Add(userID string) (*Conn, error) {
	id, err := node.NewID()
	if err != nil {
		return nil, fmt.Errorf("registry: generate connection id: %w", err)
	}

	c := &Conn{
		id:     id,
		userID: userID,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	prev := h.byUser[userID]
	h.byUser[userID] = c
	if prev != nil {
		h.dropLocked(prev)
	}
	h.mu.Unlock()

	if prev != nil {
		slog.Info("connection replaced", "user", userID, "old", prev.id, "new", c.id)
	}
	// A replacement swaps one live connection for another: net zero. The
	// replaced conn's own Remove is a stale no-op and will not decrement.
	if prev == nil && h.metrics != nil {
		h.metrics.ConnectionsActive.Inc()
	}
	return c, nil
}

// Remove unregisters c, but only if it is still the current connection for
// its user. A stale close arriving after the user reconnected must not evict
// the replacement.
func (h *Hub) Remove(c *Conn) {
	h.mu.Lock()
	current := h.byUser[c.userID] == c
	if current {
		delete(h.byUser, c.userID)
		h.dropLocked(c)
	}
	h.mu.Unlock()

	if current && h.metrics != nil {
		h.metrics.ConnectionsActive.Dec()
	}
}

// dropLocked closes a connection and clears its subscription. Caller holds mu.
func (h *Hub) dropLocked(c *Conn) {
	if h.subscribed[c] {
		delete(h.subscribed, c)
		if h.metrics != nil {
			h.metrics.SubscriptionsActive.Dec()
		}
	}
	c.close()
}

// MarkSubscribed flags c as eligible for broadcast. Unsubscribed connections
// never receive deltas.
func (h *Hub) MarkSubscribed(c *Conn) {
	h.mu.Lock()
	already := h.subscribed[c]
	h.subscribed[c] = true
	h.mu.Unlock()

	if !already && h.metrics != nil {
		h.metrics.SubscriptionsActive.Inc()
	}
}

// NextSeq atomically increments and returns the global sequence counter.
func (h *Hub) NextSeq() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	return h.seq
}

// SubscribeFresh serves a snapshot-mode subscription as one atomic step under
// the broadcast lock: it claims two consecutive sequence numbers (subscribed
// ack + snapshot), calls build to produce both frames, enqueues them, and
// marks c broadcast-eligible. Because the lock is held throughout, every
// broadcast either carries a lower seq and is fully reflected in the model
// build reads, or a higher seq and is enqueued behind the snapshot.
//
// If build fails the claimed seqs are released and c stays unsubscribed.
// build runs under the hub lock and must not call back into the Hub.
func (h *Hub) SubscribeFresh(c *Conn, build func(subSeq, snapSeq uint64) ([][]byte, error)) error {
	h.mu.Lock()
	h.seq += 2
	subSeq, snapSeq := h.seq-1, h.seq

	frames, err := build(subSeq, snapSeq)
	if err != nil {
		h.seq -= 2
		h.mu.Unlock()
		return err
	}
	for _, frame := range frames {
		c.enqueue(frame)
	}
	already := h.subscribed[c]
	h.subscribed[c] = true
	h.mu.Unlock()

	if !already && h.metrics != nil {
		h.metrics.SubscriptionsActive.Inc()
	}
	return nil
}

// SubscribeResume serves a resume-mode subscription as one atomic step under
// the broadcast lock: it looks up the buffered range starting at from,
// enqueues the ack frame (built against the current seq) followed by the
// replayed envelopes, and marks c broadcast-eligible. No broadcast can land
// between the replay and the subscription, so delivery stays gap-free.
//
// It reports ok=false, without subscribing, when from has been evicted.
// ack runs under the hub lock and must not call back into the Hub; it may
// return nil to skip the ack frame.
func (h *Hub) SubscribeResume(c *Conn, from uint64, ack func(current uint64) []byte) (replayed int, ok bool) {
	h.mu.Lock()
	entries, ok := h.buf.From(from)
	if !ok {
		h.mu.Unlock()
		return 0, false
	}

	if frame := ack(h.seq); frame != nil {
		c.enqueue(frame)
	}
	for _, e := range entries {
		c.enqueue(e.Payload)
	}
	already := h.subscribed[c]
	h.subscribed[c] = true
	h.mu.Unlock()

	if !already && h.metrics != nil {
		h.metrics.SubscriptionsActive.Inc()
	}
	return len(entries), true
}

// CurrentSeq peeks at the sequence counter without mutating it.
func (h *Hub) CurrentSeq() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

// BroadcastDelta allocates the next seq, serializes a delta envelope, appends
// it to the replay buffer, and enqueues it to every subscribed connection.
// The three steps happen under one lock so replay-from-buffer is always
// consistent with what was actually sent.
//
// Connections whose outbound queue is full are dropped as slow consumers;
// their failure never affects the counter, the buffer, or other connections.
func (h *Hub) BroadcastDelta(events []world.DeltaEvent) (uint64, error) {
	if len(events) == 0 {
		return 0, ErrNoEvents
	}

	h.mu.Lock()
	h.seq++
	seq := h.seq

	env := world.Delta{
		Type:          world.MsgDelta,
		SchemaVersion: world.SchemaVersion,
		Seq:           seq,
		TS:            h.now().UnixMilli(),
		Events:        events,
	}
	frame, err := json.Marshal(env)
	if err != nil {
		// Envelope fields are plain structs; reaching this means a payload
		// constructor produced invalid raw JSON.
		h.mu.Unlock()
		return 0, fmt.Errorf("registry: marshal delta seq %d: %w", seq, err)
	}

	h.buf.Add(seq, frame)

	var dropped []*Conn
	for c := range h.subscribed {
		if !c.enqueue(frame) {
			dropped = append(dropped, c)
		}
	}
	for _, c := range dropped {
		if h.byUser[c.userID] == c {
			delete(h.byUser, c.userID)
		}
		h.dropLocked(c)
	}
	h.mu.Unlock()

	for _, c := range dropped {
		slog.Warn("dropped slow consumer", "user", c.userID, "conn", c.id, "seq", seq)
		if h.metrics != nil {
			h.metrics.ConnectionsActive.Dec()
		}
	}
	if h.metrics != nil {
		h.metrics.BroadcastsTotal.Inc()
		for _, ev := range events {
			h.metrics.EventsTotal.WithLabelValues(string(ev.Type)).Inc()
		}
	}
	return seq, nil
}

// Send enqueues a pre-serialized frame on one connection's outbound queue.
func (h *Hub) Send(c *Conn, frame []byte) error {
	if !c.enqueue(frame) {
		return fmt.Errorf("%w: user %s", ErrConnClosed, c.userID)
	}
	return nil
}

// Replay returns buffered broadcasts with seq >= from, or ok=false when the
// requested seq has already been evicted.
func (h *Hub) Replay(from uint64) ([]ringbuf.Entry, bool) {
	return h.buf.From(from)
}

// ConnCount returns the number of registered connections.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byUser)
}

// SubscriberCount returns the number of broadcast-eligible connections.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribed)
}

// Close drops every connection. Used on server shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	for user, c := range h.byUser {
		delete(h.byUser, user)
		h.dropLocked(c)
	}
	h.mu.Unlock()
}
