// Package client is the Go SDK for worldsync consumers.
//
// # Quick start
//
//	c := client.New("ws://localhost:8080/ws",
//	    client.WithUserID("viewer-1"),
//	    client.OnStateChange(func(g *client.Generation) {
//	        render(g)
//	    }))
//
//	if err := c.Dial(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
// The client subscribes on connect, applies snapshot and delta frames to a
// local replica, and recomputes per-endpoint semantic state after every
// accepted change. Each recomputation is published as an immutable
// Generation; Snapshot returns the current one at any time.
//
// # Consistency
//
// Frames are handled one at a time, run to completion. A sequence gap makes
// the client discard its resume credential and re-subscribe for a fresh
// snapshot, so the replica is always either exactly consistent with the
// server's broadcast order or in the middle of an explicit resync.
//
// # Reconnection
//
// On connection loss the client redials after a fixed delay, presenting its
// saved lastSeq and resume token. The server either replays the missed range
// or downgrades to a fresh snapshot; both paths converge.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/meshviz/worldsync/pkg/semantic"
	"github.com/meshviz/worldsync/pkg/world"
)

const (
	defaultKeepalive      = 25 * time.Second
	defaultReconnectDelay = 2 * time.Second
	defaultWindow         = 3
)

// ─── Client options ──────────────────────────────────────────────────────────

// Option configures a Client.
type Option func(*Client)

// WithUserID sets the user identity presented to the server. Servers track
// one live connection per user; a second connection with the same ID replaces
// the first. The default is "anonymous".
func WithUserID(id string) Option {
	return func(c *Client) { c.userID = id }
}

// WithAPIKey sets the API key sent as the X-Api-Key header on the upgrade
// request. Required when the server has auth enabled.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.header.Set("X-Api-Key", key) }
}

// WithKeepalive sets the ping interval. The default is 25 seconds.
func WithKeepalive(d time.Duration) Option {
	return func(c *Client) { c.keepalive = d }
}

// WithReconnectDelay sets the fixed delay between reconnect attempts.
// The default is 2 seconds.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) { c.reconnectDelay = d }
}

// WithClassifier overrides the metrics classifier's anti-flap window and
// thresholds. Without this option the client adopts whatever policy the
// server advertises on subscribe; with it the local values always win.
func WithClassifier(window int, thresholds semantic.Thresholds) Option {
	return func(c *Client) {
		c.window = window
		c.thresholds = thresholds
		c.classifierPinned = true
	}
}

// WithDialer replaces the default gorilla dialer. Use this to configure TLS
// or proxies.
func WithDialer(d *gorillaws.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// OnStateChange registers a callback invoked with every published
// generation. The callback runs on the client's frame-handling goroutine;
// keep it fast or hand the generation off.
func OnStateChange(fn func(*Generation)) Option {
	return func(c *Client) { c.onChange = fn }
}

// OnError registers a callback for world.error messages from the server.
func OnError(fn func(world.ErrorMessage)) Option {
	return func(c *Client) { c.onError = fn }
}

// ─── Client ──────────────────────────────────────────────────────────────────

// Client maintains a live replica of the server's world model over a
// WebSocket connection.
type Client struct {
	url              string
	userID           string
	header           http.Header
	keepalive        time.Duration
	reconnectDelay   time.Duration
	window           int
	thresholds       semantic.Thresholds
	classifierPinned bool
	dialer           *gorillaws.Dialer
	onChange         func(*Generation)
	onError          func(world.ErrorMessage)

	reducer *Reducer

	// mu guards resumeToken, the resync flag, and the semantic store handle
	// (swapped when the server advertises a different classifier policy).
	// All are written by the frame-handling goroutine and read elsewhere.
	mu          sync.Mutex
	resumeToken string
	resyncing   bool
	sem         *SemanticStore

	// writeMu serializes frame writes (subscribe/resubscribe vs keepalive).
	writeMu sync.Mutex
	conn    *gorillaws.Conn

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Client for the server's /ws endpoint, e.g.
// "ws://localhost:8080/ws". Call Dial to connect.
func New(wsURL string, opts ...Option) *Client {
	c := &Client{
		url:            wsURL,
		userID:         "anonymous",
		header:         http.Header{},
		keepalive:      defaultKeepalive,
		reconnectDelay: defaultReconnectDelay,
		window:         defaultWindow,
		thresholds:     semantic.DefaultThresholds,
		dialer:         gorillaws.DefaultDialer,
		reducer:        NewReducer(),
		closed:         make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.sem = NewSemanticStore(c.window, c.thresholds)
	return c
}

// Dial connects, subscribes, and starts the frame-handling loop. The first
// connection attempt is synchronous so configuration errors surface
// immediately; after that the client reconnects on its own until Close.
func (c *Client) Dial(ctx context.Context) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}

	c.wg.Add(1)
	go c.run(ctx, conn)
	return nil
}

// Close stops the client and closes the connection. Safe to call more than
// once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	c.writeMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.writeMu.Unlock()
	c.wg.Wait()
	return nil
}

// Snapshot returns the current derived-state generation.
func (c *Client) Snapshot() *Generation {
	return c.semStore().Snapshot()
}

// LastSeq returns the seq of the last generation the client published.
func (c *Client) LastSeq() uint64 {
	return c.semStore().Snapshot().Seq
}

func (c *Client) semStore() *SemanticStore {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sem
}

// ─── Connection lifecycle ────────────────────────────────────────────────────

// connect dials the server and sends the initial subscribe frame.
func (c *Client) connect(ctx context.Context) (*gorillaws.Conn, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, fmt.Errorf("client: parse url %q: %w", c.url, err)
	}
	q := u.Query()
	q.Set("user", c.userID)
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), c.header)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", u.String(), err)
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	if err := c.subscribe(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// subscribe sends a world.subscribe frame, attaching the saved resume
// credential when one is held.
func (c *Client) subscribe(conn *gorillaws.Conn) error {
	in := world.Inbound{Type: world.MsgSubscribe}

	c.mu.Lock()
	if c.resumeToken != "" && c.reducer.LastSeq() > 0 {
		in.Resume = &world.ResumeRequest{
			LastSeq:     c.reducer.LastSeq(),
			ResumeToken: c.resumeToken,
		}
	}
	c.mu.Unlock()

	return c.write(conn, in)
}

// run is the frame-handling loop plus reconnect driver.
func (c *Client) run(ctx context.Context, conn *gorillaws.Conn) {
	defer c.wg.Done()

	for {
		c.readFrames(conn)
		conn.Close()

		select {
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		default:
		}

		slog.Info("connection lost, reconnecting",
			"user", c.userID, "delay", c.reconnectDelay, "lastSeq", c.reducer.LastSeq())

		next, err := c.redial(ctx)
		if err != nil {
			return
		}
		conn = next
	}
}

// redial retries connect with the fixed delay until it succeeds or the
// client is closed.
func (c *Client) redial(ctx context.Context) (*gorillaws.Conn, error) {
	timer := time.NewTimer(c.reconnectDelay)
	defer timer.Stop()

	for {
		select {
		case <-c.closed:
			return nil, context.Canceled
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}

		conn, err := c.connect(ctx)
		if err == nil {
			return conn, nil
		}
		slog.Warn("reconnect failed", "user", c.userID, "err", err)
		timer.Reset(c.reconnectDelay)
	}
}

// readFrames drains one connection, handling each frame to completion before
// the next. A keepalive ping runs for the lifetime of the connection.
func (c *Client) readFrames(conn *gorillaws.Conn) {
	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.keepalivePings(conn, pingDone)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleFrame(conn, raw)
	}
}

// keepalivePings sends world.ping on the keepalive interval. Purely
// advisory: a failed ping just means the read loop is about to notice the
// dead connection too.
func (c *Client) keepalivePings(conn *gorillaws.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.write(conn, world.Inbound{Type: world.MsgPing}); err != nil {
				return
			}
		}
	}
}

// write marshals and sends one frame, serialized against concurrent writers.
func (c *Client) write(conn *gorillaws.Conn, msg any) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: marshal frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(gorillaws.TextMessage, frame)
}

// ─── Frame handling ──────────────────────────────────────────────────────────

// handleFrame dispatches one server frame.
func (c *Client) handleFrame(conn *gorillaws.Conn, raw []byte) {
	var probe struct {
		Type world.MessageType `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		slog.Warn("undecodable frame", "err", err)
		return
	}

	switch probe.Type {
	case world.MsgSubscribed:
		var sub world.Subscribed
		if err := json.Unmarshal(raw, &sub); err != nil {
			return
		}
		c.mu.Lock()
		c.resumeToken = sub.ResumeToken
		c.mu.Unlock()
		if sub.Classifier != nil && !c.classifierPinned {
			c.adoptClassifier(*sub.Classifier)
		}
		slog.Info("subscribed", "mode", sub.Mode, "seq", sub.Seq, "fromSeq", sub.FromSeq)

	case world.MsgSnapshot:
		var snap world.Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return
		}
		c.mu.Lock()
		c.resyncing = false
		c.mu.Unlock()
		c.reducer.ApplySnapshot(snap)
		c.publish(c.semStore().ObserveSnapshot(c.reducer))

	case world.MsgDelta:
		var delta world.Delta
		if err := json.Unmarshal(raw, &delta); err != nil {
			return
		}
		switch c.reducer.ApplyDelta(delta) {
		case VerdictApplied:
			c.publish(c.semStore().ObserveDelta(c.reducer, delta.Events))
		case VerdictResync:
			c.resync(conn, delta.Seq)
		case VerdictIgnored:
		}

	case world.MsgPong:
		// Advisory only.

	case world.MsgError:
		var em world.ErrorMessage
		if err := json.Unmarshal(raw, &em); err != nil {
			return
		}
		slog.Warn("server error", "code", em.Code, "retryable", em.Retryable, "message", em.Message)
		if c.onError != nil {
			c.onError(em)
		}

	default:
		slog.Warn("unknown frame type", "type", probe.Type)
	}
}

// adoptClassifier rebuilds the semantic store around the server's advertised
// policy. Derived state is recomputed from scratch on the next snapshot or
// delta; classifier history does not carry across a policy change.
func (c *Client) adoptClassifier(p world.ClassifierPolicy) {
	next := semantic.Thresholds{LatencyMs: p.LatencyMs, ErrorRate: p.ErrorRate}
	if p.Window == c.window && next == c.thresholds {
		return
	}
	c.window = p.Window
	c.thresholds = next

	c.mu.Lock()
	c.sem = NewSemanticStore(c.window, c.thresholds)
	c.mu.Unlock()
	slog.Info("adopted server classifier policy",
		"window", p.Window, "latencyMs", p.LatencyMs, "errorRate", p.ErrorRate)
}

// beginResync reports whether a resync subscribe should be sent. It flips the
// in-flight flag and discards the resume credential, so a burst of gap deltas
// arriving before the fresh snapshot triggers only one round trip.
func (c *Client) beginResync() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resyncing {
		return false
	}
	c.resyncing = true
	c.resumeToken = ""
	return true
}

// resync discards the resume credential and re-subscribes from scratch; the
// server will answer with a fresh snapshot that re-baselines the replica.
func (c *Client) resync(conn *gorillaws.Conn, gapSeq uint64) {
	if !c.beginResync() {
		return
	}
	slog.Warn("sequence gap detected, resyncing",
		"lastSeq", c.reducer.LastSeq(), "gotSeq", gapSeq)

	if err := c.write(conn, world.Inbound{Type: world.MsgSubscribe}); err != nil {
		slog.Warn("resync subscribe failed", "err", err)
	}
}

// publish hands a fresh generation to the state-change callback.
func (c *Client) publish(gen *Generation) {
	if c.onChange != nil {
		c.onChange(gen)
	}
}
