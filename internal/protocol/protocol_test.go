package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/meshviz/worldsync/internal/registry"
	"github.com/meshviz/worldsync/internal/store"
	"github.com/meshviz/worldsync/internal/token"
	"github.com/meshviz/worldsync/pkg/client"
	"github.com/meshviz/worldsync/pkg/world"
)

const testBootID = "01HTESTBOOT0000000000000000"

var testTime = time.UnixMilli(1_700_000_000_000)

type fixture struct {
	hub     *registry.Hub
	codec   *token.Codec
	handler *Handler
	conn    *registry.Conn
}

func newFixture(t *testing.T, bufCap int, fetch SnapshotFunc) *fixture {
	t.Helper()

	if fetch == nil {
		fetch = func() (world.Model, error) {
			return world.Model{
				Services: []world.Service{{ID: "svc:a", Name: "a"}},
			}, nil
		}
	}

	hub := registry.New(bufCap)
	codec := token.NewCodec("test-secret")
	h := New(hub, codec, fetch, 5*time.Minute, testBootID,
		WithClock(func() time.Time { return testTime }))

	conn, err := hub.Add("alice")
	if err != nil {
		t.Fatalf("add connection: %v", err)
	}
	return &fixture{hub: hub, codec: codec, handler: h, conn: conn}
}

// next pops one outbound frame or fails the test.
func next(t *testing.T, c *registry.Conn) []byte {
	t.Helper()
	select {
	case frame := <-c.Outbound():
		return frame
	default:
		t.Fatal("expected an outbound frame")
		return nil
	}
}

func decode[T any](t *testing.T, frame []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(frame, &v); err != nil {
		t.Fatalf("decode %T: %v", v, err)
	}
	return v
}

func subscribeFrame(resume *world.ResumeRequest) []byte {
	raw, _ := json.Marshal(world.Inbound{Type: world.MsgSubscribe, Resume: resume})
	return raw
}

func (f *fixture) validToken(lastSeq uint64) string {
	return f.codec.Encode(token.Claims{
		UserID:     "alice",
		LastSeq:    lastSeq,
		IssuedAtMs: testTime.UnixMilli(),
		BootID:     testBootID,
	})
}

// ─── Frame dispatch ──────────────────────────────────────────────────────────

func TestHandleFrame_Ping(t *testing.T) {
	f := newFixture(t, 10, nil)

	f.handler.HandleFrame(f.conn, []byte(`{"type":"world.ping"}`))

	pong := decode[world.Pong](t, next(t, f.conn))
	if pong.Type != world.MsgPong || pong.TS != testTime.UnixMilli() {
		t.Errorf("bad pong: %+v", pong)
	}
}

func TestHandleFrame_MalformedJSON(t *testing.T) {
	f := newFixture(t, 10, nil)

	f.handler.HandleFrame(f.conn, []byte(`{not json`))

	e := decode[world.ErrorMessage](t, next(t, f.conn))
	if e.Code != world.CodeInvalidJSON || e.Retryable {
		t.Errorf("expected non-retryable INVALID_JSON, got %+v", e)
	}
}

func TestHandleFrame_UnknownType(t *testing.T) {
	f := newFixture(t, 10, nil)

	f.handler.HandleFrame(f.conn, []byte(`{"type":"world.launch"}`))

	e := decode[world.ErrorMessage](t, next(t, f.conn))
	if e.Code != world.CodeInvalidMessage || e.Retryable {
		t.Errorf("expected non-retryable INVALID_MESSAGE, got %+v", e)
	}
}

// ─── Fresh subscribe ─────────────────────────────────────────────────────────

func TestSubscribe_Fresh_SubscribedThenSnapshot(t *testing.T) {
	f := newFixture(t, 10, nil)

	f.handler.HandleFrame(f.conn, subscribeFrame(nil))

	sub := decode[world.Subscribed](t, next(t, f.conn))
	if sub.Mode != world.ModeSnapshot {
		t.Fatalf("expected snapshot mode, got %s", sub.Mode)
	}
	if sub.Seq != 1 {
		t.Errorf("subscribed ack on a fresh server must claim seq 1, got %d", sub.Seq)
	}
	if sub.ResumeToken == "" {
		t.Error("every successful subscribe must issue a resume token")
	}

	snap := decode[world.Snapshot](t, next(t, f.conn))
	if snap.Seq != sub.Seq+1 {
		t.Errorf("snapshot seq must follow the ack: ack=%d snapshot=%d", sub.Seq, snap.Seq)
	}
	if len(snap.Data.Services) != 1 || snap.Data.Services[0].ID != "svc:a" {
		t.Errorf("snapshot must carry the fetched model, got %+v", snap.Data)
	}

	if f.hub.SubscriberCount() != 1 {
		t.Error("connection must be broadcast-eligible after subscribe")
	}

	// The issued token round-trips and is anchored at the snapshot seq.
	claims, ok := f.codec.Decode(sub.ResumeToken)
	if !ok || claims.UserID != "alice" || claims.LastSeq != snap.Seq || claims.BootID != testBootID {
		t.Errorf("bad issued token claims: %+v ok=%v", claims, ok)
	}
}

func TestSubscribe_FetchFailure(t *testing.T) {
	f := newFixture(t, 10, func() (world.Model, error) {
		return world.Model{}, errors.New("projection unavailable")
	})

	f.handler.HandleFrame(f.conn, subscribeFrame(nil))

	e := decode[world.ErrorMessage](t, next(t, f.conn))
	if e.Code != world.CodeFetchSpecFailed || !e.Retryable {
		t.Errorf("expected retryable FETCH_SPEC_FAILED, got %+v", e)
	}
	if f.hub.SubscriberCount() != 0 {
		t.Error("failed subscribe must not mark the connection subscribed")
	}
	if f.hub.CurrentSeq() != 0 {
		t.Error("failed subscribe must not burn sequence numbers")
	}
}

func TestSubscribe_AdvertisesClassifierPolicy(t *testing.T) {
	hub := registry.New(10)
	h := New(hub, token.NewCodec("test-secret"),
		func() (world.Model, error) { return world.Model{}, nil },
		5*time.Minute, testBootID,
		WithClock(func() time.Time { return testTime }),
		WithClassifierPolicy(world.ClassifierPolicy{Window: 5, LatencyMs: 250, ErrorRate: 0.01}),
	)
	conn, err := hub.Add("alice")
	if err != nil {
		t.Fatalf("add connection: %v", err)
	}

	h.HandleFrame(conn, subscribeFrame(nil))

	sub := decode[world.Subscribed](t, next(t, conn))
	if sub.Classifier == nil {
		t.Fatal("subscribed ack must carry the classifier policy")
	}
	if sub.Classifier.Window != 5 || sub.Classifier.LatencyMs != 250 || sub.Classifier.ErrorRate != 0.01 {
		t.Errorf("bad advertised policy: %+v", sub.Classifier)
	}
}

// A mutation broadcast concurrently with a fresh subscribe must end up either
// inside the snapshot or in a delivered delta behind it. A replica built from
// the received frames therefore always converges on the authoritative model
// without ever detecting a gap.
func TestSubscribe_BroadcastDuringSubscribeNeverLost(t *testing.T) {
	st := store.New()
	hub := registry.New(256)
	h := New(hub, token.NewCodec("test-secret"),
		func() (world.Model, error) { return st.Snapshot(), nil },
		5*time.Minute, testBootID)

	conn, err := hub.Add("alice")
	if err != nil {
		t.Fatalf("add connection: %v", err)
	}

	// Drain continuously so the broadcaster never overflows the send queue.
	var mu sync.Mutex
	var frames [][]byte
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case f := <-conn.Outbound():
				mu.Lock()
				frames = append(frames, f)
				mu.Unlock()
			case <-stop:
				for {
					select {
					case f := <-conn.Outbound():
						frames = append(frames, f)
					default:
						return
					}
				}
			}
		}
	}()

	// Single producer: non-commuting upserts to one ID, so a lost update
	// shows up as a diverged final name.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			events, err := st.Apply([]world.DeltaEvent{
				world.ServiceUpserted(world.Service{ID: "svc:shared", Name: fmt.Sprintf("rev-%d", i)}),
			})
			if err != nil {
				t.Errorf("apply %d: %v", i, err)
				return
			}
			if _, err := hub.BroadcastDelta(events); err != nil {
				t.Errorf("broadcast %d: %v", i, err)
				return
			}
		}
	}()

	h.HandleFrame(conn, subscribeFrame(nil))
	<-done
	close(stop)
	wg.Wait()

	r := client.NewReducer()
	sawSnapshot := false
	for _, raw := range frames {
		var head struct {
			Type world.MessageType `json:"type"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		switch head.Type {
		case world.MsgSubscribed:
		case world.MsgSnapshot:
			r.ApplySnapshot(decode[world.Snapshot](t, raw))
			sawSnapshot = true
		case world.MsgDelta:
			if v := r.ApplyDelta(decode[world.Delta](t, raw)); v != client.VerdictApplied {
				t.Fatalf("delta after snapshot must apply cleanly, got verdict %s", v)
			}
		default:
			t.Fatalf("unexpected frame type %s", head.Type)
		}
	}
	if !sawSnapshot {
		t.Fatal("no snapshot delivered")
	}
	if got, want := r.Model(), st.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("replica diverged from the authoritative model:\n got %+v\nwant %+v", got, want)
	}
}

// ─── Resume ──────────────────────────────────────────────────────────────────

func broadcastN(t *testing.T, hub *registry.Hub, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := hub.BroadcastDelta([]world.DeltaEvent{
			world.ServiceUpserted(world.Service{ID: "svc:x"}),
		})
		if err != nil {
			t.Fatalf("broadcast %d: %v", i, err)
		}
	}
}

func TestSubscribe_Resume_ReplaysBufferedRange(t *testing.T) {
	f := newFixture(t, 100, nil)
	broadcastN(t, f.hub, 15) // seqs 1..15 buffered

	f.handler.HandleFrame(f.conn, subscribeFrame(&world.ResumeRequest{
		LastSeq:     10,
		ResumeToken: f.validToken(10),
	}))

	sub := decode[world.Subscribed](t, next(t, f.conn))
	if sub.Mode != world.ModeResume || sub.FromSeq != 11 {
		t.Fatalf("expected resume from seq 11, got %+v", sub)
	}

	for want := uint64(11); want <= 15; want++ {
		d := decode[world.Delta](t, next(t, f.conn))
		if d.Seq != want {
			t.Fatalf("replay out of order: expected seq %d, got %d", want, d.Seq)
		}
	}
	select {
	case frame := <-f.conn.Outbound():
		t.Fatalf("unexpected extra frame: %s", frame)
	default:
	}

	if f.hub.SubscriberCount() != 1 {
		t.Error("resumed connection must be broadcast-eligible")
	}
}

func TestSubscribe_Resume_UpToDateClientReplaysNothing(t *testing.T) {
	f := newFixture(t, 100, nil)
	broadcastN(t, f.hub, 5)

	f.handler.HandleFrame(f.conn, subscribeFrame(&world.ResumeRequest{
		LastSeq:     5,
		ResumeToken: f.validToken(5),
	}))

	sub := decode[world.Subscribed](t, next(t, f.conn))
	if sub.Mode != world.ModeResume || sub.FromSeq != 6 {
		t.Fatalf("expected resume from seq 6, got %+v", sub)
	}
	select {
	case <-f.conn.Outbound():
		t.Error("nothing should be replayed for an up-to-date client")
	default:
	}
}

func TestSubscribe_Resume_FallbackReasons(t *testing.T) {
	stale := func(f *fixture) string {
		return f.codec.Encode(token.Claims{
			UserID:     "alice",
			LastSeq:    2,
			IssuedAtMs: testTime.Add(-10 * time.Minute).UnixMilli(),
			BootID:     testBootID,
		})
	}
	future := func(f *fixture) string {
		return f.codec.Encode(token.Claims{
			UserID:     "alice",
			LastSeq:    2,
			IssuedAtMs: testTime.Add(time.Minute).UnixMilli(),
			BootID:     testBootID,
		})
	}
	foreign := func(f *fixture) string {
		return f.codec.Encode(token.Claims{
			UserID:     "mallory",
			LastSeq:    2,
			IssuedAtMs: testTime.UnixMilli(),
			BootID:     testBootID,
		})
	}
	otherBoot := func(f *fixture) string {
		return f.codec.Encode(token.Claims{
			UserID:     "alice",
			LastSeq:    2,
			IssuedAtMs: testTime.UnixMilli(),
			BootID:     "01HOTHERBOOT000000000000000",
		})
	}

	cases := []struct {
		name  string
		token func(*fixture) string
	}{
		{"missing token", func(*fixture) string { return "" }},
		{"tampered token", func(f *fixture) string { return f.validToken(2) + "x" }},
		{"foreign user", foreign},
		{"expired", stale},
		{"issued in the future", future},
		{"previous boot", otherBoot},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 100, nil)
			broadcastN(t, f.hub, 5)

			f.handler.HandleFrame(f.conn, subscribeFrame(&world.ResumeRequest{
				LastSeq:     2,
				ResumeToken: tc.token(f),
			}))

			sub := decode[world.Subscribed](t, next(t, f.conn))
			if sub.Mode != world.ModeSnapshot {
				t.Fatalf("expected snapshot fallback, got mode %s", sub.Mode)
			}
			snap := decode[world.Snapshot](t, next(t, f.conn))
			if snap.Seq != sub.Seq+1 {
				t.Errorf("fallback snapshot seq must follow the ack")
			}
		})
	}
}

func TestSubscribe_Resume_EvictedRangeFallsBack(t *testing.T) {
	f := newFixture(t, 3, nil)
	broadcastN(t, f.hub, 10) // only seqs 8..10 retained

	f.handler.HandleFrame(f.conn, subscribeFrame(&world.ResumeRequest{
		LastSeq:     4,
		ResumeToken: f.validToken(4),
	}))

	sub := decode[world.Subscribed](t, next(t, f.conn))
	if sub.Mode != world.ModeSnapshot {
		t.Fatalf("evicted replay range must fall back to snapshot, got %s", sub.Mode)
	}
}
