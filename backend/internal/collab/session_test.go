package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"boardsync/backend/internal/channel"
	"boardsync/backend/internal/document"
	"boardsync/backend/internal/store"
)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func startPeer(t *testing.T, bus *channel.Bus, id string, st *document.Store, opts ...SessionOption) *Session {
	t.Helper()
	if st == nil {
		st = document.NewStore()
	}
	s := NewSession(bus, "board-1", Identity{PeerID: id, DisplayName: id}, st, opts...)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start(%s) error = %v", id, err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	eventually(t, id+" connected", s.IsConnected)
	return s
}

// spy 直接挂在 topic 上，统计经过的 mutation
type spy struct {
	channel.Session
	mu   sync.Mutex
	msgs []MutationMessage
}

func newSpy(t *testing.T, bus *channel.Bus) *spy {
	t.Helper()
	sp := &spy{Session: bus.Join(topicPrefix + "board-1")}
	sp.On(channel.EventMutation, func(p json.RawMessage) {
		var m MutationMessage
		_ = json.Unmarshal(p, &m)
		sp.mu.Lock()
		sp.msgs = append(sp.msgs, m)
		sp.mu.Unlock()
	})
	subscribed := make(chan struct{})
	var once sync.Once
	if err := sp.Subscribe(context.Background(), func(st channel.Status, _ error) {
		if st == channel.StatusSubscribed {
			once.Do(func() { close(subscribed) })
		}
	}); err != nil {
		t.Fatalf("spy Subscribe error = %v", err)
	}
	<-subscribed
	t.Cleanup(func() { _ = sp.Leave(context.Background()) })
	return sp
}

func (sp *spy) count(kind Kind) int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	n := 0
	for _, m := range sp.msgs {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

func TestSession_Convergence(t *testing.T) {
	bus := channel.NewBus()
	a := startPeer(t, bus, "A", nil)
	b := startPeer(t, bus, "B", nil)

	if err := a.Store().Put(document.OriginLocal, shape("r1", 1)); err != nil {
		t.Fatalf("Put error = %v", err)
	}
	eventually(t, "B receives r1", func() bool { return b.Store().Snapshot().Equal(a.Store().Snapshot()) })

	if err := b.Store().Remove(document.OriginLocal, "r1"); err != nil {
		t.Fatalf("Remove error = %v", err)
	}
	eventually(t, "A removes r1", func() bool { return a.Store().Len() == 0 })
}

func TestSession_NoSelfEcho(t *testing.T) {
	bus := channel.NewBus()
	a := startPeer(t, bus, "A", nil)
	b := startPeer(t, bus, "B", nil)
	sp := newSpy(t, bus)

	_ = a.Store().Put(document.OriginLocal, shape("r1", 1))
	eventually(t, "B applies r1", func() bool { _, ok := b.Store().Get("r1"); return ok })

	// B 应用远端变更后不能再发出 put
	time.Sleep(50 * time.Millisecond)
	if n := sp.count(KindPut); n != 1 {
		t.Fatalf("observed %d put messages, want exactly 1", n)
	}
}

func TestSession_JoinCatchUp(t *testing.T) {
	bus := channel.NewBus()
	stA := document.NewStore()
	_ = stA.Put(document.OriginLocal, shape("r1", 1), shape("r2", 2))
	a := startPeer(t, bus, "A", stA)

	c := startPeer(t, bus, "C", nil)
	eventually(t, "C catches up", func() bool { return c.Store().Snapshot().Equal(a.Store().Snapshot()) })
}

func TestSession_RaceUnion(t *testing.T) {
	bus := channel.NewBus()
	stA := document.NewStore()
	_ = stA.Put(document.OriginLocal, shape("r1", 1), shape("shared", 9))
	stB := document.NewStore()
	_ = stB.Put(document.OriginLocal, shape("r2", 2), shape("shared", 9))
	startPeer(t, bus, "A", stA)
	startPeer(t, bus, "B", stB)

	c := startPeer(t, bus, "C", nil)
	want := document.Snapshot{"r1": shape("r1", 1), "r2": shape("r2", 2), "shared": shape("shared", 9)}
	eventually(t, "C holds union", func() bool { return c.Store().Snapshot().Equal(want) })
}

func TestSession_FullNeverRemovesLocalRecords(t *testing.T) {
	bus := channel.NewBus()
	stA := document.NewStore()
	_ = stA.Put(document.OriginLocal, shape("r1", 1))
	startPeer(t, bus, "A", stA)

	// C 加入前就有一条 A 没有的记录
	stC := document.NewStore()
	_ = stC.Put(document.OriginStorage, shape("local-only", 7))
	c := startPeer(t, bus, "C", stC)

	eventually(t, "C receives r1", func() bool { _, ok := c.Store().Get("r1"); return ok })
	if _, ok := c.Store().Get("local-only"); !ok {
		t.Fatal("full message removed a local record")
	}
}

func TestSession_MalformedMessageIsDropped(t *testing.T) {
	bus := channel.NewBus()
	a := startPeer(t, bus, "A", nil)
	sp := newSpy(t, bus)
	ctx := context.Background()

	_ = sp.Send(ctx, channel.EventMutation, map[string]any{"kind": "merge", "originPeerId": "X"})
	_ = sp.Send(ctx, channel.EventMutation, MutationMessage{Kind: KindPut, Records: []document.Record{{ID: "bad"}}, OriginPeerID: "X"})
	_ = sp.Send(ctx, channel.EventMutation, "not an object")
	_ = sp.Send(ctx, channel.EventMutation, MutationMessage{Kind: KindPut, Records: []document.Record{shape("ok", 1)}, OriginPeerID: "X"})

	eventually(t, "valid message applied", func() bool { _, ok := a.Store().Get("ok"); return ok })
	if a.Store().Len() != 1 {
		t.Fatalf("store has %d records, want 1", a.Store().Len())
	}
	if !a.IsConnected() || a.State() != StateSubscribed {
		t.Fatalf("state = %v connected = %v after malformed input", a.State(), a.IsConnected())
	}
}

func TestSession_IgnoresOwnRequestAndMutation(t *testing.T) {
	bus := channel.NewBus()
	a := startPeer(t, bus, "A", nil)
	sp := newSpy(t, bus)
	ctx := context.Background()

	// 伪造 A 自己的 request-state：A 不应回答
	_ = sp.Send(ctx, channel.EventRequestState, RequestState{PeerID: "A"})
	_ = sp.Send(ctx, channel.EventMutation, MutationMessage{Kind: KindPut, Records: []document.Record{shape("echo", 1)}, OriginPeerID: "A"})
	time.Sleep(50 * time.Millisecond)
	if n := sp.count(KindFull); n != 0 {
		t.Fatalf("A answered its own request-state %d times", n)
	}
	if _, ok := a.Store().Get("echo"); ok {
		t.Fatal("A applied a mutation carrying its own peer id")
	}

	_ = sp.Send(ctx, channel.EventRequestState, RequestState{PeerID: "Z"})
	eventually(t, "A answers Z", func() bool { return sp.count(KindFull) == 1 })
}

func TestSession_PresenceTracksPeers(t *testing.T) {
	bus := channel.NewBus()
	a := startPeer(t, bus, "A", nil)
	b := startPeer(t, bus, "B", nil)

	eventually(t, "A sees B", func() bool { return len(a.Presence().Peers()) == 2 })
	for _, p := range a.Presence().Peers() {
		if p.ColorHash != ColorHue(p.PeerID) {
			t.Fatalf("peer %s color = %d, want %d", p.PeerID, p.ColorHash, ColorHue(p.PeerID))
		}
	}

	_ = b.Close(context.Background())
	eventually(t, "A sees B leave", func() bool { return len(a.Presence().Peers()) == 1 })
}

func TestSession_StatusTransitions(t *testing.T) {
	bus := channel.NewBus()
	var mu sync.Mutex
	var states []State
	hook := func(st State, _ error) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	}
	a := startPeer(t, bus, "A", nil, WithStatusHook(hook))

	bus.Kick(a.Topic(), nil)
	eventually(t, "disconnected", func() bool { return !a.IsConnected() && a.State() == StateDisconnected })

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateSubscribed, StateDisconnected}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}

	if err := a.Start(context.Background()); !errors.Is(err, ErrSessionStarted) {
		t.Fatalf("restart error = %v, want ErrSessionStarted", err)
	}
}

func TestSession_PersistsLocalAndRemoteEdits(t *testing.T) {
	bus := channel.NewBus()
	clock := clockwork.NewFakeClock()
	w := &fakeWriter{}
	flushed := make(chan error, 4)
	bridge := NewPersistenceBridge("board-1", w, WithClock(clock), WithFlushHook(func(err error) { flushed <- err }))

	stB := document.NewStore()
	b := startPeer(t, bus, "B", stB, WithPersistence(bridge))
	a := startPeer(t, bus, "A", nil)

	_ = a.Store().Put(document.OriginLocal, shape("from-a", 1))
	eventually(t, "B applies remote edit", func() bool { _, ok := b.Store().Get("from-a"); return ok })
	_ = b.Store().Put(document.OriginLocal, shape("from-b", 1))
	if !bridge.Pending() {
		t.Fatal("bridge not pending after edits")
	}

	clock.Advance(DefaultQuietWindow)
	if err := waitFlush(t, flushed); err != nil {
		t.Fatalf("flush error = %v", err)
	}
	snap := w.last()
	if _, ok := snap["from-a"]; !ok {
		t.Fatalf("remote edit missing from saved snapshot: %v", snap)
	}
	if _, ok := snap["from-b"]; !ok {
		t.Fatalf("local edit missing from saved snapshot: %v", snap)
	}
}

func TestSession_CloseCancelsPendingFlush(t *testing.T) {
	bus := channel.NewBus()
	clock := clockwork.NewFakeClock()
	w := &fakeWriter{}
	bridge := NewPersistenceBridge("board-1", w, WithClock(clock))
	a := startPeer(t, bus, "A", nil, WithPersistence(bridge))

	_ = a.Store().Put(document.OriginLocal, shape("r1", 1))
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	clock.Advance(time.Minute)
	time.Sleep(50 * time.Millisecond)
	if w.count() != 0 {
		t.Fatalf("writes = %d after Close", w.count())
	}
	if bus.Members(a.Topic()) != 0 {
		t.Fatalf("session still subscribed after Close")
	}
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("second Close error = %v", err)
	}
}

type fakeReader struct {
	snap document.Snapshot
	err  error
}

func (r fakeReader) Read(context.Context, string) (document.Snapshot, error) { return r.snap, r.err }

func TestSession_LoadsSavedSnapshot(t *testing.T) {
	bus := channel.NewBus()
	clock := clockwork.NewFakeClock()
	w := &fakeWriter{}
	bridge := NewPersistenceBridge("board-1", w, WithClock(clock))
	saved := document.Snapshot{"r1": shape("r1", 1)}

	a := startPeer(t, bus, "A", nil, WithSnapshotLoader(fakeReader{snap: saved}), WithPersistence(bridge))
	if !a.Store().Snapshot().Equal(saved) {
		t.Fatalf("store = %v, want saved snapshot", a.Store().Snapshot())
	}
	if bridge.Pending() {
		t.Fatal("loading from storage scheduled a write")
	}

	startPeer(t, bus, "B", nil, WithSnapshotLoader(fakeReader{err: store.ErrNotFound}))
}

func TestSession_LoadFailureAborts(t *testing.T) {
	bus := channel.NewBus()
	s := NewSession(bus, "board-1", Identity{PeerID: "A"}, document.NewStore(),
		WithSnapshotLoader(fakeReader{err: errors.New("db down")}))
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded with failing loader")
	}
	if bus.Members(s.Topic()) != 0 {
		t.Fatal("session subscribed despite load failure")
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []MutationEvent
}

func (r *recordingSink) TryEnqueue(evt MutationEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return true
}

func TestSession_LocalEditsReachEventSink(t *testing.T) {
	bus := channel.NewBus()
	sink := &recordingSink{}
	a := startPeer(t, bus, "A", nil, WithEventSink(sink))
	b := startPeer(t, bus, "B", nil, WithEventSink(sink))

	_ = a.Store().Put(document.OriginLocal, shape("r1", 1), shape("r2", 1))
	eventually(t, "B applies", func() bool { return b.Store().Len() == 2 })

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 {
		t.Fatalf("events = %d, want 1 (remote apply is not recorded by default)", len(sink.events))
	}
	evt := sink.events[0]
	if evt.PeerID != "A" || evt.Kind != KindPut || evt.RecordN != 2 || evt.DocID != "board-1" {
		t.Fatalf("event = %+v", evt)
	}
}

func TestSession_RemoteEventsRecordSender(t *testing.T) {
	bus := channel.NewBus()
	sink := &recordingSink{}
	a := startPeer(t, bus, "A", nil)
	archive := startPeer(t, bus, "archive", nil, WithEventSink(sink), WithRemoteEvents())

	_ = a.Store().Put(document.OriginLocal, shape("r1", 1), shape("r2", 1))
	eventually(t, "archive applies put", func() bool { return archive.Store().Len() == 2 })
	_ = a.Store().Remove(document.OriginLocal, "r2")
	eventually(t, "archive applies remove", func() bool { return archive.Store().Len() == 1 })

	// 新 peer 加入会触发 full 应答，archive 收到 full 不应记录
	c := startPeer(t, bus, "C", nil)
	eventually(t, "C catches up", func() bool { return c.Store().Len() == 1 })
	time.Sleep(20 * time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 2 {
		t.Fatalf("events = %+v, want put and remove", sink.events)
	}
	put, rm := sink.events[0], sink.events[1]
	if put.PeerID != "A" || put.Kind != KindPut || put.RecordN != 2 {
		t.Fatalf("put event = %+v", put)
	}
	if rm.PeerID != "A" || rm.Kind != KindRemove || len(rm.RecordIDs) != 1 || rm.RecordIDs[0] != "r2" {
		t.Fatalf("remove event = %+v", rm)
	}
}

func TestSession_ConvergesWithIntegerPayload(t *testing.T) {
	bus := channel.NewBus()
	a := startPeer(t, bus, "A", nil)
	b := startPeer(t, bus, "B", nil)

	rec := document.Record{ID: "r1", TypeTag: "shape", Payload: map[string]any{"x": 1, "props": map[string]any{"w": 20}}}
	if err := a.Store().Put(document.OriginLocal, rec); err != nil {
		t.Fatalf("Put error = %v", err)
	}
	eventually(t, "B converges", func() bool { return b.Store().Snapshot().Equal(a.Store().Snapshot()) })

	// 再收到同样内容的 full 不产生变更
	changes := 0
	unlisten := a.Store().Listen(func(document.Change) { changes++ })
	defer unlisten()
	if err := a.apply(MutationMessage{Kind: KindFull, Records: b.Store().Snapshot().Records(), OriginPeerID: "B"}); err != nil {
		t.Fatalf("apply error = %v", err)
	}
	if changes != 0 {
		t.Fatalf("full with identical content produced %d changes", changes)
	}
}
