package relay

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/dkeye/Canvas/internal/core"
	"github.com/dkeye/Canvas/internal/domain"
)

// fakeConn records every frame, decoded back into envelopes.
type fakeConn struct {
	mu     sync.Mutex
	events []Envelope
}

func (f *fakeConn) TrySend(fr core.Frame) error {
	var env Envelope
	if err := json.Unmarshal(fr, &env); err != nil {
		return err
	}
	f.mu.Lock()
	f.events = append(f.events, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close() {}

func (f *fakeConn) all() []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Envelope, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakeConn) last() (Envelope, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return Envelope{}, false
	}
	return f.events[len(f.events)-1], true
}

func (f *fakeConn) ofKind(kind EventKind) []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Envelope
	for _, e := range f.events {
		if e.Type == kind {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeConn) reset() {
	f.mu.Lock()
	f.events = nil
	f.mu.Unlock()
}

func newTestRelay() *Relay {
	return New(core.NewRegistry(0))
}

func connect(rl *Relay, cid domain.ClientID) *fakeConn {
	c := &fakeConn{}
	rl.Registry.Bind(cid, c)
	return c
}

func decodeAvailability(t *testing.T, env Envelope) core.Availability {
	t.Helper()
	var av core.Availability
	if err := json.Unmarshal(env.Data, &av); err != nil {
		t.Fatalf("decode availability: %v", err)
	}
	return av
}

// Mirrors the end-to-end session: late-joiner sync, save, undo, redo.
func TestCanvasSessionScenario(t *testing.T) {
	rl := newTestRelay()
	a := connect(rl, "A")

	rl.JoinRoom("A", "r1")
	if loads := a.ofKind(EventCanvasLoad); len(loads) != 0 {
		t.Fatalf("A joined an empty room but received %d canvas:load", len(loads))
	}
	if ups := a.ofKind(EventHistoryUpdate); len(ups) != 1 {
		t.Fatalf("A should receive availability on join, got %d", len(ups))
	}

	rl.SaveState("A", domain.CanvasState(`"S1"`))

	b := connect(rl, "B")
	rl.JoinRoom("B", "r1")
	loads := b.ofKind(EventCanvasLoad)
	if len(loads) != 1 {
		t.Fatalf("late joiner should receive exactly one canvas:load, got %d", len(loads))
	}
	if string(loads[0].Data) != `"S1"` {
		t.Errorf("late joiner synced to %s, want \"S1\"", loads[0].Data)
	}

	rl.SaveState("A", domain.CanvasState(`"S2"`))
	a.reset()
	b.reset()

	rl.Undo("A")
	for name, c := range map[string]*fakeConn{"A": a, "B": b} {
		loads := c.ofKind(EventCanvasLoad)
		if len(loads) != 1 || string(loads[0].Data) != `"S1"` {
			t.Fatalf("%s after undo: loads = %v, want one \"S1\"", name, loads)
		}
		ups := c.ofKind(EventHistoryUpdate)
		if len(ups) != 1 {
			t.Fatalf("%s after undo: %d availability updates, want 1", name, len(ups))
		}
		av := decodeAvailability(t, ups[0])
		if av.CanUndo || !av.CanRedo {
			t.Errorf("%s after undo: availability = %+v, want {false true}", name, av)
		}
	}

	a.reset()
	b.reset()
	rl.Redo("A")
	loads = b.ofKind(EventCanvasLoad)
	if len(loads) != 1 || string(loads[0].Data) != `"S2"` {
		t.Fatalf("after redo: loads = %v, want one \"S2\"", loads)
	}
	av := decodeAvailability(t, b.ofKind(EventHistoryUpdate)[0])
	if !av.CanUndo || av.CanRedo {
		t.Errorf("after redo: availability = %+v, want {true false}", av)
	}
}

func TestUndoAtFloorBroadcastsNothing(t *testing.T) {
	rl := newTestRelay()
	a := connect(rl, "A")
	rl.JoinRoom("A", "r1")
	rl.SaveState("A", domain.CanvasState(`"base"`))
	a.reset()

	rl.Undo("A")
	if got := a.all(); len(got) != 0 {
		t.Errorf("undo at floor produced %d events, want 0", len(got))
	}

	rl.Redo("A")
	if got := a.all(); len(got) != 0 {
		t.Errorf("redo with empty stack produced %d events, want 0", len(got))
	}
}

func TestHistoryEventsWithoutRoomAreNoops(t *testing.T) {
	rl := newTestRelay()
	connect(rl, "A")

	// Never joined a room; none of these may panic or create state.
	rl.SaveState("A", domain.CanvasState(`"s"`))
	rl.Undo("A")
	rl.Redo("A")
	rl.JoinVoice("A")
	rl.MoveCursor("A", json.RawMessage(`{"x":1}`))
	rl.ForwardCanvas("A", EventObjectAdded, json.RawMessage(`{}`))

	if rl.Registry.RoomCount() != 0 {
		t.Errorf("room count = %d, want 0", rl.Registry.RoomCount())
	}
}

func TestCanvasForwardExcludesSender(t *testing.T) {
	rl := newTestRelay()
	a := connect(rl, "A")
	b := connect(rl, "B")
	rl.JoinRoom("A", "r1")
	rl.JoinRoom("B", "r1")
	a.reset()
	b.reset()

	payload := json.RawMessage(`{"objectId":"o1","left":10}`)
	rl.ForwardCanvas("A", EventObjectModified, payload)

	got := b.ofKind(EventObjectModified)
	if len(got) != 1 {
		t.Fatalf("B received %d object:modified, want 1", len(got))
	}
	if string(got[0].Data) != string(payload) {
		t.Errorf("payload altered in flight: %s", got[0].Data)
	}
	if len(a.all()) != 0 {
		t.Error("sender must not receive its own canvas event")
	}
}

func TestCursorIDOverridesClientValue(t *testing.T) {
	rl := newTestRelay()
	connect(rl, "A")
	b := connect(rl, "B")
	rl.JoinRoom("A", "r1")
	rl.JoinRoom("B", "r1")
	b.reset()

	rl.MoveCursor("A", json.RawMessage(`{"x":4,"y":8,"id":"spoofed"}`))

	got := b.ofKind(EventCursorMove)
	if len(got) != 1 {
		t.Fatalf("B received %d cursor:move, want 1", len(got))
	}
	var cursor map[string]any
	if err := json.Unmarshal(got[0].Data, &cursor); err != nil {
		t.Fatal(err)
	}
	if cursor["id"] != "A" {
		t.Errorf("cursor id = %v, want the sender identifier A", cursor["id"])
	}
	if cursor["x"] != float64(4) || cursor["y"] != float64(8) {
		t.Errorf("cursor coordinates altered: %v", cursor)
	}
}

func TestJoinVoicePeerListNeverContainsSelf(t *testing.T) {
	rl := newTestRelay()
	a := connect(rl, "A")
	b := connect(rl, "B")
	rl.JoinRoom("A", "r1")
	rl.JoinRoom("B", "r1")

	rl.JoinVoice("A")
	env, ok := a.last()
	if !ok || env.Type != EventOtherUsers {
		t.Fatalf("A should receive other-users, got %+v", env)
	}
	var peers []string
	if err := json.Unmarshal(env.Data, &peers); err != nil {
		t.Fatal(err)
	}
	if len(peers) != 0 {
		t.Errorf("first voice joiner got peers %v, want none", peers)
	}

	rl.JoinVoice("B")
	env, _ = b.last()
	if err := json.Unmarshal(env.Data, &peers); err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 || peers[0] != "A" {
		t.Errorf("B got peers %v, want [A]", peers)
	}
}

func TestSignalForwardedToTargetOnly(t *testing.T) {
	rl := newTestRelay()
	connect(rl, "A")
	b := connect(rl, "B")
	c := connect(rl, "C")
	rl.JoinRoom("A", "r1")
	rl.JoinRoom("B", "r1")
	rl.JoinRoom("C", "r1")
	b.reset()
	c.reset()

	rl.ForwardSignal("A", EventOffer, SignalPayload{Target: "B", Caller: "A"})

	if got := b.ofKind(EventOffer); len(got) != 1 {
		t.Fatalf("target received %d offers, want 1", len(got))
	}
	if len(c.ofKind(EventOffer)) != 0 {
		t.Error("offer must not be room-broadcast")
	}
}

func TestCandidateRewrittenWithSender(t *testing.T) {
	rl := newTestRelay()
	connect(rl, "A")
	b := connect(rl, "B")

	rl.ForwardCandidate("A", CandidatePayload{Target: "B"})

	got := b.ofKind(EventICECandidate)
	if len(got) != 1 {
		t.Fatalf("B received %d candidates, want 1", len(got))
	}
	var p CandidatePayload
	if err := json.Unmarshal(got[0].Data, &p); err != nil {
		t.Fatal(err)
	}
	if p.Sender != "A" {
		t.Errorf("candidate sender = %q, want A", p.Sender)
	}
	if p.Target != "" {
		t.Errorf("candidate target should be stripped, got %q", p.Target)
	}
}

func TestSignalToGoneTargetIsDropped(t *testing.T) {
	rl := newTestRelay()
	connect(rl, "A")

	// Must not panic or surface an error anywhere.
	rl.ForwardSignal("A", EventAnswer, SignalPayload{Target: "ghost"})
	rl.ForwardCandidate("A", CandidatePayload{Target: "ghost"})
}

func TestDisconnectTearsDownEmptyRoom(t *testing.T) {
	rl := newTestRelay()
	a := connect(rl, "A")
	rl.JoinRoom("A", "r1")

	rl.Disconnect("A", a)
	if rl.Registry.RoomCount() != 0 {
		t.Errorf("room count = %d after sole member left, want 0", rl.Registry.RoomCount())
	}
	if _, ok := rl.Registry.ConnOf("A"); ok {
		t.Error("connection should be unbound on disconnect")
	}
}

func TestDisconnectNotifiesRemainingMembers(t *testing.T) {
	rl := newTestRelay()
	a := connect(rl, "A")
	b := connect(rl, "B")
	rl.JoinRoom("A", "r1")
	rl.JoinRoom("B", "r1")
	rl.JoinVoice("A")
	b.reset()

	rl.Disconnect("A", a)

	if rl.Registry.RoomCount() != 1 {
		t.Fatalf("room count = %d, want 1", rl.Registry.RoomCount())
	}
	gone := b.ofKind(EventUserDisconnected)
	if len(gone) != 1 {
		t.Fatalf("B received %d user:disconnected, want 1", len(gone))
	}
	var p MemberPayload
	if err := json.Unmarshal(gone[0].Data, &p); err != nil {
		t.Fatal(err)
	}
	if p.ID != "A" {
		t.Errorf("departed id = %s, want A", p.ID)
	}
	if left := b.ofKind(EventUserLeftVoice); len(left) != 1 {
		t.Errorf("B received %d user-left-voice, want 1", len(left))
	}
}

func TestDisconnectWithoutJoinIsSafe(t *testing.T) {
	rl := newTestRelay()
	a := connect(rl, "A")

	rl.Disconnect("A", a)
	// A second disconnect for the same id must also be harmless.
	rl.Disconnect("A", a)
}

func TestStaleDisconnectKeepsLiveSession(t *testing.T) {
	rl := newTestRelay()
	old := connect(rl, "A")
	rl.JoinRoom("A", "r1")

	// Reconnect: a fresh endpoint binds over the old one before the old
	// pump notices its socket died.
	fresh := &fakeConn{}
	rl.Registry.Bind("A", fresh)

	rl.Disconnect("A", old)
	if rl.Registry.RoomCount() != 1 {
		t.Fatal("stale disconnect must not tear down the live client's room")
	}
	if cur, ok := rl.Registry.ConnOf("A"); !ok || cur != core.Conn(fresh) {
		t.Fatal("stale disconnect must not unbind the fresh connection")
	}

	rl.Disconnect("A", fresh)
	if rl.Registry.RoomCount() != 0 {
		t.Error("disconnect of the live connection should clean up as usual")
	}
	if _, ok := rl.Registry.ConnOf("A"); ok {
		t.Error("live disconnect should unbind the connection")
	}
}

func TestJoiningSecondRoomLeavesFirst(t *testing.T) {
	rl := newTestRelay()
	connect(rl, "A")
	b := connect(rl, "B")
	rl.JoinRoom("A", "r1")
	rl.JoinRoom("B", "r1")
	b.reset()

	rl.JoinRoom("A", "r2")

	room, ok := rl.Registry.RoomOf("A")
	if !ok || room.ID() != "r2" {
		t.Fatal("A should now be in r2")
	}
	if len(b.ofKind(EventUserDisconnected)) != 1 {
		t.Error("r1 members should be told A left")
	}
}
