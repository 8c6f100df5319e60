// Package relay implements the room session semantics on top of core: join
// and leave, the undo/redo history state machine, presence fan-out and
// WebRTC signaling forwarding. It owns no transport; frames go out through
// the Conn endpoints the registry holds.
package relay

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Canvas/internal/core"
	"github.com/dkeye/Canvas/internal/domain"
)

// Relay wires inbound events to registry and room mutations. Every method is
// a complete handler for one event kind; none of them returns an error to the
// client, because every failure mode here (missing room, stack floor,
// vanished target) is a recoverable no-op.
type Relay struct {
	Registry *core.Registry
}

func New(reg *core.Registry) *Relay {
	return &Relay{Registry: reg}
}

// JoinRoom puts the client into a room, creating it on first join. A late
// joiner is synced with the current canvas state before anything else, then
// the whole room (joiner included) learns the current undo/redo availability.
// A client sits in at most one room; joining a second room leaves the first
// with the usual departure notifications.
func (rl *Relay) JoinRoom(cid domain.ClientID, roomID domain.RoomID) {
	if cur, ok := rl.Registry.RoomOf(cid); ok && cur.ID() != roomID {
		rl.leaveCurrentRoom(cid)
	}

	room := rl.Registry.Join(cid, roomID)
	log.Info().Str("module", "relay").Str("cid", string(cid)).Str("room", string(roomID)).Msg("joined room")

	if state, ok := room.Latest(); ok {
		rl.sendTo(cid, EventCanvasLoad, state)
	}
	rl.broadcast(room, "", EventHistoryUpdate, room.Availability())
}

// SaveState appends a snapshot to the room history. The redo stack is
// cleared inside Save: a new state invalidates any undone future.
func (rl *Relay) SaveState(cid domain.ClientID, state domain.CanvasState) {
	room, ok := rl.Registry.RoomOf(cid)
	if !ok {
		return
	}
	av := room.Save(state)
	rl.broadcast(room, "", EventHistoryUpdate, av)
}

// Undo steps the room back one state and pushes the full replacement state to
// everyone. At the floor (only the base state left) nothing happens and
// nothing is broadcast.
func (rl *Relay) Undo(cid domain.ClientID) {
	room, ok := rl.Registry.RoomOf(cid)
	if !ok {
		return
	}
	state, av, ok := room.Undo()
	if !ok {
		return
	}
	rl.broadcast(room, "", EventCanvasLoad, state)
	rl.broadcast(room, "", EventHistoryUpdate, av)
}

// Redo re-applies the most recently undone state. Silent no-op with an empty
// redo stack.
func (rl *Relay) Redo(cid domain.ClientID) {
	room, ok := rl.Registry.RoomOf(cid)
	if !ok {
		return
	}
	state, av, ok := room.Redo()
	if !ok {
		return
	}
	rl.broadcast(room, "", EventCanvasLoad, state)
	rl.broadcast(room, "", EventHistoryUpdate, av)
}

// ForwardCanvas relays an object/path mutation verbatim to the rest of the
// sender's room. Payload shape is the client's business.
func (rl *Relay) ForwardCanvas(cid domain.ClientID, kind EventKind, data json.RawMessage) {
	room, ok := rl.Registry.RoomOf(cid)
	if !ok {
		return
	}
	rl.broadcast(room, cid, kind, data)
}

// MoveCursor relays a cursor position to the rest of the room with the
// sender's identifier stamped over whatever the client put in the id field.
func (rl *Relay) MoveCursor(cid domain.ClientID, data json.RawMessage) {
	room, ok := rl.Registry.RoomOf(cid)
	if !ok {
		return
	}
	var cursor map[string]any
	if err := json.Unmarshal(data, &cursor); err != nil {
		log.Warn().Str("module", "relay").Str("cid", string(cid)).Err(err).Msg("bad cursor payload")
		return
	}
	cursor["id"] = cid
	rl.broadcast(room, cid, EventCursorMove, cursor)
}

// JoinVoice opts the client into the room's voice mesh. The client receives
// the set of participants that were present before it, so it can open a peer
// connection to each; the list never contains the client itself.
func (rl *Relay) JoinVoice(cid domain.ClientID) {
	room, ok := rl.Registry.RoomOf(cid)
	if !ok {
		return
	}
	peers := room.JoinVoice(cid)
	rl.sendTo(cid, EventOtherUsers, PeersPayload(peers))
}

// ForwardSignal unicasts an offer or answer to its target. The payload goes
// through unchanged; a target that already disconnected is dropped silently.
// Targets are not checked against the sender's room.
func (rl *Relay) ForwardSignal(cid domain.ClientID, kind EventKind, p SignalPayload) {
	conn, ok := rl.Registry.ConnOf(domain.ClientID(p.Target))
	if !ok {
		log.Debug().Str("module", "relay").Str("cid", string(cid)).Str("target", p.Target).Str("kind", string(kind)).Msg("signal target gone")
		return
	}
	f, err := Encode(kind, p)
	if err != nil {
		log.Error().Str("module", "relay").Err(err).Msg("encode signal")
		return
	}
	_ = conn.TrySend(f)
}

// ForwardCandidate unicasts an ICE candidate to its target, replacing the
// target field with the sender's identifier so the receiver knows which peer
// connection the candidate belongs to.
func (rl *Relay) ForwardCandidate(cid domain.ClientID, p CandidatePayload) {
	conn, ok := rl.Registry.ConnOf(domain.ClientID(p.Target))
	if !ok {
		log.Debug().Str("module", "relay").Str("cid", string(cid)).Str("target", p.Target).Msg("candidate target gone")
		return
	}
	out := CandidatePayload{Sender: string(cid), Candidate: p.Candidate}
	f, err := Encode(EventICECandidate, out)
	if err != nil {
		log.Error().Str("module", "relay").Err(err).Msg("encode candidate")
		return
	}
	_ = conn.TrySend(f)
}

// Disconnect is the one handler guaranteed to run for every connection. It
// must work for clients that never joined a room: it unbinds the endpoint,
// leaves the room if there is one, notifies the remaining members and lets
// the registry destroy the room when the last member goes.
//
// Client identifiers outlive a single socket (cookie-based), so a reconnect
// binds a new endpoint over the old one before the old pump notices. Cleanup
// belongs to the dying connection only: when conn is no longer the bound
// endpoint for cid, the disconnect is stale and leaves the live session
// untouched.
func (rl *Relay) Disconnect(cid domain.ClientID, conn core.Conn) {
	cur, ok := rl.Registry.ConnOf(cid)
	if !ok || cur != conn {
		log.Debug().Str("module", "relay").Str("cid", string(cid)).Msg("stale disconnect ignored")
		return
	}
	rl.leaveCurrentRoom(cid)
	rl.Registry.Unbind(cid)
	log.Info().Str("module", "relay").Str("cid", string(cid)).Msg("disconnected")
}

func (rl *Relay) leaveCurrentRoom(cid domain.ClientID) {
	room, wasVoice, left := rl.Registry.Leave(cid)
	if !left || room == nil {
		return
	}
	rl.broadcast(room, "", EventUserDisconnected, MemberPayload{ID: cid})
	if wasVoice {
		rl.broadcast(room, "", EventUserLeftVoice, MemberPayload{ID: cid})
	}
}

func (rl *Relay) sendTo(cid domain.ClientID, kind EventKind, data any) {
	conn, ok := rl.Registry.ConnOf(cid)
	if !ok {
		return
	}
	f, err := Encode(kind, data)
	if err != nil {
		log.Error().Str("module", "relay").Err(err).Msg("encode event")
		return
	}
	_ = conn.TrySend(f)
}

func (rl *Relay) broadcast(room *core.Room, except domain.ClientID, kind EventKind, data any) {
	f, err := Encode(kind, data)
	if err != nil {
		log.Error().Str("module", "relay").Err(err).Msg("encode broadcast")
		return
	}
	room.Broadcast(except, f)
}
