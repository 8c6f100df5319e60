package core

import (
	"sync"

	"github.com/dkeye/Canvas/internal/domain"
	"github.com/rs/zerolog/log"
)

// RoomInfo is a read-only room summary for the inspection API.
type RoomInfo struct {
	ID           domain.RoomID `json:"id"`
	MemberCount  int           `json:"member_count"`
	VoiceCount   int           `json:"voice_count"`
	HistoryDepth int           `json:"history_depth"`
}

// Registry owns the process-wide room map plus the client-side indexes: which
// room a client is in and which transport endpoint reaches it. A room exists
// in the registry iff its member set is non-empty; the registry enforces that
// by deleting rooms inside Leave.
//
// The registry is an injected dependency, not a package-level singleton, so
// room logic is unit-testable without a live transport.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[domain.RoomID]*Room
	byClient map[domain.ClientID]domain.RoomID
	conns    map[domain.ClientID]Conn

	historyLimit int
}

// NewRegistry creates an empty registry. historyLimit caps each room's
// history stack; 0 keeps the original unbounded behavior.
func NewRegistry(historyLimit int) *Registry {
	return &Registry{
		rooms:        make(map[domain.RoomID]*Room),
		byClient:     make(map[domain.ClientID]domain.RoomID),
		conns:        make(map[domain.ClientID]Conn),
		historyLimit: historyLimit,
	}
}

// Bind associates a client with its transport endpoint. Called by the
// adapter when the connection is accepted, before any join.
func (r *Registry) Bind(cid domain.ClientID, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[cid] = conn
	log.Info().Str("module", "core.registry").Str("cid", string(cid)).Msg("bound connection")
}

// Unbind forgets the client's endpoint. It does not touch room membership;
// callers run Leave first.
func (r *Registry) Unbind(cid domain.ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, cid)
	log.Info().Str("module", "core.registry").Str("cid", string(cid)).Msg("unbound connection")
}

// ConnOf resolves a client identifier to its endpoint. Used for unicast
// signaling; a missing target means the client is gone and the caller drops
// the payload.
func (r *Registry) ConnOf(cid domain.ClientID) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[cid]
	return conn, ok
}

// Join places cid into roomID, creating the room on first join. A client is
// in at most one room; joining while a previous membership exists is the
// caller's bug to avoid (Relay leaves the old room first).
func (r *Registry) Join(cid domain.ClientID, roomID domain.RoomID) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		room = newRoom(roomID, r.historyLimit)
		r.rooms[roomID] = room
		log.Info().Str("module", "core.registry").Str("room", string(roomID)).Msg("room created")
	}
	room.AddMember(cid, r.conns[cid])
	r.byClient[cid] = roomID
	return room
}

// RoomOf returns the room cid currently belongs to. Direct index lookup, not
// a scan over rooms.
func (r *Registry) RoomOf(cid domain.ClientID) (*Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roomID, ok := r.byClient[cid]
	if !ok {
		return nil, false
	}
	room, ok := r.rooms[roomID]
	return room, ok
}

// Get returns a room by identifier for the inspection API.
func (r *Registry) Get(roomID domain.RoomID) (*Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	return room, ok
}

// Leave removes cid from its room, destroying the room when the last member
// goes. Safe to call for a client that never joined anything. The returned
// room (nil once destroyed) no longer contains cid, so broadcasting through
// it reaches only the remaining members.
func (r *Registry) Leave(cid domain.ClientID) (room *Room, wasVoice, left bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roomID, ok := r.byClient[cid]
	if !ok {
		return nil, false, false
	}
	delete(r.byClient, cid)
	room, ok = r.rooms[roomID]
	if !ok {
		return nil, false, false
	}
	wasVoice, empty := room.RemoveMember(cid)
	if empty {
		delete(r.rooms, roomID)
		log.Info().Str("module", "core.registry").Str("room", string(roomID)).Msg("room destroyed")
		return nil, wasVoice, true
	}
	return room, wasVoice, true
}

// Rooms snapshots summaries of all live rooms.
func (r *Registry) Rooms() []RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RoomInfo, 0, len(r.rooms))
	for id, room := range r.rooms {
		out = append(out, RoomInfo{
			ID:           id,
			MemberCount:  room.MemberCount(),
			VoiceCount:   room.VoiceCount(),
			HistoryDepth: room.HistoryDepth(),
		})
	}
	return out
}

// RoomCount reports how many rooms are live.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
