package core

import (
	"sync"

	"github.com/dkeye/Canvas/internal/domain"
	"github.com/rs/zerolog/log"
)

// Availability is the derived undo/redo state sent to a room after every
// history mutation. It is recomputed from the stacks, never stored.
type Availability struct {
	CanUndo bool `json:"canUndo"`
	CanRedo bool `json:"canRedo"`
}

// Room is a threadsafe in-memory session for one canvas room. It owns the
// membership set, the voice-presence set and the undo/redo history stacks.
// It never closes adapter-owned connections.
type Room struct {
	id domain.RoomID

	mu      sync.RWMutex
	members map[domain.ClientID]Conn
	voice   map[domain.ClientID]struct{}
	history []domain.CanvasState
	redo    []domain.CanvasState

	// historyLimit caps len(history); 0 means unbounded.
	historyLimit int
}

func newRoom(id domain.RoomID, historyLimit int) *Room {
	return &Room{
		id:           id,
		members:      make(map[domain.ClientID]Conn),
		voice:        make(map[domain.ClientID]struct{}),
		historyLimit: historyLimit,
	}
}

func (r *Room) ID() domain.RoomID { return r.id }

// AddMember registers cid in the room. Idempotent: re-joining refreshes the
// connection and nothing else.
func (r *Room) AddMember(cid domain.ClientID, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[cid] = conn
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("cid", string(cid)).Msg("member added")
}

// RemoveMember drops cid from the membership and voice-presence sets.
// It reports whether cid was a voice participant and whether the room is now
// empty; the caller decides what to broadcast and when to destroy the room.
func (r *Room) RemoveMember(cid domain.ClientID) (wasVoice, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[cid]; !ok {
		return false, len(r.members) == 0
	}
	delete(r.members, cid)
	if _, ok := r.voice[cid]; ok {
		delete(r.voice, cid)
		wasVoice = true
	}
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("cid", string(cid)).Msg("member removed")
	return wasVoice, len(r.members) == 0
}

func (r *Room) Has(cid domain.ClientID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[cid]
	return ok
}

func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *Room) VoiceCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.voice)
}

func (r *Room) HistoryDepth() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.history)
}

// MembersSnapshot is a read-only view for APIs (no transport fields).
func (r *Room) MembersSnapshot() []domain.ClientID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ClientID, 0, len(r.members))
	for cid := range r.members {
		out = append(out, cid)
	}
	return out
}

// Save pushes a new canvas state and discards any redo future: a save after
// an undo branches the timeline, so the abandoned states become unreachable.
func (r *Room) Save(state domain.CanvasState) Availability {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, state)
	if r.historyLimit > 0 && len(r.history) > r.historyLimit {
		r.history = r.history[len(r.history)-r.historyLimit:]
	}
	r.redo = r.redo[:0]
	return r.availabilityLocked()
}

// Undo pops the current state onto the redo stack and returns the state that
// becomes current. The base state is a floor: with one entry or fewer this is
// a no-op and ok is false.
func (r *Room) Undo() (state domain.CanvasState, av Availability, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.history) <= 1 {
		return nil, r.availabilityLocked(), false
	}
	last := len(r.history) - 1
	r.redo = append(r.redo, r.history[last])
	r.history = r.history[:last]
	return r.history[len(r.history)-1], r.availabilityLocked(), true
}

// Redo re-applies the most recently undone state. No-op when the redo stack
// is empty.
func (r *Room) Redo() (state domain.CanvasState, av Availability, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.redo) == 0 {
		return nil, r.availabilityLocked(), false
	}
	last := len(r.redo) - 1
	state = r.redo[last]
	r.redo = r.redo[:last]
	r.history = append(r.history, state)
	return state, r.availabilityLocked(), true
}

// Latest returns the current canvas state, if any. Used to sync late joiners.
func (r *Room) Latest() (domain.CanvasState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.history) == 0 {
		return nil, false
	}
	return r.history[len(r.history)-1], true
}

func (r *Room) Availability() Availability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.availabilityLocked()
}

func (r *Room) availabilityLocked() Availability {
	return Availability{
		CanUndo: len(r.history) > 1,
		CanRedo: len(r.redo) > 0,
	}
}

// JoinVoice records cid as a voice participant and returns the peers that
// were already present. The snapshot is taken before self-insertion, and cid
// is skipped in case of a duplicate join, so a client is never told to dial
// itself.
func (r *Room) JoinVoice(cid domain.ClientID) []domain.ClientID {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := make([]domain.ClientID, 0, len(r.voice))
	for id := range r.voice {
		if id == cid {
			continue
		}
		peers = append(peers, id)
	}
	r.voice[cid] = struct{}{}
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("cid", string(cid)).Int("peers", len(peers)).Msg("joined voice")
	return peers
}

// Broadcast fans a frame out to every member except from. Pass an empty
// ClientID to reach the whole room. Sends are best-effort: a member whose
// send buffer is full just misses the frame.
func (r *Room) Broadcast(from domain.ClientID, f Frame) (sent int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for cid, conn := range r.members {
		if cid == from || conn == nil {
			continue
		}
		if err := conn.TrySend(f); err != nil {
			log.Debug().Str("module", "core.room").Str("room", string(r.id)).Str("cid", string(cid)).Err(err).Msg("dropped frame")
			continue
		}
		sent++
	}
	return sent
}
