package relay

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Canvas/internal/core"
	"github.com/dkeye/Canvas/internal/domain"
)

// EventKind is the closed set of wire events. Dispatch happens through one
// switch over these constants rather than string-keyed handler registration,
// so an unhandled kind is visible at a glance.
type EventKind string

const (
	// client → server
	EventJoinRoom    EventKind = "join-room"
	EventHistorySave EventKind = "history:save"
	EventHistoryUndo EventKind = "history:undo"
	EventHistoryRedo EventKind = "history:redo"
	EventJoinVoice   EventKind = "join-voice"
	EventPing        EventKind = "ping"

	// client → server, relayed to the room minus the sender
	EventObjectAdded    EventKind = "object:added"
	EventObjectModified EventKind = "object:modified"
	EventObjectRemoved  EventKind = "object:removed"
	EventObjectLayered  EventKind = "object:layered"
	EventPathCreated    EventKind = "path:created"
	EventCursorMove     EventKind = "cursor:move"

	// client → server, relayed to a single target
	EventOffer        EventKind = "offer"
	EventAnswer       EventKind = "answer"
	EventICECandidate EventKind = "ice-candidate"

	// server → client only
	EventHistoryUpdate    EventKind = "history:update"
	EventCanvasLoad       EventKind = "canvas:load"
	EventUserDisconnected EventKind = "user:disconnected"
	EventOtherUsers       EventKind = "other-users"
	EventUserLeftVoice    EventKind = "user-left-voice"
	EventPong             EventKind = "pong"
)

// Envelope is the wire frame in both directions: the event name plus an
// opaque payload. Canvas payloads pass through untouched.
type Envelope struct {
	Type EventKind       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode marshals an outbound event into a transport frame.
func Encode(kind EventKind, data any) (core.Frame, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		raw = b
	}
	b, err := json.Marshal(Envelope{Type: kind, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", kind, err)
	}
	return core.Frame(b), nil
}

// JoinRoomPayload names the room a client wants to enter.
type JoinRoomPayload struct {
	Room string `json:"room"`
}

// SignalPayload carries a WebRTC session description (offer or answer) to a
// single peer. It is forwarded to Target verbatim.
type SignalPayload struct {
	Target string                    `json:"target"`
	Caller string                    `json:"caller,omitempty"`
	SDP    webrtc.SessionDescription `json:"sdp"`
}

// CandidatePayload carries one ICE candidate. Inbound it names a Target;
// outbound the relay rewrites it to name the Sender so the receiving peer can
// attribute the candidate.
type CandidatePayload struct {
	Target    string                  `json:"target,omitempty"`
	Sender    string                  `json:"sender,omitempty"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// MemberPayload identifies a member in leave notifications.
type MemberPayload struct {
	ID domain.ClientID `json:"id"`
}

// PeersPayload lists the voice participants a new joiner should dial.
type PeersPayload []domain.ClientID
