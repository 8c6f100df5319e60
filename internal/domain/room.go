// Package domain contains entity types without logic, just meta-data.
package domain

import "encoding/json"

type (
	// RoomID is a caller-supplied room identifier. Any non-empty string is
	// valid; no identifier is special.
	RoomID string

	// ClientID identifies one connected client for the lifetime of its
	// connection.
	ClientID string
)

// CanvasState is an opaque serialized canvas snapshot. The server stores it
// and relays it; it never inspects the contents.
type CanvasState = json.RawMessage
