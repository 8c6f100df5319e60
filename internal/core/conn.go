package core

// Frame is a raw encoded payload handed to the transport.
type Frame []byte

// Conn abstracts a client's messaging transport endpoint.
// Owned by the adapter; the adapter must Close() it.
type Conn interface {
	TrySend(Frame) error
	Close()
}
