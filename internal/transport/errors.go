package transport

import "errors"

var (
	// ErrHandshake is returned when cipher or compression negotiation fails
	// or the peer's handshake is malformed.
	ErrHandshake = errors.New("handshake failed")

	// ErrIO is returned for stream failures other than an orderly close.
	ErrIO = errors.New("transport i/o error")

	// ErrClosed is returned when the peer closed the stream or the transport
	// was disconnected locally.
	ErrClosed = errors.New("transport closed")

	// ErrNotConnected is returned when sending on a transport that never
	// completed its handshake.
	ErrNotConnected = errors.New("transport not connected")
)
