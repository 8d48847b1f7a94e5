package conn

import "errors"

// ErrNotConnected is returned by Request and SendEvent when no healthy
// session exists. The send pipeline uses it to pick the fallback path.
var ErrNotConnected = errors.New("realtime: not connected")

// ErrAckTimeout is returned by Request when the server does not
// acknowledge within the caller's deadline. Delivery is unconfirmed.
var ErrAckTimeout = errors.New("realtime: ack timeout")
