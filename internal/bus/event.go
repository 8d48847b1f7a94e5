package bus

import "time"

// Event is a domain event published in-process. Kind is a dot-separated
// name; subscribers filter on a namespace prefix.
//
// Namespaces used across the daemon:
//
//	conn.    connection state changes and decoded inbound frames
//	chat.    store mutations (message upserted, read, send results)
//	typing.  typing set changes
//	auth.    credential lifecycle (login, rotation, logout)
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
