package transport

import "time"

// Link is one open byte-stream connection to the adapter. It is a pure I/O
// primitive: no retry or reconnect logic lives here. Send and Receive wrap
// failures in obd.ErrLink; Receive returns obd.ErrLinkTimeout when no bytes
// arrive before the deadline. Close is idempotent.
type Link interface {
	Send(p []byte) error
	Receive(p []byte, deadline time.Time) (int, error)
	Close() error
}

// Opener dials a fresh Link. The supervisor calls it on every
// (re)connection attempt; each returned Link holds an exclusive OS handle
// on the underlying port or socket until closed.
type Opener func() (Link, error)
