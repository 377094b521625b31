package obd

import "errors"

// Sentinel errors shared across the engine so callers can classify failures
// via errors.Is. Transport failures end a session (the supervisor reconnects);
// timeouts and decode failures produce invalid readings and the session
// continues; an unsupported PID is dropped from polling for the session.
var (
	ErrLink           = errors.New("link error")
	ErrLinkTimeout    = errors.New("link timeout")
	ErrDecode         = errors.New("decode error")
	ErrUnsupportedPID = errors.New("unsupported pid")
)
