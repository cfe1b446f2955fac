package mining

import "context"

// SessionEvent signals pool connection lifecycle transitions to the controller
type SessionEvent int

const (
	// SessionDisconnected - transport lost, session is retrying internally
	SessionDisconnected SessionEvent = iota
	// SessionReconnected - transport restored and handshake completed
	SessionReconnected
	// SessionAuthFailed - credentials rejected during reconnect; the session
	// is terminal and will deliver no further jobs or events
	SessionAuthFailed
)

// String returns string representation of the event
func (e SessionEvent) String() string {
	switch e {
	case SessionDisconnected:
		return "disconnected"
	case SessionReconnected:
		return "reconnected"
	case SessionAuthFailed:
		return "auth_failed"
	default:
		return "unknown"
	}
}

// Session is the pool-facing contract the controller depends on. Transport
// failures are retried inside the session with backoff; only auth and
// protocol faults surface from Connect.
type Session interface {
	// Connect dials the pool and completes the subscribe/authorize handshake
	Connect(ctx context.Context) error

	// Jobs delivers pool jobs in arrival order. A stale job is never
	// delivered after a newer one has arrived.
	Jobs() <-chan *Job

	// Events reports disconnected/reconnected transitions
	Events() <-chan SessionEvent

	// SubmitShare performs one submission round trip. Submitting the same
	// candidate ID twice returns the cached first result without re-sending.
	SubmitShare(ctx context.Context, candidate *ShareCandidate) (*ShareResult, error)

	// Connected reports whether the transport is currently up
	Connected() bool

	// Disconnect closes the session cleanly
	Disconnect() error
}
