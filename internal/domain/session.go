package domain

// Close codes used when the broker terminates a client session.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseInternalError = 1011
	CloseTryAgainLater = 1013
)

// Session is one live client connection handed to a listener by the transport.
type Session interface {
	ID() string
	// Send enqueues data without blocking. It fails with ErrSessionClosed or
	// ErrSessionBackpressure when the session can no longer keep up.
	Send(data []byte) error
	Close(code int, reason string)
}
