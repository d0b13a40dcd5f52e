package hearth

import "errors"

// ============================================================================
// Error taxonomy
// ============================================================================

var (
	// ErrAuthentication is returned when no token is available or the server
	// rejects it during the handshake.
	ErrAuthentication = errors.New("authentication failed")

	// ErrConnectionTimeout is returned when the handshake does not complete
	// within RealtimeConfig.HandshakeTimeout.
	ErrConnectionTimeout = errors.New("connection handshake timed out")

	// ErrSendTimeout is returned when a send is not acknowledged within
	// RealtimeConfig.SendTimeout.
	ErrSendTimeout = errors.New("send acknowledgement timed out")

	// ErrNotConnected is returned by operations that need an authenticated
	// connection when there is none.
	ErrNotConnected = errors.New("not connected")

	// ErrConnectCanceled is returned to callers of an in-flight connect that
	// was superseded by Disconnect or ForceReconnect.
	ErrConnectCanceled = errors.New("connection attempt canceled")

	// ErrJoinTimeout is returned when a room join is not acknowledged within
	// RealtimeConfig.JoinTimeout.
	ErrJoinTimeout = errors.New("join acknowledgement timed out")

	// ErrNoRESTClient is returned by DeliveryManager.History when the manager
	// was built without a REST client.
	ErrNoRESTClient = errors.New("no REST client configured")
)

// TransportError wraps a low-level connection failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "transport " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ServerError is an explicit error event reported by the server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}
