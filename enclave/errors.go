package enclave

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedMessage indicates a websocket response that does not
	// match the expected envelope structure.
	ErrMalformedMessage = errors.New("malformed websocket response")

	// ErrChecksumMismatch indicates the enclave's function checksum does
	// not match the caller's expectation.
	ErrChecksumMismatch = errors.New("function checksum mismatch")

	// ErrTransportClosed indicates the connection was closed by the remote
	// peer. The enclave closes idle connections after about 60 seconds of
	// inactivity; invoking more frequently keeps the session alive. The
	// condition is retryable by reconnecting.
	ErrTransportClosed = errors.New("enclave connection closed, likely due to inactivity timeout; reconnect and invoke more frequently to keep the session alive")
)

// RemoteError is an error reported by the enclave itself. The message is
// passed through unmodified.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// StateError reports an operation attempted in a session state that does
// not permit it.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s in session state %s", e.Op, e.State)
}
