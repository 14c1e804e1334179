package enclave

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the message-oriented duplex stream carrying one session.
// *websocket.Conn satisfies it; tests substitute spies.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens websocket transports to enclave endpoints. The credential
// travels as a negotiated subprotocol value alongside the auth protocol
// name, so no separate header round-trip is needed.
type Dialer struct {
	// TLSConfig applies to wss endpoints. Nil means the default
	// configuration with full certificate verification.
	TLSConfig *tls.Config

	// HandshakeTimeout bounds the websocket handshake. Zero means the
	// gorilla default.
	HandshakeTimeout time.Duration
}

// DialContext opens a transport to endpoint, offering the given
// subprotocols in order.
func (d *Dialer) DialContext(ctx context.Context, endpoint string, subprotocols []string) (Transport, error) {
	wsDialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		Subprotocols:     subprotocols,
		TLSClientConfig:  d.TLSConfig,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	conn, resp, err := wsDialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("could not dial %s: %w", endpoint, err)
	}
	return conn, nil
}
