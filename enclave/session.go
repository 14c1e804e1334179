package enclave

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/capeprivacy/go-cape/attest"
	"github.com/capeprivacy/go-cape/cryptoutils"
)

// Config describes one enclave session.
type Config struct {
	// Endpoint is the websocket URL of the enclave, for example
	// wss://host/v1/run/<function_id>.
	Endpoint string

	// AuthProtocol and AuthToken travel as websocket subprotocol values
	// during the handshake.
	AuthProtocol string
	AuthToken    string

	// RootCert is the trusted attestation root.
	RootCert *x509.Certificate

	// Dialer overrides the default websocket dialer.
	Dialer *Dialer

	// Log receives debug-level protocol events. Nil means slog.Default().
	Log *slog.Logger
}

// Session is the connection state machine for one enclave. See the package
// documentation for the lifecycle. All methods are safe for concurrent use;
// operations on one session are serialized internally.
type Session struct {
	cfg    Config
	log    *slog.Logger
	dialer *Dialer

	mu      sync.Mutex
	state   State
	conn    Transport
	seal    *cryptoutils.SealContext
	invokes atomic.Int64
}

// NewSession creates a session in the Unconnected state. No I/O happens
// until Bootstrap.
func NewSession(cfg Config) *Session {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &Dialer{}
	}
	return &Session{
		cfg:    cfg,
		log:    log,
		dialer: dialer,
		state:  Unconnected,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Bootstrap dials the endpoint, authenticates with a fresh nonce challenge,
// verifies the returned attestation document against the trusted root and
// the optional PCR policy, and binds the per-session sealing context to the
// enclave's ephemeral public key.
//
// On any failure the transport is closed before the error is returned; the
// session is never left half-open.
func (s *Session) Bootstrap(ctx context.Context, policy attest.PCRPolicy) (*attest.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Unconnected {
		return nil, &StateError{Op: "bootstrap", State: s.state}
	}
	s.advance(Dialing)

	s.log.Debug("Dialing enclave", slog.String("endpoint", s.cfg.Endpoint))
	conn, err := s.dialer.DialContext(ctx, s.cfg.Endpoint, []string{s.cfg.AuthProtocol, s.cfg.AuthToken})
	if err != nil {
		s.closeLocked()
		return nil, err
	}
	s.conn = conn
	s.advance(Authenticating)

	doc, err := s.authenticate(ctx, policy)
	if err != nil {
		s.closeLocked()
		return nil, err
	}

	seal, err := cryptoutils.NewSealContext(doc.PublicKey)
	if err != nil {
		s.closeLocked()
		return nil, fmt.Errorf("binding session key: %w", err)
	}
	s.seal = seal
	s.advance(Bootstrapped)

	s.log.Debug("Session bootstrapped", slog.String("endpoint", s.cfg.Endpoint))
	return doc, nil
}

// authenticate runs the nonce challenge and attestation verification.
// Callers hold s.mu and own transport cleanup.
func (s *Session) authenticate(ctx context.Context, policy attest.PCRPolicy) (*attest.Document, error) {
	nonce, err := cryptoutils.Nonce(cryptoutils.NonceLength)
	if err != nil {
		return nil, err
	}

	request, err := encodeNonceRequest(nonce)
	if err != nil {
		return nil, fmt.Errorf("encoding handshake request: %w", err)
	}

	s.applyDeadlines(ctx)
	stop := s.abortOnCancel(ctx)
	defer stop()

	s.log.Debug("Sending authentication request")
	if err := s.conn.WriteMessage(websocket.TextMessage, request); err != nil {
		return nil, s.transportError(ctx, err)
	}

	messageType, response, err := s.conn.ReadMessage()
	if err != nil {
		return nil, s.transportError(ctx, err)
	}
	s.log.Debug("Received attestation document")

	rawAttestation, err := decodeAttestationFrame(messageType, response)
	if err != nil {
		return nil, err
	}

	doc, err := attest.ParseAndVerify(rawAttestation, s.cfg.RootCert, nonce, policy)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// VerifyFunctionChecksum compares the expected hex digest against the
// func_checksum carried in verified attestation user data. An empty
// expectation skips the check. A mismatch closes the session before the
// error is returned.
func (s *Session) VerifyFunctionChecksum(expected string, userData []byte) error {
	if expected == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	received, err := decodeFunctionChecksum(userData)
	if err != nil {
		s.closeLocked()
		return err
	}
	if !strings.EqualFold(expected, received) {
		s.closeLocked()
		return fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, received, expected)
	}
	return nil
}

func decodeFunctionChecksum(userData []byte) (string, error) {
	if len(userData) == 0 {
		return "", fmt.Errorf("%w: no user data received from enclave", ErrChecksumMismatch)
	}

	var decoded struct {
		FuncChecksum string `json:"func_checksum"`
	}
	if err := json.Unmarshal(userData, &decoded); err != nil {
		return "", fmt.Errorf("%w: decoding user data: %s", ErrChecksumMismatch, err)
	}
	if decoded.FuncChecksum == "" {
		return "", fmt.Errorf("%w: no function checksum received from enclave", ErrChecksumMismatch)
	}

	checksum, err := base64.StdEncoding.DecodeString(decoded.FuncChecksum)
	if err != nil {
		return "", fmt.Errorf("%w: decoding func_checksum: %s", ErrChecksumMismatch, err)
	}
	return hex.EncodeToString(checksum), nil
}

// Invoke seals plaintext to the session key, sends it, and returns the
// decoded result. It requires the Bootstrapped state and performs no I/O
// otherwise. Cancelling ctx aborts the exchange. A remote-initiated close
// or an abort surfaces as ErrTransportClosed and moves the session to
// Closed; other invoke failures leave the session usable at the caller's
// discretion.
func (s *Session) Invoke(ctx context.Context, plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Bootstrapped {
		return nil, &StateError{Op: "invoke", State: s.state}
	}

	sealed, err := s.seal.Seal(plaintext)
	if err != nil {
		return nil, err
	}

	s.applyDeadlines(ctx)
	stop := s.abortOnCancel(ctx)
	defer stop()

	s.log.Debug("Sending sealed input", slog.Int("bytes", len(sealed)))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, sealed); err != nil {
		return nil, s.transportError(ctx, err)
	}

	_, response, err := s.conn.ReadMessage()
	if err != nil {
		return nil, s.transportError(ctx, err)
	}
	s.log.Debug("Received function result")

	s.invokes.Inc()
	return decodeResponse(response)
}

// Close tears the session down: the transport is closed and the sealing
// context dropped. It is idempotent and safe to call from any state,
// including after a failed bootstrap.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	if s.state == Closed {
		return nil
	}

	var err error
	if s.conn != nil {
		err = s.conn.Close()
		s.conn = nil
	}
	s.seal = nil
	s.state = Closed
	s.log.Debug("Session closed", slog.Int64("invocations", s.invokes.Load()))
	return err
}

// advance moves to the next lifecycle state. Transitions are checked even
// though all call sites are internal; a violation is a programming error.
func (s *Session) advance(next State) {
	if !s.state.canAdvanceTo(next) {
		panic(fmt.Sprintf("illegal session transition %s -> %s", s.state, next))
	}
	s.state = next
}

// transportError maps an I/O failure to the session error taxonomy. Closed
// connections (remote close frames, closed network connections, aborts via
// context) are retryable-by-reconnect and deterministically move the
// session to Closed.
func (s *Session) transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		s.closeLocked()
		return fmt.Errorf("%w: %s", ErrTransportClosed, ctx.Err())
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) || errors.Is(err, net.ErrClosed) {
		s.closeLocked()
		return fmt.Errorf("%w: %s", ErrTransportClosed, err)
	}
	return err
}

// abortOnCancel closes the transport when ctx is cancelled so that blocked
// reads and writes return immediately. Callers hold s.mu and must invoke
// the returned stop function once the guarded I/O completes.
func (s *Session) abortOnCancel(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}

	conn := s.conn
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// applyDeadlines projects the context deadline onto the transport.
func (s *Session) applyDeadlines(ctx context.Context) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	_ = s.conn.SetReadDeadline(deadline)
	_ = s.conn.SetWriteDeadline(deadline)
}
