package enclavetest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/cloudflare/circl/hpke"
	"github.com/cloudflare/circl/kem"
	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/capeprivacy/go-cape/cryptoutils"
)

// Must match the client's sealing suite (RFC 9180 default).
const (
	sessionKEM  = hpke.KEM_X25519_HKDF_SHA256
	sessionKDF  = hpke.KDF_HKDF_SHA256
	sessionAEAD = hpke.AEAD_AES128GCM
)

// Config controls mock enclave behavior, including fault injection.
type Config struct {
	// Log receives request and protocol logs. Nil means slog.Default().
	Log *slog.Logger

	// WrapAttestation sends the attestation response as a JSON envelope on
	// a text frame instead of raw bytes on a binary frame.
	WrapAttestation bool

	// PCRs are the platform measurements embedded in attestation
	// documents.
	PCRs map[uint][]byte

	// FuncChecksum, when set, is embedded base64-encoded as func_checksum
	// in attestation user data.
	FuncChecksum []byte

	// CapeKey, when set, is embedded base64-encoded as key in attestation
	// user data, as the key-issuing endpoint does.
	CapeKey []byte

	// OmitUserData drops user data from attestation documents entirely.
	OmitUserData bool

	// NonceOverride echoes these bytes instead of the client's challenge,
	// simulating a replayed attestation.
	NonceOverride []byte

	// OmitNonce drops the nonce echo from attestation documents.
	OmitNonce bool

	// InvokeError makes every invocation return {"error": InvokeError}.
	InvokeError string

	// DropAfterHandshake closes the connection right after the attestation
	// response, simulating the idle-timeout disconnect.
	DropAfterHandshake bool

	// Handler transforms decrypted invocation payloads into results. Nil
	// echoes the payload back.
	Handler func([]byte) []byte
}

// Server is an in-process mock enclave reachable over websocket. It serves
// /v1/run/{function_id} and /v1/key with the same session protocol.
type Server struct {
	CA *CA

	cfg      Config
	log      *slog.Logger
	srv      *httptest.Server
	upgrader websocket.Upgrader

	isReady    atomic.Bool
	handshakes atomic.Int64
	invokes    atomic.Int64
}

// NewServer generates a test CA and starts the mock enclave.
func NewServer(cfg Config) (*Server, error) {
	ca, err := NewCA()
	if err != nil {
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		CA:  ca,
		cfg: cfg,
		log: log,
	}

	mux := chi.NewRouter()

	// The request logger wraps the ResponseWriter without http.Hijacker,
	// which the websocket upgrade requires, so only plain HTTP routes get
	// the middleware. Websocket routes log through s.log instead.
	mux.With(s.httpLogger).Get("/readyz", s.handleReadinessCheck)
	mux.Get("/v1/run/{function_id}", s.handleSession)
	mux.Get("/v1/key", s.handleSession)

	s.srv = httptest.NewServer(mux)
	s.isReady.Store(true)
	return s, nil
}

// URL returns the websocket base URL of the server (ws://...).
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Handshakes reports completed nonce challenges.
func (s *Server) Handshakes() int64 { return s.handshakes.Load() }

// Invokes reports successfully unsealed invocations.
func (s *Server) Invokes() int64 { return s.invokes.Load() }

// Drain marks the server as not ready. The listener stays up but further
// upgrade attempts are refused with 503.
func (s *Server) Drain() {
	s.isReady.Store(false)
}

// Close shuts the server down.
func (s *Server) Close() {
	s.isReady.Store(false)
	s.srv.Close()
}

func (s *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(s.log, next)
}

func (s *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !s.isReady.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if !s.isReady.Load() {
		http.Error(w, "server is draining", http.StatusServiceUnavailable)
		return
	}

	// Echo the first offered subprotocol (the auth protocol name); the
	// second value is the credential.
	responseHeader := http.Header{}
	if protocols := websocket.Subprotocols(r); len(protocols) > 0 {
		responseHeader.Set("Sec-WebSocket-Protocol", protocols[0])
	}

	conn, err := s.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		s.log.Error("Websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	nonce, err := s.readChallenge(conn)
	if err != nil {
		s.log.Error("Handshake failed", "err", err)
		return
	}

	sessionPublic, sessionPrivate, err := sessionKEM.Scheme().GenerateKeyPair()
	if err != nil {
		s.log.Error("Session key generation failed", "err", err)
		return
	}
	publicBytes, err := sessionPublic.MarshalBinary()
	if err != nil {
		s.log.Error("Session key encoding failed", "err", err)
		return
	}

	if err := s.sendAttestation(conn, publicBytes, nonce); err != nil {
		s.log.Error("Sending attestation failed", "err", err)
		return
	}
	s.handshakes.Inc()

	if s.cfg.DropAfterHandshake {
		return
	}

	s.serveInvocations(conn, sessionPrivate)
}

func (s *Server) readChallenge(conn *websocket.Conn) ([]byte, error) {
	_, request, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Message struct {
			Nonce string `json:"nonce"`
		} `json:"message"`
	}
	if err := json.Unmarshal(request, &envelope); err != nil {
		return nil, fmt.Errorf("decoding handshake request: %w", err)
	}

	nonce, err := base64.StdEncoding.DecodeString(envelope.Message.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}
	return nonce, nil
}

func (s *Server) sendAttestation(conn *websocket.Conn, sessionPublicKey, nonce []byte) error {
	echo := nonce
	if s.cfg.NonceOverride != nil {
		echo = s.cfg.NonceOverride
	}
	if s.cfg.OmitNonce {
		echo = nil
	}

	doc := NewDocument(s.CA, sessionPublicKey, s.userData(), echo)
	if s.cfg.PCRs != nil {
		doc.PCRs = s.cfg.PCRs
	}

	raw, err := s.CA.Sign(doc)
	if err != nil {
		return err
	}

	if !s.cfg.WrapAttestation {
		return conn.WriteMessage(websocket.BinaryMessage, raw)
	}

	wrapped, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"message": base64.StdEncoding.EncodeToString(raw),
		},
	})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, wrapped)
}

func (s *Server) userData() []byte {
	if s.cfg.OmitUserData {
		return nil
	}

	fields := map[string]string{}
	if s.cfg.FuncChecksum != nil {
		fields["func_checksum"] = base64.StdEncoding.EncodeToString(s.cfg.FuncChecksum)
	}
	if s.cfg.CapeKey != nil {
		fields["key"] = base64.StdEncoding.EncodeToString(s.cfg.CapeKey)
	}
	if len(fields) == 0 {
		return nil
	}

	userData, err := json.Marshal(fields)
	if err != nil {
		panic(err)
	}
	return userData
}

// serveInvocations unseals binary frames and answers each with a JSON
// response envelope. The HPKE opener is set up once from the first
// message's encapsulation and reused, matching the client's per-session
// sealing context.
func (s *Server) serveInvocations(conn *websocket.Conn, sessionPrivate kem.PrivateKey) {
	suite := hpke.NewSuite(sessionKEM, sessionKDF, sessionAEAD)
	receiver, err := suite.NewReceiver(sessionPrivate, nil)
	if err != nil {
		s.log.Error("HPKE receiver setup failed", "err", err)
		return
	}

	var opener hpke.Opener
	encapSize := cryptoutils.EncapsulationSize()

	for {
		messageType, sealed, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage || len(sealed) <= encapSize {
			s.writeError(conn, "malformed invocation payload")
			continue
		}

		if opener == nil {
			opener, err = receiver.Setup(sealed[:encapSize])
			if err != nil {
				s.writeError(conn, fmt.Sprintf("decapsulation failed: %s", err))
				continue
			}
		}

		plaintext, err := opener.Open(sealed[encapSize:], nil)
		if err != nil {
			s.writeError(conn, fmt.Sprintf("unsealing failed: %s", err))
			continue
		}
		s.invokes.Inc()

		if s.cfg.InvokeError != "" {
			s.writeError(conn, s.cfg.InvokeError)
			continue
		}

		result := plaintext
		if s.cfg.Handler != nil {
			result = s.cfg.Handler(plaintext)
		}

		response, err := json.Marshal(map[string]any{
			"message": map[string]any{
				"message": base64.StdEncoding.EncodeToString(result),
			},
		})
		if err != nil {
			s.log.Error("Encoding invoke response failed", "err", err)
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, response); err != nil {
			return
		}
	}
}

func (s *Server) writeError(conn *websocket.Conn, message string) {
	response, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, response)
}
