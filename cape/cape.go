package cape

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/capeprivacy/go-cape/attest"
	"github.com/capeprivacy/go-cape/cryptoutils"
	"github.com/capeprivacy/go-cape/enclave"
	"github.com/capeprivacy/go-cape/localstore"
)

// EncryptPrefix tags envelope ciphertexts produced by Encrypt so function
// code can recognize them.
const EncryptPrefix = "cape:"

// Cape is the enclave client facade. The zero value is not usable; create
// instances with New. A Cape holds at most one function session at a time;
// independent clients may run concurrently.
type Cape struct {
	cfg    Config
	log    *slog.Logger
	dialer *enclave.Dialer

	// Roots memoizes the trusted attestation root. Replace or seed it to
	// pin a custom root (tests do).
	Roots *attest.RootProvider

	// Keys is the on-disk cache for the recipient key.
	Keys *localstore.KeyCache

	mu      sync.Mutex
	session *enclave.Session
}

// New creates a client with the given configuration. A nil logger means
// slog.Default().
func New(cfg Config, log *slog.Logger) *Cape {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}

	dialer := &enclave.Dialer{}
	if cfg.InsecureDisableTLSVerify {
		dialer.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Cape{
		cfg:    cfg,
		log:    log,
		dialer: dialer,
		Roots:  &attest.RootProvider{},
		Keys:   &localstore.KeyCache{Dir: cfg.ConfigDir, Filename: cfg.KeyFilename},
	}
}

// Connect establishes a verified session to the enclave hosting the
// referenced function. The enclave closes idle sessions after about 60
// seconds; call Close once done invoking. Connecting while a session is
// open closes the previous session first.
func (c *Cape) Connect(ctx context.Context, ref FunctionRef, policy attest.PCRPolicy) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		_ = c.session.Close()
		c.session = nil
	}

	session, _, err := c.bootstrapSession(ctx, functionEndpoint(c.cfg.URL, ref.ID), ref, policy)
	if err != nil {
		return err
	}
	c.session = session
	return nil
}

// Invoke sends input to the connected function and returns its output.
// Connect must have succeeded first.
func (c *Cape) Invoke(ctx context.Context, input []byte) ([]byte, error) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	if session == nil {
		return nil, &enclave.StateError{Op: "invoke", State: enclave.Unconnected}
	}
	return session.Invoke(ctx, input)
}

// Close releases the current session. Idempotent.
func (c *Cape) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}

// Run is the single-shot composition connect + invoke + close. The session
// is closed even when the invocation fails.
func (c *Cape) Run(ctx context.Context, ref FunctionRef, input []byte, policy attest.PCRPolicy) ([]byte, error) {
	if err := c.Connect(ctx, ref, policy); err != nil {
		return nil, err
	}
	defer c.Close()

	return c.Invoke(ctx, input)
}

// Key returns the account's recipient public key (DER), from the local
// cache when available, otherwise via a short-lived bootstrap-only session
// to the key-issuing endpoint. A freshly fetched key is persisted through
// the cache.
func (c *Cape) Key(ctx context.Context, token string, policy attest.PCRPolicy) ([]byte, error) {
	cached, err := c.Keys.Load()
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	ref := FunctionRef{Token: token}
	session, doc, err := c.bootstrapSession(ctx, keyEndpoint(c.cfg.URL), ref, policy)
	if err != nil {
		return nil, err
	}
	// The attestation document is all we needed.
	_ = session.Close()

	key, err := decodeCapeKey(doc.UserData)
	if err != nil {
		return nil, err
	}

	if err := c.Keys.Save(key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt envelope-encrypts input under the account's recipient key. The
// result is base64-encoded and tagged with EncryptPrefix, ready to be used
// as input to any function of the same account.
func (c *Cape) Encrypt(ctx context.Context, input []byte, token string) ([]byte, error) {
	key, err := c.Key(ctx, token, nil)
	if err != nil {
		return nil, err
	}

	ciphertext, err := cryptoutils.EnvelopeEncrypt(input, key)
	if err != nil {
		return nil, err
	}

	tagged := make([]byte, 0, len(EncryptPrefix)+base64.StdEncoding.EncodedLen(len(ciphertext)))
	tagged = append(tagged, EncryptPrefix...)
	tagged = append(tagged, base64.StdEncoding.EncodeToString(ciphertext)...)
	return tagged, nil
}

// bootstrapSession dials, authenticates and verifies one session, binding
// the function checksum when the reference carries one. Failures close the
// partially established session before returning.
func (c *Cape) bootstrapSession(ctx context.Context, endpoint string, ref FunctionRef, policy attest.PCRPolicy) (*enclave.Session, *attest.Document, error) {
	root, err := c.Roots.Get(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("could not obtain trusted root certificate: %w", err)
	}

	sessionID := uuid.New().String()
	log := c.log.With(slog.String("session", sessionID))

	session := enclave.NewSession(enclave.Config{
		Endpoint:     endpoint,
		AuthProtocol: ref.AuthProtocol(),
		AuthToken:    ref.Token,
		RootCert:     root,
		Dialer:       c.dialer,
		Log:          log,
	})

	doc, err := session.Bootstrap(ctx, policy)
	if err != nil {
		return nil, nil, err
	}

	if err := session.VerifyFunctionChecksum(ref.Checksum, doc.UserData); err != nil {
		return nil, nil, err
	}
	return session, doc, nil
}

func decodeCapeKey(userData []byte) ([]byte, error) {
	if len(userData) == 0 {
		return nil, errors.New("enclave response did not include user data")
	}

	var decoded struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(userData, &decoded); err != nil {
		return nil, fmt.Errorf("could not decode attestation user data: %w", err)
	}
	if decoded.Key == "" {
		return nil, errors.New("enclave response did not include a Cape key in attestation user data")
	}

	key, err := base64.StdEncoding.DecodeString(decoded.Key)
	if err != nil {
		return nil, fmt.Errorf("could not decode Cape key: %w", err)
	}
	return key, nil
}

func functionEndpoint(baseURL, functionID string) string {
	return fmt.Sprintf("%s/v1/run/%s", baseURL, functionID)
}

func keyEndpoint(baseURL string) string {
	return fmt.Sprintf("%s/v1/key", baseURL)
}
