package enclave

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capeprivacy/go-cape/attest"
	"github.com/capeprivacy/go-cape/enclavetest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// spyTransport counts calls so tests can assert that no I/O happened.
type spyTransport struct {
	reads  int
	writes int
	closes int
}

func (s *spyTransport) ReadMessage() (int, []byte, error) {
	s.reads++
	return 0, nil, errors.New("spy transport")
}

func (s *spyTransport) WriteMessage(messageType int, data []byte) error {
	s.writes++
	return errors.New("spy transport")
}

func (s *spyTransport) SetReadDeadline(t time.Time) error  { return nil }
func (s *spyTransport) SetWriteDeadline(t time.Time) error { return nil }

func (s *spyTransport) Close() error {
	s.closes++
	return nil
}

func newTestSession(t *testing.T, server *enclavetest.Server, path string) *Session {
	t.Helper()
	return NewSession(Config{
		Endpoint:     server.URL() + path,
		AuthProtocol: "cape.function",
		AuthToken:    "test-token",
		RootCert:     server.CA.Root,
		Log:          testLogger(),
	})
}

func TestSession_InvokeBeforeBootstrapPerformsNoIO(t *testing.T) {
	session := NewSession(Config{Log: testLogger()})
	spy := &spyTransport{}
	session.conn = spy

	_, err := session.Invoke(context.Background(), []byte("hello"))

	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr, "Invoke before bootstrap must fail with a StateError")
	assert.Equal(t, "invoke", stateErr.Op)
	assert.Equal(t, Unconnected, stateErr.State)
	assert.Zero(t, spy.reads, "No reads may happen")
	assert.Zero(t, spy.writes, "No writes may happen")
}

func TestSession_InvokeAfterClosePerformsNoIO(t *testing.T) {
	session := NewSession(Config{Log: testLogger()})
	spy := &spyTransport{}
	session.conn = spy

	require.NoError(t, session.Close())
	assert.Equal(t, 1, spy.closes, "Close should close the transport")

	_, err := session.Invoke(context.Background(), []byte("hello"))
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, Closed, stateErr.State)
	assert.Zero(t, spy.reads)
	assert.Zero(t, spy.writes)
}

func TestSession_BootstrapAndInvoke(t *testing.T) {
	server, err := enclavetest.NewServer(enclavetest.Config{Log: testLogger()})
	require.NoError(t, err)
	defer server.Close()

	session := newTestSession(t, server, "/v1/run/echo-fn")
	defer session.Close()

	doc, err := session.Bootstrap(context.Background(), nil)
	require.NoError(t, err, "Bootstrap against the mock enclave should succeed")
	assert.Equal(t, Bootstrapped, session.State())
	assert.Len(t, doc.PublicKey, 32)

	// Sequential invokes on one session reuse the sealing context.
	for _, input := range []string{"first", "second", "third"} {
		result, err := session.Invoke(context.Background(), []byte(input))
		require.NoError(t, err)
		assert.Equal(t, []byte(input), result, "Mock enclave echoes the payload")
	}
	assert.EqualValues(t, 3, server.Invokes())
}

func TestSession_BootstrapAcceptsWrappedAttestation(t *testing.T) {
	server, err := enclavetest.NewServer(enclavetest.Config{Log: testLogger(), WrapAttestation: true})
	require.NoError(t, err)
	defer server.Close()

	session := newTestSession(t, server, "/v1/run/echo-fn")
	defer session.Close()

	_, err = session.Bootstrap(context.Background(), nil)
	require.NoError(t, err, "JSON-wrapped attestation framing must be accepted")
	assert.Equal(t, Bootstrapped, session.State())
}

func TestSession_BootstrapRejectsWrongNonceEcho(t *testing.T) {
	server, err := enclavetest.NewServer(enclavetest.Config{
		Log:           testLogger(),
		NonceOverride: []byte("not-the-challenge"),
	})
	require.NoError(t, err)
	defer server.Close()

	session := newTestSession(t, server, "/v1/run/echo-fn")

	_, err = session.Bootstrap(context.Background(), nil)
	assert.ErrorIs(t, err, attest.ErrReplayDetected, "A wrong nonce echo is a replay")
	assert.Equal(t, Closed, session.State(), "Failed bootstrap must close the session")
}

func TestSession_BootstrapEnforcesPCRPolicy(t *testing.T) {
	server, err := enclavetest.NewServer(enclavetest.Config{
		Log:  testLogger(),
		PCRs: map[uint][]byte{0: {0xaa, 0xbb}},
	})
	require.NoError(t, err)
	defer server.Close()

	accepted := newTestSession(t, server, "/v1/run/echo-fn")
	defer accepted.Close()
	_, err = accepted.Bootstrap(context.Background(), attest.PCRPolicy{0: {"aabb"}})
	require.NoError(t, err, "Measurement inside the accepted set should pass")

	rejected := newTestSession(t, server, "/v1/run/echo-fn")
	_, err = rejected.Bootstrap(context.Background(), attest.PCRPolicy{0: {"ffff"}})
	assert.ErrorIs(t, err, attest.ErrPCRMismatch)
	assert.Equal(t, Closed, rejected.State(), "PCR failure must close the session")
}

func TestSession_RemoteErrorPassedThroughVerbatim(t *testing.T) {
	server, err := enclavetest.NewServer(enclavetest.Config{
		Log:         testLogger(),
		InvokeError: "function panicked: oh no",
	})
	require.NoError(t, err)
	defer server.Close()

	session := newTestSession(t, server, "/v1/run/echo-fn")
	defer session.Close()

	_, err = session.Bootstrap(context.Background(), nil)
	require.NoError(t, err)

	_, err = session.Invoke(context.Background(), []byte("input"))
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "function panicked: oh no", remoteErr.Message,
		"Remote error messages must not be modified")
	assert.Equal(t, Bootstrapped, session.State(),
		"A remote error leaves the session open; closing is the caller's call")
}

func TestSession_RemoteCloseSurfacesAsTransportClosed(t *testing.T) {
	server, err := enclavetest.NewServer(enclavetest.Config{
		Log:                testLogger(),
		DropAfterHandshake: true,
	})
	require.NoError(t, err)
	defer server.Close()

	session := newTestSession(t, server, "/v1/run/echo-fn")

	_, err = session.Bootstrap(context.Background(), nil)
	require.NoError(t, err)

	_, err = session.Invoke(context.Background(), []byte("input"))
	assert.ErrorIs(t, err, ErrTransportClosed,
		"A remote-initiated close is retryable, not fatal")
	assert.Equal(t, Closed, session.State(),
		"The session must deterministically reach Closed after an abort")
}

func TestSession_InvokeAbortsOnContextCancel(t *testing.T) {
	release := make(chan struct{})
	server, err := enclavetest.NewServer(enclavetest.Config{
		Log: testLogger(),
		Handler: func(payload []byte) []byte {
			<-release
			return payload
		},
	})
	require.NoError(t, err)
	defer server.Close()
	defer close(release)

	session := newTestSession(t, server, "/v1/run/echo-fn")
	_, err = session.Bootstrap(context.Background(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err = session.Invoke(ctx, []byte("input"))
	assert.ErrorIs(t, err, ErrTransportClosed, "Cancellation must abort the in-flight invoke")
	assert.Less(t, time.Since(start), 5*time.Second, "The abort must not wait for the remote side")
	assert.Equal(t, Closed, session.State(), "An aborted session deterministically ends up closed")
}

func TestSession_VerifyFunctionChecksum(t *testing.T) {
	checksum := []byte{0x01, 0x02, 0xab, 0xcd}
	userData, err := json.Marshal(map[string]string{
		"func_checksum": base64.StdEncoding.EncodeToString(checksum),
	})
	require.NoError(t, err)

	t.Run("match is case-insensitive", func(t *testing.T) {
		session := NewSession(Config{Log: testLogger()})
		assert.NoError(t, session.VerifyFunctionChecksum("0102ABCD", userData))
		assert.NotEqual(t, Closed, session.State(), "A successful check must not close the session")
	})

	t.Run("empty expectation skips the check", func(t *testing.T) {
		session := NewSession(Config{Log: testLogger()})
		assert.NoError(t, session.VerifyFunctionChecksum("", nil))
	})

	t.Run("mismatch closes the session", func(t *testing.T) {
		session := NewSession(Config{Log: testLogger()})
		err := session.VerifyFunctionChecksum("ffffffff", userData)
		assert.ErrorIs(t, err, ErrChecksumMismatch)
		assert.Equal(t, Closed, session.State())
	})

	t.Run("missing user data closes the session", func(t *testing.T) {
		session := NewSession(Config{Log: testLogger()})
		err := session.VerifyFunctionChecksum("0102abcd", nil)
		assert.ErrorIs(t, err, ErrChecksumMismatch)
		assert.Equal(t, Closed, session.State())
	})
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	server, err := enclavetest.NewServer(enclavetest.Config{Log: testLogger()})
	require.NoError(t, err)
	defer server.Close()

	session := newTestSession(t, server, "/v1/run/echo-fn")
	_, err = session.Bootstrap(context.Background(), nil)
	require.NoError(t, err)

	require.NoError(t, session.Close())
	require.NoError(t, session.Close(), "Second close is a no-op")
	assert.Equal(t, Closed, session.State())

	// The lifecycle is strictly forward: no reconnecting a closed session.
	_, err = session.Bootstrap(context.Background(), nil)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, Closed, stateErr.State)
}

func TestSession_KeyEndpointBootstrapOnly(t *testing.T) {
	server, err := enclavetest.NewServer(enclavetest.Config{
		Log:     testLogger(),
		CapeKey: []byte("fake-der-key"),
	})
	require.NoError(t, err)
	defer server.Close()

	session := newTestSession(t, server, "/v1/key")
	doc, err := session.Bootstrap(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, session.Close())

	var userData struct {
		Key string `json:"key"`
	}
	require.NoError(t, json.Unmarshal(doc.UserData, &userData))
	key, err := base64.StdEncoding.DecodeString(userData.Key)
	require.NoError(t, err)
	assert.Equal(t, []byte("fake-der-key"), key)
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, Unconnected.canAdvanceTo(Dialing))
	assert.True(t, Dialing.canAdvanceTo(Authenticating))
	assert.True(t, Authenticating.canAdvanceTo(Bootstrapped))
	assert.True(t, Unconnected.canAdvanceTo(Closed), "Any state may close")
	assert.True(t, Bootstrapped.canAdvanceTo(Closed))

	assert.False(t, Unconnected.canAdvanceTo(Bootstrapped), "No skipping forward")
	assert.False(t, Bootstrapped.canAdvanceTo(Dialing), "No moving backward")
	assert.False(t, Closed.canAdvanceTo(Dialing), "Closed is terminal")
}
