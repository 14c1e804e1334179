package enclavetest_test

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capeprivacy/go-cape/enclavetest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func httpURL(s *enclavetest.Server) string {
	return "http" + strings.TrimPrefix(s.URL(), "ws")
}

func TestServer_UpgradesWebsocket(t *testing.T) {
	server, err := enclavetest.NewServer(enclavetest.Config{Log: testLogger()})
	require.NoError(t, err)
	defer server.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(server.URL()+"/v1/run/echo-fn", nil)
	require.NoError(t, err, "The websocket upgrade must succeed on session routes")
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	conn.Close()
}

func TestServer_Readiness(t *testing.T) {
	server, err := enclavetest.NewServer(enclavetest.Config{Log: testLogger()})
	require.NoError(t, err)
	defer server.Close()

	resp, err := http.Get(httpURL(server) + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	server.Drain()

	resp, err = http.Get(httpURL(server) + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	_, wsResp, err := websocket.DefaultDialer.Dial(server.URL()+"/v1/run/echo-fn", nil)
	assert.Error(t, err, "Upgrades are refused while draining")
	if wsResp != nil {
		assert.Equal(t, http.StatusServiceUnavailable, wsResp.StatusCode)
		wsResp.Body.Close()
	}
}
