package enclave

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialerRejectsNonWebsocketEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	dialer := &Dialer{}

	conn, err := dialer.DialContext(context.Background(), endpoint, nil)
	require.Error(t, err, "A plain HTTP endpoint cannot complete the handshake")
	assert.Nil(t, conn)
	assert.Contains(t, err.Error(), endpoint)
}
