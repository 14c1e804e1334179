package attest_test

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capeprivacy/go-cape/attest"
	"github.com/capeprivacy/go-cape/enclavetest"
)

func rootArchiveServer(t *testing.T, rootPEM []byte) (*httptest.Server, *int) {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("root.pem")
	require.NoError(t, err)
	_, err = f.Write(rootPEM)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestRootProvider_DownloadsAndMemoizes(t *testing.T) {
	ca, err := enclavetest.NewCA()
	require.NoError(t, err)

	srv, hits := rootArchiveServer(t, ca.RootPEM)

	provider := &attest.RootProvider{URL: srv.URL}
	cert, err := provider.Get(context.Background())
	require.NoError(t, err, "First Get should download the root archive")
	assert.True(t, cert.Equal(ca.Root), "Extracted root should match the published certificate")

	again, err := provider.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, cert, again, "Second Get should return the memoized certificate")
	assert.Equal(t, 1, *hits, "The archive should only be fetched once")
}

func TestRootProvider_Set(t *testing.T) {
	ca, err := enclavetest.NewCA()
	require.NoError(t, err)

	provider := &attest.RootProvider{URL: "http://127.0.0.1:1/unreachable"}
	provider.Set(ca.Root)

	cert, err := provider.Get(context.Background())
	require.NoError(t, err, "A seeded provider must not hit the network")
	assert.True(t, cert.Equal(ca.Root))
}

func TestDownloadRootCert_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not here", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	_, err := attest.DownloadRootCert(context.Background(), nil, srv.URL)
	assert.Error(t, err, "Non-200 responses must fail")

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("definitely not a zip"))
	}))
	t.Cleanup(garbage.Close)

	_, err = attest.DownloadRootCert(context.Background(), nil, garbage.URL)
	assert.Error(t, err, "Responses that are not zip archives must fail")
}
