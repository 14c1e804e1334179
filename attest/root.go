package attest

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// RootCertArchiveURL is where AWS publishes the Nitro attestation root
// certificate, as a zip archive containing root.pem.
const RootCertArchiveURL = "https://aws-nitro-enclaves.amazonaws.com/AWS_NitroEnclaves_Root-G1.zip"

// ParseRootCertPEM parses a PEM-encoded root certificate.
func ParseRootCertPEM(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("failed to decode root certificate PEM block")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse root certificate: %w", err)
	}
	return cert, nil
}

// DownloadRootCert fetches the Nitro root certificate archive from url and
// extracts root.pem. An empty url means RootCertArchiveURL.
func DownloadRootCert(ctx context.Context, client *http.Client, url string) (*x509.Certificate, error) {
	if url == "" {
		url = RootCertArchiveURL
	}
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not fetch root certificate archive: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read root certificate archive: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("root certificate host returned %d: %s", resp.StatusCode, string(body))
	}

	archive, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, fmt.Errorf("could not open root certificate archive: %w", err)
	}

	pemFile, err := archive.Open("root.pem")
	if err != nil {
		return nil, fmt.Errorf("root.pem missing from archive: %w", err)
	}
	defer pemFile.Close()

	pemBytes, err := io.ReadAll(pemFile)
	if err != nil {
		return nil, fmt.Errorf("could not read root.pem: %w", err)
	}

	return ParseRootCertPEM(pemBytes)
}

// RootProvider memoizes the trusted root certificate. The fetch is
// idempotent, so redundant downloads from concurrent callers are harmless;
// the first success wins and later calls return the cached certificate.
type RootProvider struct {
	// URL overrides RootCertArchiveURL, mainly for tests.
	URL string

	// Client overrides http.DefaultClient.
	Client *http.Client

	mu   sync.Mutex
	cert *x509.Certificate
}

// Get returns the memoized root certificate, downloading it on first use.
// Failures are not cached; a later call retries the download.
func (p *RootProvider) Get(ctx context.Context) (*x509.Certificate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cert != nil {
		return p.cert, nil
	}

	cert, err := DownloadRootCert(ctx, p.Client, p.URL)
	if err != nil {
		return nil, err
	}
	p.cert = cert
	return cert, nil
}

// Set seeds the provider with a known root, bypassing the download. Used
// when the caller ships a pinned root certificate.
func (p *RootProvider) Set(cert *x509.Certificate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cert = cert
}
