package attest

import (
	"errors"
	"time"
)

// Verification failures, ordered by pipeline stage.
var (
	// ErrMalformedMessage indicates the outer COSE Sign1 or inner CBOR
	// structure could not be decoded.
	ErrMalformedMessage = errors.New("malformed attestation message")

	// ErrMalformedAttestation indicates a decoded document is missing a
	// required field.
	ErrMalformedAttestation = errors.New("malformed attestation document")

	// ErrInvalidSignature indicates the COSE signature does not verify
	// under the leaf certificate's public key.
	ErrInvalidSignature = errors.New("invalid attestation signature")

	// ErrChainVerification indicates the certificate chain does not verify
	// up to the trusted root.
	ErrChainVerification = errors.New("certificate chain verification failed")

	// ErrPCRMismatch indicates a platform measurement required by policy is
	// absent or outside the accepted set.
	ErrPCRMismatch = errors.New("PCR measurement mismatch")

	// ErrReplayDetected indicates the document echoed a nonce different
	// from the challenge sent for this handshake.
	ErrReplayDetected = errors.New("attestation nonce mismatch, possible replay")
)

// Document is a parsed attestation document. Its fields are untrusted until
// verification succeeds; see the package documentation for the required
// ordering.
type Document struct {
	ModuleID    string          `cbor:"module_id"`
	Timestamp   uint64          `cbor:"timestamp"`
	Digest      string          `cbor:"digest"`
	PCRs        map[uint][]byte `cbor:"pcrs"`
	Certificate []byte          `cbor:"certificate"`
	CABundle    [][]byte        `cbor:"cabundle"`
	PublicKey   []byte          `cbor:"public_key"`
	UserData    []byte          `cbor:"user_data"`
	Nonce       []byte          `cbor:"nonce"`
}

// VerifyTime returns the instant at which the document's certificate chain
// should be validated: the document timestamp when present (attestation
// chains are short-lived), otherwise the current time.
func (d *Document) VerifyTime() time.Time {
	if d.Timestamp == 0 {
		return time.Now()
	}
	return time.UnixMilli(int64(d.Timestamp))
}

// PCRPolicy maps a PCR index to the set of accepted hex-encoded measurement
// values. Indexes absent from the policy are unconstrained.
type PCRPolicy map[int][]string
