package attest

import (
	"crypto/ecdsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	cose "github.com/veraison/go-cose"
)

// Parse decodes the COSE Sign1 envelope and the attestation document it
// carries. The result is untrusted: nothing has been verified yet.
func Parse(raw []byte) (*Document, error) {
	msg, err := decodeSign1(raw)
	if err != nil {
		return nil, err
	}

	var doc Document
	if err := cbor.Unmarshal(msg.Payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: decoding payload: %s", ErrMalformedMessage, err)
	}

	if len(doc.Certificate) == 0 {
		return nil, fmt.Errorf("%w: missing certificate", ErrMalformedAttestation)
	}
	if len(doc.CABundle) == 0 {
		return nil, fmt.Errorf("%w: missing cabundle", ErrMalformedAttestation)
	}
	if len(doc.PublicKey) == 0 {
		return nil, fmt.Errorf("%w: missing public_key", ErrMalformedAttestation)
	}
	return &doc, nil
}

// VerifySignature checks that the COSE Sign1 signature over raw verifies
// under the public key of the given leaf certificate (DER). Nitro documents
// are signed with ECDSA P-384 over SHA-384.
func VerifySignature(raw, leafCertDER []byte) error {
	msg, err := decodeSign1(raw)
	if err != nil {
		return err
	}

	cert, err := x509.ParseCertificate(leafCertDER)
	if err != nil {
		return fmt.Errorf("%w: parsing leaf certificate: %s", ErrInvalidSignature, err)
	}

	publicKey, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: leaf certificate key is %T, want ECDSA", ErrInvalidSignature, cert.PublicKey)
	}

	verifier, err := cose.NewVerifier(cose.AlgorithmES384, publicKey)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSignature, err)
	}

	if err := msg.Verify(nil, verifier); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSignature, err)
	}
	return nil
}

// VerifyCertChain validates the chain from the trusted root through the CA
// bundle to the leaf certificate at the given instant. Issuer, signature and
// validity period of every certificate in the path must check out.
func VerifyCertChain(root *x509.Certificate, cabundle [][]byte, leafCertDER []byte, at time.Time) error {
	leaf, err := x509.ParseCertificate(leafCertDER)
	if err != nil {
		return fmt.Errorf("%w: parsing leaf certificate: %s", ErrChainVerification, err)
	}

	roots := x509.NewCertPool()
	roots.AddCert(root)

	intermediates := x509.NewCertPool()
	for i, certDER := range cabundle {
		cert, err := x509.ParseCertificate(certDER)
		if err != nil {
			return fmt.Errorf("%w: parsing cabundle[%d]: %s", ErrChainVerification, i, err)
		}
		intermediates.AddCert(cert)
	}

	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   at,
		// Nitro attestation certificates carry no EKU.
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("%w: %s", ErrChainVerification, err)
	}
	return nil
}

// VerifyPCRs checks every measurement constrained by policy against the
// document. A policy index absent from the document is a failure.
func VerifyPCRs(policy PCRPolicy, doc *Document) error {
	for index, accepted := range policy {
		measurement, ok := doc.PCRs[uint(index)]
		if !ok {
			return fmt.Errorf("%w: PCR%d absent from document", ErrPCRMismatch, index)
		}

		got := hex.EncodeToString(measurement)
		found := false
		for _, want := range accepted {
			if strings.EqualFold(got, want) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: PCR%d value %s not in accepted set", ErrPCRMismatch, index, got)
		}
	}
	return nil
}

// VerifyNonce checks the nonce echoed by the document, when present,
// against the challenge sent for this handshake. The comparison is
// constant-time.
func VerifyNonce(expected []byte, doc *Document) error {
	if len(doc.Nonce) == 0 {
		return nil
	}
	if len(doc.Nonce) != len(expected) || subtle.ConstantTimeCompare(doc.Nonce, expected) != 1 {
		return ErrReplayDetected
	}
	return nil
}

// ParseAndVerify runs the full verification pipeline: parse, signature,
// certificate chain, PCR policy, nonce. It returns the document only if
// every step succeeds; on any failure no part of the document is surfaced.
//
// nonce and policy may be nil to skip the respective checks. root must not
// be nil.
func ParseAndVerify(raw []byte, root *x509.Certificate, nonce []byte, policy PCRPolicy) (*Document, error) {
	if root == nil {
		return nil, fmt.Errorf("%w: no trusted root certificate", ErrChainVerification)
	}

	doc, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	if err := VerifySignature(raw, doc.Certificate); err != nil {
		return nil, err
	}

	if err := VerifyCertChain(root, doc.CABundle, doc.Certificate, doc.VerifyTime()); err != nil {
		return nil, err
	}

	if policy != nil {
		if err := VerifyPCRs(policy, doc); err != nil {
			return nil, err
		}
	}

	if nonce != nil {
		if err := VerifyNonce(nonce, doc); err != nil {
			return nil, err
		}
	}

	return doc, nil
}

// decodeSign1 decodes a COSE Sign1 message. Nitro emits the untagged form;
// the tagged form is accepted as well since both appear in the wild.
func decodeSign1(raw []byte) (*cose.UntaggedSign1Message, error) {
	var msg cose.UntaggedSign1Message
	if err := msg.UnmarshalCBOR(raw); err == nil {
		return &msg, nil
	}

	var tagged cose.Sign1Message
	if err := tagged.UnmarshalCBOR(raw); err != nil {
		return nil, fmt.Errorf("%w: decoding COSE Sign1: %s", ErrMalformedMessage, err)
	}
	untagged := cose.UntaggedSign1Message(tagged)
	return &untagged, nil
}
