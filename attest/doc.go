// Package attest parses and verifies AWS Nitro enclave attestation
// documents.
//
// An attestation document arrives as a COSE Sign1 structure (RFC 9052)
// whose payload is a CBOR map describing the enclave: its platform
// measurements (PCRs), a certificate chain rooted at the AWS Nitro
// attestation root, an ephemeral public key for the session, opaque user
// data, and optionally an echo of the caller's handshake nonce.
//
// Every byte handled by this package originates outside the trust boundary.
// Verification is therefore strictly ordered and all-or-nothing:
//
//  1. Parse defensively; required fields must be present.
//  2. Verify the COSE signature against the leaf certificate's key.
//  3. Verify the certificate chain up to the trusted root.
//  4. Verify platform measurements against the caller's PCR policy.
//  5. Verify the echoed nonce matches the challenge.
//
// ParseAndVerify runs the full sequence and only then returns the document;
// no partially verified result is ever surfaced. Callers must not read any
// document field unless ParseAndVerify (or the equivalent sequence of the
// individual steps) has succeeded.
package attest
