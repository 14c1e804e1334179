// Package cryptoutils provides the cryptographic primitives used by the
// enclave client: challenge generation, envelope encryption for long-lived
// recipient keys, and per-session hybrid sealing of request payloads.
//
// Two encryption schemes live here and they are not interchangeable:
//
//   - Envelope encryption (EnvelopeEncrypt) protects data for a long-lived
//     recipient key. The plaintext is sealed with a fresh AES-256-GCM data
//     key, and the data key is wrapped with RSA-OAEP/SHA-256 under the
//     recipient's public key. The output format is fixed by the enclave
//     side:
//
//     [RSA ciphertext of AES key][12-byte GCM nonce][GCM ciphertext]
//
//   - Session sealing (SealContext) protects request payloads for a single
//     enclave session. It uses HPKE (RFC 9180) with the X25519-HKDF-SHA256
//     KEM, HKDF-SHA256 KDF and AES-128-GCM AEAD, the encapsulation prefixed
//     to each ciphertext:
//
//     [KEM encapsulation][AEAD ciphertext]
//
//     The enclave issues a new ephemeral public key on every bootstrap, so a
//     SealContext must never outlive the session it was created for.
//
// The package also derives storage keys from passphrases with Argon2id for
// the encrypted credential store in package localstore.
package cryptoutils
