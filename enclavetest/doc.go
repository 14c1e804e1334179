// Package enclavetest provides an in-process mock enclave for testing the
// client against a real websocket handshake without AWS infrastructure.
//
// A Server speaks the full session protocol: it accepts the nonce
// challenge, returns a CBOR attestation document signed (COSE Sign1,
// ES384) by a generated test certificate chain, and HPKE-decrypts sealed
// invocation payloads, echoing them back through the JSON response
// envelope. Fault injection hooks cover the failure paths: wrong nonce
// echo, remote errors, connection drops mid-invoke, JSON-wrapped versus
// raw attestation framing.
//
// The generated CA (root -> intermediate -> leaf) stands in for the AWS
// Nitro attestation chain; tests pass CA.Root as the trusted root.
package enclavetest
