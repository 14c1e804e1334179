// Package enclave implements the session protocol for talking to a remote
// confidential-computing enclave over a persistent duplex transport.
//
// A Session drives one websocket connection through an explicit state
// machine:
//
//	Unconnected -> Dialing -> Authenticating -> Bootstrapped -> Closed
//
// Transitions are strictly forward, except that every state may move to
// Closed, which is terminal and idempotent. Illegal operations (such as
// Invoke before Bootstrap) fail immediately with a StateError and perform
// no I/O.
//
// Bootstrap sends a fresh random challenge, receives the enclave's signed
// attestation document, verifies it with package attest, and binds a
// per-session sealing context to the enclave's ephemeral public key. Every
// verification failure during bootstrap closes the transport before the
// error propagates; a session is never left half-open.
//
// Invoke seals the request payload to the session key, sends it as a binary
// frame, and decodes the JSON response envelope. Remote errors are passed
// through verbatim as a RemoteError. The enclave closes idle connections
// after roughly a minute; such closes surface as ErrTransportClosed and the
// caller decides whether to reconnect.
//
// Within one session, invocations are strictly sequential: the transport is
// a single ordered stream with exactly one response per request, so the
// session serializes concurrent callers internally. Independent sessions
// may run concurrently; they share no mutable state.
package enclave
