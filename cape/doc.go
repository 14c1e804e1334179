// Package cape is the client for invoking functions deployed in Cape
// enclaves. It composes attestation verification (package attest) and the
// session protocol (package enclave) behind a small interface:
//
//	client := cape.New(cape.ConfigFromEnv(), nil)
//
//	ref, err := cape.LoadFunctionRef("function.json")
//	result, err := client.Run(ctx, ref, []byte("input"), nil)
//
// Connect/Invoke/Close manage a long-lived session for repeated
// invocations of one function; Run is the single-shot composition of the
// three and always closes the session, even when the invocation fails.
//
// Key retrieves the account's long-lived public key from the key-issuing
// endpoint through a short-lived, bootstrap-only session, caching it on
// disk; Encrypt envelope-encrypts data under that key for use as function
// input by other callers.
package cape
