package enclavetest

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	cose "github.com/veraison/go-cose"

	"github.com/capeprivacy/go-cape/attest"
)

// NewDocument builds an attestation document carrying the chain of ca, the
// given session public key, user data and nonce echo. Measurements default
// to empty; callers set doc.PCRs as needed before signing.
func NewDocument(ca *CA, sessionPublicKey, userData, nonce []byte) attest.Document {
	return attest.Document{
		ModuleID:    "i-0000test-enc0000000000000",
		Timestamp:   uint64(time.Now().UnixMilli()),
		Digest:      "SHA384",
		PCRs:        map[uint][]byte{},
		Certificate: ca.LeafDER,
		CABundle:    ca.CABundle(),
		PublicKey:   sessionPublicKey,
		UserData:    userData,
		Nonce:       nonce,
	}
}

// Sign CBOR-encodes doc and wraps it in a COSE Sign1 message signed with
// the CA's leaf key, the way the Nitro hypervisor emits attestations
// (untagged, ES384).
func (ca *CA) Sign(doc attest.Document) ([]byte, error) {
	payload, err := cbor.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding attestation payload: %w", err)
	}

	signer, err := cose.NewSigner(cose.AlgorithmES384, ca.LeafKey)
	if err != nil {
		return nil, fmt.Errorf("creating COSE signer: %w", err)
	}

	msg := cose.UntaggedSign1Message{
		Headers: cose.Headers{
			Protected: cose.ProtectedHeader{
				cose.HeaderLabelAlgorithm: cose.AlgorithmES384,
			},
		},
		Payload: payload,
	}
	if err := msg.Sign(rand.Reader, nil, signer); err != nil {
		return nil, fmt.Errorf("signing attestation: %w", err)
	}
	return msg.MarshalCBOR()
}
