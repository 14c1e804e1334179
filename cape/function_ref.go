package cape

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Auth subprotocol names negotiated during the websocket handshake.
const (
	// AuthProtocolPlatform authenticates with a platform access token.
	AuthProtocolPlatform = "cape.runtime"
	// AuthProtocolFunction authenticates with a scoped function token.
	AuthProtocolFunction = "cape.function"
)

// FunctionRef identifies a deployed function: its ID, an optional hex
// checksum of the deployed code, and an optional bearer token. The
// checksum, when present, is verified against the enclave's attestation
// user data on every connect.
type FunctionRef struct {
	ID       string `json:"function_id"`
	Checksum string `json:"function_checksum,omitempty"`
	Token    string `json:"function_token,omitempty"`
}

// NewFunctionRef builds a reference, validating the required ID.
func NewFunctionRef(id, checksum, token string) (FunctionRef, error) {
	if id == "" {
		return FunctionRef{}, errors.New("function ID must not be empty")
	}
	return FunctionRef{ID: id, Checksum: checksum, Token: token}, nil
}

// LoadFunctionRef reads a reference from a JSON file as written by the
// deploy workflow (function_id, function_checksum, function_token).
func LoadFunctionRef(path string) (FunctionRef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FunctionRef{}, fmt.Errorf("could not read function reference: %w", err)
	}
	return ParseFunctionRef(data)
}

// ParseFunctionRef decodes a JSON function reference.
func ParseFunctionRef(data []byte) (FunctionRef, error) {
	var ref FunctionRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return FunctionRef{}, fmt.Errorf("could not parse function reference: %w", err)
	}
	if ref.ID == "" {
		return FunctionRef{}, errors.New("function reference is missing function_id")
	}
	return ref, nil
}

// AuthProtocol selects the websocket subprotocol for this reference: the
// function-token protocol when a scoped token is present, the platform
// protocol otherwise.
func (f FunctionRef) AuthProtocol() string {
	if f.Token != "" {
		return AuthProtocolFunction
	}
	return AuthProtocolPlatform
}
