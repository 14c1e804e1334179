package enclave

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
)

// Wire envelope shared by the handshake request and all JSON responses.
// The inner message doubles as the nonce carrier on the way out and the
// base64 result carrier on the way back.
type wsEnvelope struct {
	Message *wsInnerMessage `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type wsInnerMessage struct {
	Nonce   string `json:"nonce,omitempty"`
	Message string `json:"message,omitempty"`
}

// encodeNonceRequest builds the handshake request carrying the base64
// challenge.
func encodeNonceRequest(nonce []byte) ([]byte, error) {
	request := wsEnvelope{
		Message: &wsInnerMessage{
			Nonce: base64.StdEncoding.EncodeToString(nonce),
		},
	}
	return json.Marshal(request)
}

// decodeResponse unwraps a JSON response envelope. Remote errors are passed
// through verbatim; the inner message is base64-decoded.
func decodeResponse(data []byte) ([]byte, error) {
	var envelope wsEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedMessage, err)
	}

	if envelope.Error != "" {
		return nil, &RemoteError{Message: envelope.Error}
	}
	if envelope.Message == nil {
		return nil, fmt.Errorf("%w: missing 'message' field", ErrMalformedMessage)
	}
	if envelope.Message.Message == "" {
		return nil, fmt.Errorf("%w: missing inner 'message' field", ErrMalformedMessage)
	}

	inner, err := base64.StdEncoding.DecodeString(envelope.Message.Message)
	if err != nil {
		return nil, fmt.Errorf("%w: inner message is not valid base64: %s", ErrMalformedMessage, err)
	}
	return inner, nil
}

// decodeAttestationFrame extracts the raw signed attestation bytes from a
// handshake response. The frame type selects the decoder: binary frames
// carry the attestation directly, text frames carry the JSON envelope with
// a base64 inner message. No content sniffing.
func decodeAttestationFrame(messageType int, data []byte) ([]byte, error) {
	switch messageType {
	case websocket.BinaryMessage:
		return data, nil
	case websocket.TextMessage:
		return decodeResponse(data)
	default:
		return nil, fmt.Errorf("%w: unexpected frame type %d", ErrMalformedMessage, messageType)
	}
}
