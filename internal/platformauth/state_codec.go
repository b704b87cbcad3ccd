package platformauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var errEmptyStateSecret = errors.New("state_codec.empty_secret")

// StatePayload is carried, signed, through the authorize redirect.
type StatePayload struct {
	UserRef        string `json:"userRef"`
	IssuedAtMillis int64  `json:"ts"`
	ReturnURL      string `json:"returnUrl,omitempty"`
	Nonce          string `json:"nonce,omitempty"`
}

// EncodeStatePayload serializes the payload as unpadded base64url JSON.
// The alphabet never contains '.', which keeps the signature split unambiguous.
func EncodeStatePayload(payload StatePayload) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("state_codec.encode: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(encoded), nil
}

// DecodeStatePayload reverses EncodeStatePayload.
func DecodeStatePayload(encoded string) (StatePayload, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return StatePayload{}, fmt.Errorf("state_codec.decode: %w", err)
	}
	var payload StatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return StatePayload{}, fmt.Errorf("state_codec.decode: %w", err)
	}
	return payload, nil
}

// StateCodec signs and verifies redirect state with HMAC-SHA256.
type StateCodec struct {
	secret []byte
}

// NewStateCodec builds a codec around a configured secret shared by all instances.
func NewStateCodec(secret []byte) (*StateCodec, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("state_codec.new: %w", errEmptyStateSecret)
	}
	cloned := make([]byte, len(secret))
	copy(cloned, secret)
	return &StateCodec{secret: cloned}, nil
}

// NewEphemeralStateCodec builds a codec with a random secret that lives only as long as the process.
// States signed before a restart, or by another instance, will not verify.
func NewEphemeralStateCodec() (*StateCodec, error) {
	secret, err := generateStateSecret()
	if err != nil {
		return nil, err
	}
	return &StateCodec{secret: secret}, nil
}

// Sign returns payload + "." + hex(HMAC-SHA256(secret, payload)).
func (codec *StateCodec) Sign(payload string) string {
	return payload + "." + codec.signature(payload)
}

// Verify returns the payload when the signature matches, comparing in constant time.
func (codec *StateCodec) Verify(state string) (string, bool) {
	separator := strings.LastIndex(state, ".")
	if separator < 0 {
		return "", false
	}
	payload := state[:separator]
	provided := state[separator+1:]
	expected := codec.signature(payload)
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return "", false
	}
	return payload, true
}

func (codec *StateCodec) signature(payload string) string {
	mac := hmac.New(sha256.New, codec.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
