package platformauth

import (
	"crypto/rand"
	"fmt"
	"io"
)

const stateSecretByteLength = 32

var stateRandomSource io.Reader = rand.Reader

func generateStateSecret() ([]byte, error) {
	secret := make([]byte, stateSecretByteLength)
	if _, err := io.ReadFull(stateRandomSource, secret); err != nil {
		return nil, fmt.Errorf("state_codec.random: %w", err)
	}
	return secret, nil
}
