package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// SecretSize is the number of random bytes in a tunnel provisioning secret.
const SecretSize = 32

// GenerateSecret returns SecretSize random bytes encoded as URL-safe base64
// with padding. The value is a provisioning nonce sent once at tunnel
// creation; the control plane issues the long-lived connector token.
func GenerateSecret() (string, error) {
	b := make([]byte, SecretSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate tunnel secret: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
