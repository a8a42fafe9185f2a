package registry

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// generateToken mints a random bearer token for a newly (re-)registered
// runner, adapted from the cluster join-token generator: 32 random bytes,
// hex-encoded.
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("registry: generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
