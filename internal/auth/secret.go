// Package auth checks the shared secret that guards the controller's
// internal routes.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// HashedPrefix marks a system secret configured as its digest rather than
// in plain text.
const HashedPrefix = "sha256:"

// HashKey returns the hex SHA-256 of the trimmed key. Prefixed with
// HashedPrefix it can stand in for the plain secret in configuration.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// Secret is a configured system secret, kept only as a digest.
type Secret struct {
	digest [sha256.Size]byte
	set    bool
}

// ParseSecret accepts either a plain secret or "sha256:<hex digest>". An
// empty string yields a disabled Secret that matches nothing.
func ParseSecret(configured string) (Secret, error) {
	configured = strings.TrimSpace(configured)
	if configured == "" {
		return Secret{}, nil
	}

	var s Secret
	if hexDigest, ok := strings.CutPrefix(configured, HashedPrefix); ok {
		raw, err := hex.DecodeString(hexDigest)
		if err != nil || len(raw) != sha256.Size {
			return Secret{}, fmt.Errorf("hashed secret must be %s followed by %d hex characters", HashedPrefix, 2*sha256.Size)
		}
		copy(s.digest[:], raw)
	} else {
		s.digest = sha256.Sum256([]byte(configured))
	}
	s.set = true
	return s, nil
}

// Enabled reports whether a secret was configured.
func (s Secret) Enabled() bool { return s.set }

// Matches compares token against the secret in constant time. Comparing
// digests keeps the token length out of the timing.
func (s Secret) Matches(token string) bool {
	if !s.set {
		return false
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return subtle.ConstantTimeCompare(sum[:], s.digest[:]) == 1
}

// BearerToken extracts the token of an "Authorization: Bearer <token>"
// header value. Empty tokens and tokens with spaces are rejected.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || scheme != "Bearer" || token == "" || strings.Contains(token, " ") {
		return "", false
	}
	return token, true
}
