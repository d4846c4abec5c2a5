// ABOUTME: Agent token and registration code generation and hashing
// ABOUTME: Tokens are random 256-bit values; only digests are persisted

package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// New generates a high-entropy agent token: 32 random bytes,
// base64url-encoded without padding.
func New() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Hash returns the SHA-256 hex digest of a token. Deterministic so
// agents can be looked up by digest; the token itself carries 256 bits
// of entropy, so no per-token salt is needed.
func Hash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewCode generates a one-time registration code: 16 random bytes,
// base64url-encoded. Shorter-lived and shorter than tokens since a
// human may need to paste it into an installer.
func NewCode() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating registration code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashCode returns the bcrypt digest of a registration code for storage.
func HashCode(code string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing registration code: %w", err)
	}
	return string(digest), nil
}

// MatchCode reports whether a presented code matches a stored bcrypt
// digest.
func MatchCode(digest, code string) bool {
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(code)) == nil
}
