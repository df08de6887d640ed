package security

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// NewSessionToken returns an opaque, collision-resistant 128-bit
// session token rendered as printable text.
func NewSessionToken() string {
	return uuid.NewString()
}

// NewVerificationCode returns six zero-padded decimal digits drawn
// from a cryptographically secure source.
func NewVerificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate verification code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
