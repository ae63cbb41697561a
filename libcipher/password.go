package libcipher

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// CheckHash recomputes the sealed hash for candidate and compares it against
// sealed in constant time.
func CheckHash(key, salt, candidate string, sealed []byte) (bool, error) {
	computed, err := NewHash(GenerateHashArgs{
		Payload:    []byte(candidate),
		SigningKey: []byte(key),
		Salt:       []byte(salt),
	}, sha256.New)
	if err != nil {
		return false, fmt.Errorf("libcipher: failed to compute hash: %w", err)
	}
	return Equal(computed, sealed), nil
}

// DeriveKey stretches a low-entropy secret into a fixed-size key. Used to
// derive the webhook fingerprint key from the server token.
func DeriveKey(secret, salt string, keyLen int) []byte {
	return pbkdf2.Key([]byte(secret), []byte(salt), 4096, keyLen, sha256.New)
}
