// Package libcipher provides keyed, salted hashing. The relay uses it to
// store fingerprints of instance webhook URLs so audit logs can correlate
// configuration changes without ever writing the secret URL itself.
package libcipher

import (
	"crypto/hmac"
	"errors"
	"fmt"
	"hash"
)

// GenerateHashArgs bundles the inputs for NewHash.
type GenerateHashArgs struct {
	Payload    []byte
	SigningKey []byte
	Salt       []byte
}

// NewHash produces a salted HMAC over the payload using the given hash
// constructor. The same payload/key/salt triple always yields the same
// sealed hash; varying the salt yields an unrelated one.
func NewHash(args GenerateHashArgs, hashFn func() hash.Hash) ([]byte, error) {
	if len(args.SigningKey) == 0 {
		return nil, errors.New("libcipher: signing key must not be empty")
	}
	if len(args.Salt) == 0 {
		return nil, errors.New("libcipher: salt must not be empty")
	}
	mac := hmac.New(hashFn, args.SigningKey)
	if _, err := mac.Write(args.Salt); err != nil {
		return nil, fmt.Errorf("libcipher: failed to write salt: %w", err)
	}
	if _, err := mac.Write(args.Payload); err != nil {
		return nil, fmt.Errorf("libcipher: failed to write payload: %w", err)
	}
	return mac.Sum(nil), nil
}

// Equal compares two sealed hashes in constant time.
func Equal(a, b []byte) bool {
	return hmac.Equal(a, b)
}
