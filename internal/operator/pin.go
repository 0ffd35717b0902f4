// internal/operator/pin.go
package operator

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

var ErrNoPin = errors.New("operator pin is not configured")

// HashPin generates a salted Argon2id hash of the pin.
func HashPin(pin string) (string, string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", "", err
	}

	hash := argon2.IDKey([]byte(pin), salt, 1, 64*1024, 4, 32)

	return base64.StdEncoding.EncodeToString(hash), base64.StdEncoding.EncodeToString(salt), nil
}

// Pin verifies operator pins against a stored hash and salt.
type Pin struct {
	hash []byte
	salt []byte
}

// NewPin decodes the base64 hash and salt produced by HashPin.
func NewPin(hash, salt string) (*Pin, error) {
	if hash == "" || salt == "" {
		return nil, ErrNoPin
	}
	decodedSalt, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	decodedHash, err := base64.StdEncoding.DecodeString(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to decode hash: %w", err)
	}
	return &Pin{hash: decodedHash, salt: decodedSalt}, nil
}

// Verify compares pin with the stored hash.
func (p *Pin) Verify(pin string) bool {
	if pin == "" {
		return false
	}
	comparisonHash := argon2.IDKey([]byte(pin), p.salt, 1, 64*1024, 4, 32)
	return subtle.ConstantTimeCompare(p.hash, comparisonHash) == 1
}
