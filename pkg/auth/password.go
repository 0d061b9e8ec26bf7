package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// HashSecret hashes a gateway secret with its salt using SHA-256.
func HashSecret(secret, salt string) string {
	hasher := sha256.New()
	hasher.Write([]byte(secret + salt))
	return hex.EncodeToString(hasher.Sum(nil))
}

// RandomHex generates a random hexadecimal string of n bytes
func RandomHex(n int) (string, error) {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// NewCredential salts and hashes secret for storage in the broker config.
func NewCredential(secret string) (hash, salt string, err error) {
	salt, err = RandomHex(16)
	if err != nil {
		return "", "", fmt.Errorf("generate salt: %w", err)
	}
	return HashSecret(secret, salt), salt, nil
}

// Verify reports whether secret matches the stored hash.
func Verify(secret, salt, hash string) bool {
	got := HashSecret(secret, salt)
	return subtle.ConstantTimeCompare([]byte(got), []byte(hash)) == 1
}
