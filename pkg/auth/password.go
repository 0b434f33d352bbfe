package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashTokenWithSalt creates a SHA-256 hash of the token combined with the salt
func HashTokenWithSalt(token, salt string) string {
	hasher := sha256.New()
	hasher.Write([]byte(token + salt))
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

// TokenMatches reports whether token hashes to hash under salt.
func TokenMatches(token, salt, hash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashTokenWithSalt(token, salt)), []byte(hash)) == 1
}
