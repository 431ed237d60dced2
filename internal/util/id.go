package util

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/google/uuid"
)

// NewID returns a random UUID string used for entity ids.
func NewID() string {
	return uuid.NewString()
}

// NewToken returns a URL-safe token carrying n random bytes.
func NewToken(n int) (string, error) {
	if n < 32 {
		n = 32
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
