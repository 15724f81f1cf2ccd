package api

import (
	"crypto/hmac"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

const pbkdf2Iterations = 200_000

// HashPassword produces a "pbkdf2_sha256$<iters>$<salt>$<digest>" string:
// PBKDF2-HMAC-SHA256, 200k iterations, 16-byte hex salt, base64url digest.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	saltBytes := make([]byte, 16)
	if _, err := rand.Read(saltBytes); err != nil {
		return "", err
	}
	salt := hex.EncodeToString(saltBytes)
	digest, err := pbkdf2.Key(sha256.New, password, []byte(salt), pbkdf2Iterations, 32)
	if err != nil {
		return "", err
	}
	encoded := strings.TrimRight(base64.URLEncoding.EncodeToString(digest), "=")
	return fmt.Sprintf("pbkdf2_sha256$%d$%s$%s", pbkdf2Iterations, salt, encoded), nil
}

// VerifyPassword checks password against a stored hash string in constant
// time. Malformed hashes verify as false rather than erroring.
func VerifyPassword(password, stored string) bool {
	if password == "" || stored == "" {
		return false
	}
	parts := strings.SplitN(stored, "$", 4)
	if len(parts) != 4 || parts[0] != "pbkdf2_sha256" {
		return false
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return false
	}
	salt := parts[2]
	expected, err := base64.URLEncoding.DecodeString(padBase64(parts[3]))
	if err != nil {
		return false
	}
	computed, err := pbkdf2.Key(sha256.New, password, []byte(salt), iterations, len(expected))
	if err != nil {
		return false
	}
	return hmac.Equal(computed, expected)
}

func padBase64(value string) string {
	if rem := len(value) % 4; rem != 0 {
		return value + strings.Repeat("=", 4-rem)
	}
	return value
}
