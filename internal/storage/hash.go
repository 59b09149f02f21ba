package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// bcryptCost is the work factor for admin key hashes (about 60ms per hash).
	bcryptCost  = 10
	bcryptLimit = 72

	adminKeyPrefix      = "stk_admin_"
	adminKeyRandomBytes = 32
	adminKeyLength      = len(adminKeyPrefix) + 2*adminKeyRandomBytes
	maskPrefixLen       = len(adminKeyPrefix) + 4
	maskSuffixLen       = 4
)

var (
	// ErrKeyEmpty is returned when an empty key is hashed.
	ErrKeyEmpty = errors.New("admin key cannot be empty")

	// ErrInvalidKeyFormat is returned for keys that are not stk_admin_ followed by 64 hex chars.
	ErrInvalidKeyFormat = errors.New("invalid admin key format")
)

// HashAdminKey returns the bcrypt hash of an admin key. Keys longer than bcrypt's 72-byte
// input limit are pre-hashed with SHA-256.
func HashAdminKey(key string) (string, error) {
	if key == "" {
		return "", ErrKeyEmpty
	}

	hash, err := bcrypt.GenerateFromPassword(bcryptInput(key), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash admin key: %w", err)
	}

	return string(hash), nil
}

// CompareAdminKeyHash reports whether key matches hash. Any error counts as a mismatch.
func CompareAdminKeyHash(hash, key string) bool {
	if hash == "" || key == "" {
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), bcryptInput(key)) == nil
}

func bcryptInput(key string) []byte {
	if len(key) > bcryptLimit {
		sum := sha256.Sum256([]byte(key))

		return sum[:]
	}

	return []byte(key)
}

// GenerateAdminKey returns a new random admin key: "stk_admin_" followed by 64 hex chars.
func GenerateAdminKey() (string, error) {
	randomBytes := make([]byte, adminKeyRandomBytes)

	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return adminKeyPrefix + hex.EncodeToString(randomBytes), nil
}

// ParseAdminKey checks the key format without touching any hash.
func ParseAdminKey(key string) (string, error) {
	key = strings.TrimSpace(key)

	if !strings.HasPrefix(key, adminKeyPrefix) || len(key) != adminKeyLength {
		return "", ErrInvalidKeyFormat
	}

	if _, err := hex.DecodeString(key[len(adminKeyPrefix):]); err != nil {
		return "", ErrInvalidKeyFormat
	}

	return key, nil
}

// MaskKey hides all but the prefix and the last characters of a well-formed key, and the whole
// of anything else.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}

	if len(key) == adminKeyLength {
		return key[:maskPrefixLen] + strings.Repeat("*", adminKeyLength-maskPrefixLen-maskSuffixLen) +
			key[adminKeyLength-maskSuffixLen:]
	}

	return strings.Repeat("*", len(key))
}
