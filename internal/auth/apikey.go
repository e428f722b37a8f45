// Package auth provides API key handling for the netprobe API server.
// Keys are generated from crypto/rand, stored only as bcrypt hashes in the
// configuration and checked against those hashes on every request.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// API key generation and validation constants
const (
	// APIKeyLength is the length of the random part of an API key
	APIKeyLength = 32
	// APIKeyPrefix is the standard prefix for all API keys
	APIKeyPrefix = "np"
	// DisplayPrefixLength is the length of prefix shown in logs (e.g., "np_abcdefgh...")
	DisplayPrefixLength = 14

	// BcryptCost is the bcrypt cost for hashing API keys
	BcryptCost = 12
	// BcryptMaxInputLength is the maximum input length for bcrypt (72 bytes)
	BcryptMaxInputLength = 72

	minKeyLength = 15
	maxKeyLength = 50
)

// GeneratedAPIKey contains a newly generated API key and its hash.
type GeneratedAPIKey struct {
	Key       string `json:"key"`        // The actual API key (only shown once)
	Hash      string `json:"hash"`       // Value for api.api_key_hashes
	KeyPrefix string `json:"key_prefix"` // Display-safe prefix
}

// GenerateAPIKey creates a new random API key and hashes it with cost.
func GenerateAPIKey(cost int) (*GeneratedAPIKey, error) {
	randomBytes := make([]byte, APIKeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}

	// base32 avoids ambiguous characters
	randomPart := strings.ToLower(base32.StdEncoding.EncodeToString(randomBytes))
	if len(randomPart) > APIKeyLength {
		randomPart = randomPart[:APIKeyLength]
	}
	fullKey := fmt.Sprintf("%s_%s", APIKeyPrefix, randomPart)

	hash, err := HashAPIKeyWithCost(fullKey, cost)
	if err != nil {
		return nil, err
	}

	return &GeneratedAPIKey{
		Key:       fullKey,
		Hash:      hash,
		KeyPrefix: CreateDisplayPrefix(fullKey),
	}, nil
}

// HashAPIKey creates a bcrypt hash of an API key for the configuration file.
func HashAPIKey(apiKey string) (string, error) {
	return HashAPIKeyWithCost(apiKey, BcryptCost)
}

// HashAPIKeyWithCost hashes with an explicit bcrypt cost.
func HashAPIKeyWithCost(apiKey string, cost int) (string, error) {
	if apiKey == "" {
		return "", fmt.Errorf("API key cannot be empty")
	}

	hash, err := bcrypt.GenerateFromPassword(keyInput(apiKey), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}

// keyInput pre-hashes keys longer than bcrypt accepts.
func keyInput(apiKey string) []byte {
	keyBytes := []byte(apiKey)
	if len(keyBytes) > BcryptMaxInputLength {
		sum := sha256.Sum256(keyBytes)
		keyBytes = sum[:]
	}
	return keyBytes
}

// ValidateAPIKey checks if a provided API key matches the stored hash
func ValidateAPIKey(apiKey, storedHash string) bool {
	if apiKey == "" || storedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), keyInput(apiKey)) == nil
}

// IsValidAPIKeyFormat checks if an API key has the correct format
func IsValidAPIKeyFormat(apiKey string) bool {
	if !strings.HasPrefix(apiKey, APIKeyPrefix+"_") {
		return false
	}
	if len(apiKey) < minKeyLength || len(apiKey) > maxKeyLength {
		return false
	}

	for _, char := range apiKey {
		if (char < 'a' || char > 'z') &&
			(char < 'A' || char > 'Z') &&
			(char < '0' || char > '9') &&
			char != '_' {
			return false
		}
	}
	return true
}

// CreateDisplayPrefix creates a safe-to-log prefix from a full API key
func CreateDisplayPrefix(apiKey string) string {
	if !IsValidAPIKeyFormat(apiKey) {
		return "invalid_key"
	}
	if len(apiKey) > DisplayPrefixLength {
		return apiKey[:DisplayPrefixLength] + "..."
	}
	return apiKey + "..."
}

// KeySet authenticates requests against the configured key hashes.
type KeySet struct {
	hashes []string
}

// NewKeySet returns a KeySet for hashes. Every hash must be a bcrypt hash.
func NewKeySet(hashes []string) (*KeySet, error) {
	for i, h := range hashes {
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("api key hash %d is not a bcrypt hash: %w", i, err)
		}
	}
	return &KeySet{hashes: append([]string(nil), hashes...)}, nil
}

// Len returns the number of configured keys.
func (s *KeySet) Len() int {
	return len(s.hashes)
}

// Authenticate reports whether apiKey matches any configured hash.
func (s *KeySet) Authenticate(apiKey string) bool {
	if apiKey == "" {
		return false
	}
	for _, h := range s.hashes {
		if ValidateAPIKey(apiKey, h) {
			return true
		}
	}
	return false
}
