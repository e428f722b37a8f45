package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestGenerateAPIKey(t *testing.T) {
	generated, err := GenerateAPIKey(bcrypt.MinCost)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(generated.Key, APIKeyPrefix+"_"))
	assert.Len(t, generated.Key, len(APIKeyPrefix)+1+APIKeyLength)
	assert.True(t, IsValidAPIKeyFormat(generated.Key))
	assert.Equal(t, generated.Key[:DisplayPrefixLength]+"...", generated.KeyPrefix)
	assert.True(t, ValidateAPIKey(generated.Key, generated.Hash))
}

func TestGenerateAPIKey_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		generated, err := GenerateAPIKey(bcrypt.MinCost)
		require.NoError(t, err)
		assert.False(t, seen[generated.Key], "duplicate key generated")
		seen[generated.Key] = true
	}
}

func TestGenerateAPIKey_InvalidCost(t *testing.T) {
	_, err := GenerateAPIKey(bcrypt.MaxCost + 1)
	assert.Error(t, err)
}

func TestHashAPIKey(t *testing.T) {
	tests := []struct {
		name        string
		apiKey      string
		expectError bool
	}{
		{
			name:   "valid_key",
			apiKey: "np_abc123def456ghi789",
		},
		{
			name:        "empty_key",
			apiKey:      "",
			expectError: true,
		},
		{
			name:   "long_key",
			apiKey: strings.Repeat("a", 1000),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := HashAPIKeyWithCost(tt.apiKey, bcrypt.MinCost)

			if tt.expectError {
				assert.Error(t, err)
				assert.Empty(t, hash)
				return
			}
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(hash, "$2a$"))
			assert.True(t, ValidateAPIKey(tt.apiKey, hash))
		})
	}
}

func TestHashAPIKey_DefaultCost(t *testing.T) {
	hash, err := HashAPIKey("np_defaultcostkey1")
	require.NoError(t, err)

	cost, err := bcrypt.Cost([]byte(hash))
	require.NoError(t, err)
	assert.Equal(t, BcryptCost, cost)
}

func TestValidateAPIKey(t *testing.T) {
	validKey := "np_test_key_123"
	validHash, err := HashAPIKeyWithCost(validKey, bcrypt.MinCost)
	require.NoError(t, err)

	tests := []struct {
		name     string
		apiKey   string
		hash     string
		expected bool
	}{
		{"valid_key_and_hash", validKey, validHash, true},
		{"invalid_key_valid_hash", "np_wrong_key_123", validHash, false},
		{"valid_key_invalid_hash", validKey, "invalid_hash", false},
		{"empty_key", "", validHash, false},
		{"empty_hash", validKey, "", false},
		{"both_empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ValidateAPIKey(tt.apiKey, tt.hash))
		})
	}
}

func TestIsValidAPIKeyFormat(t *testing.T) {
	tests := []struct {
		name     string
		apiKey   string
		expected bool
	}{
		{"valid", "np_abcdefghijklmnop", true},
		{"underscores", "np_abc_def_ghi_jkl", true},
		{"wrong_prefix", "sk_abcdefghijklmnop", false},
		{"no_underscore", "npabcdefghijklmnop", false},
		{"too_short", "np_abc", false},
		{"too_long", "np_" + strings.Repeat("a", 60), false},
		{"special_chars", "np_abcdefgh-ijklmnop", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsValidAPIKeyFormat(tt.apiKey))
		})
	}
}

func TestCreateDisplayPrefix(t *testing.T) {
	assert.Equal(t, "np_abcdefghijk...", CreateDisplayPrefix("np_abcdefghijklmnop"))
	assert.Equal(t, "invalid_key", CreateDisplayPrefix("garbage"))
}

func TestKeySet(t *testing.T) {
	first, err := HashAPIKeyWithCost("np_firstkey00000", bcrypt.MinCost)
	require.NoError(t, err)
	second, err := HashAPIKeyWithCost("operator-chosen-secret", bcrypt.MinCost)
	require.NoError(t, err)

	keys, err := NewKeySet([]string{first, second})
	require.NoError(t, err)
	assert.Equal(t, 2, keys.Len())

	assert.True(t, keys.Authenticate("np_firstkey00000"))
	assert.True(t, keys.Authenticate("operator-chosen-secret"))
	assert.False(t, keys.Authenticate("np_otherkey00000"))
	assert.False(t, keys.Authenticate(""))
}

func TestNewKeySet_RejectsPlaintext(t *testing.T) {
	_, err := NewKeySet([]string{"np_plaintextkey123"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api key hash 0")

	empty, err := NewKeySet(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())
}
