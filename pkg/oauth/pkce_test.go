package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateVerifier(t *testing.T) {
	t.Parallel()

	a := GenerateVerifier()
	b := GenerateVerifier()

	assert.NoError(t, ValidateVerifier(a))
	assert.NoError(t, ValidateVerifier(b))
	assert.NotEqual(t, a, b)
}

func TestChallengeS256(t *testing.T) {
	t.Parallel()

	verifier := GenerateVerifier()
	sum := sha256.Sum256([]byte(verifier))
	want := base64.RawURLEncoding.EncodeToString(sum[:])

	assert.Equal(t, want, ChallengeS256(verifier))
}

func TestValidateVerifier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		verifier string
		wantErr  string
	}{
		{"minimum length", strings.Repeat("a", MinVerifierLength), ""},
		{"maximum length", strings.Repeat("a", MaxVerifierLength), ""},
		{"full unreserved charset", "abcXYZ0123456789-._~" + strings.Repeat("a", 30), ""},
		{"too short", strings.Repeat("a", MinVerifierLength-1), "length must be between"},
		{"too long", strings.Repeat("a", MaxVerifierLength+1), "length must be between"},
		{"space", strings.Repeat("a", 43) + " ", "outside the allowed set"},
		{"plus sign", strings.Repeat("a", 43) + "+", "outside the allowed set"},
		{"empty", "", "length must be between"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := ValidateVerifier(tt.verifier)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestVerifyChallenge(t *testing.T) {
	t.Parallel()

	verifier := GenerateVerifier()

	tests := []struct {
		name      string
		verifier  string
		challenge string
		method    string
		wantErr   bool
	}{
		{"S256 match", verifier, ChallengeS256(verifier), ChallengeMethodS256, false},
		{"S256 mismatch", verifier, ChallengeS256(GenerateVerifier()), ChallengeMethodS256, true},
		{"plain match", verifier, verifier, ChallengeMethodPlain, false},
		{"plain mismatch", verifier, GenerateVerifier(), ChallengeMethodPlain, true},
		{"unknown method", verifier, ChallengeS256(verifier), "S512", true},
		{"missing challenge", verifier, "", ChallengeMethodS256, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := VerifyChallenge(tt.verifier, tt.challenge, tt.method)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
