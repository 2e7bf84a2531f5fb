package oauth

import (
	"fmt"
	"regexp"

	"golang.org/x/oauth2"
)

// PKCE challenge methods (RFC 7636 §4.2). S256 is preferred; plain exists
// only for providers that cannot hash.
const (
	ChallengeMethodS256  = "S256"
	ChallengeMethodPlain = "plain"
)

// Verifier length bounds from RFC 7636 §4.1.
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

// verifierRegex matches the RFC 7636 unreserved character set.
var verifierRegex = regexp.MustCompile(`^[A-Za-z0-9\-._~]+$`)

// GenerateVerifier produces a fresh PKCE code verifier.
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}

// ChallengeS256 derives the S256 challenge for a verifier.
func ChallengeS256(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// ValidateVerifier checks a verifier against the RFC 7636 length and
// character requirements.
func ValidateVerifier(verifier string) error {
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return fmt.Errorf("code verifier length must be between %d and %d characters, got %d",
			MinVerifierLength, MaxVerifierLength, len(verifier))
	}
	if !verifierRegex.MatchString(verifier) {
		return fmt.Errorf("code verifier contains characters outside the allowed set")
	}
	return nil
}

// VerifyChallenge checks that a stored challenge is consistent with its
// verifier under the declared method.
func VerifyChallenge(verifier, challenge, method string) error {
	if err := ValidateVerifier(verifier); err != nil {
		return err
	}
	if challenge == "" {
		return fmt.Errorf("code challenge is missing")
	}

	switch method {
	case ChallengeMethodS256:
		if ChallengeS256(verifier) != challenge {
			return fmt.Errorf("code challenge does not match verifier under S256")
		}
	case ChallengeMethodPlain:
		if verifier != challenge {
			return fmt.Errorf("code challenge does not match verifier under plain")
		}
	default:
		return fmt.Errorf("unsupported challenge method %q", method)
	}

	return nil
}
