// Package validation provides functions for validating input data.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	validObjectIDRegex = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)
	validNonceRegex    = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	validSlugRegex     = regexp.MustCompile(`^[a-z0-9][a-z0-9\-]*$`)
)

// MinNonceLength is the minimum accepted nonce length in characters.
const MinNonceLength = 16

// ValidateObjectID validates that an identifier is a 24-character hex object id.
// Tenant, integration, user, and provider ids all use this format.
func ValidateObjectID(id string) error {
	if id == "" {
		return fmt.Errorf("object id cannot be empty")
	}

	if !validObjectIDRegex.MatchString(id) {
		return fmt.Errorf("object id must be a 24-character hex string")
	}

	return nil
}

// ValidateNonce validates that a nonce is long enough and restricted to the
// URL-safe alphabet. Nonces outside this shape are treated as manipulation.
func ValidateNonce(nonce string) error {
	if nonce == "" {
		return fmt.Errorf("nonce cannot be empty")
	}

	if len(nonce) < MinNonceLength {
		return fmt.Errorf("nonce must be at least %d characters", MinNonceLength)
	}

	if !validNonceRegex.MatchString(nonce) {
		return fmt.Errorf("nonce can only contain alphanumeric characters, underscores, and dashes")
	}

	return nil
}

// ValidateProviderSlug validates that a provider slug is lowercase alphanumeric
// with dashes, with no surrounding whitespace and no null bytes.
func ValidateProviderSlug(slug string) error {
	if slug == "" || strings.TrimSpace(slug) == "" {
		return fmt.Errorf("provider slug cannot be empty or consist only of whitespace")
	}

	if strings.Contains(slug, "\x00") {
		return fmt.Errorf("provider slug cannot contain null bytes")
	}

	if slug != strings.ToLower(slug) {
		return fmt.Errorf("provider slug must be lowercase")
	}

	if !validSlugRegex.MatchString(slug) {
		return fmt.Errorf("provider slug can only contain lowercase alphanumeric characters and dashes: %q", slug)
	}

	return nil
}
