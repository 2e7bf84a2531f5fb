package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dhirmadi/mwapserver-sub005/pkg/validation"
)

// Sentinel errors distinguishing why a state parameter was rejected. The
// callback security layer maps these onto its own error codes.
var (
	// ErrStateDecode marks a state string that could not be decoded or parsed.
	ErrStateDecode = errors.New("state decode failed")

	// ErrStateStructure marks a decoded state missing fields or carrying
	// malformed ids.
	ErrStateStructure = errors.New("invalid state structure")
)

// Parameter is the state envelope carried across the provider redirect. It is
// transported as unpadded URL-safe base64 of the JSON encoding; it carries no
// authenticity of its own, so the callback verifies every field against the
// flow context stored at initiation.
type Parameter struct {
	TenantID      string `json:"tenantId"`
	IntegrationID string `json:"integrationId"`
	UserID        string `json:"userId"`
	Timestamp     int64  `json:"timestamp"` // ms since epoch
	Nonce         string `json:"nonce"`
}

// NewNonce generates a fresh URL-safe nonce for a state parameter.
func NewNonce() (string, error) {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(nonceBytes), nil
}

// NewParameter builds a state parameter for a flow started at now.
func NewParameter(tenantID, integrationID, userID string, now time.Time) (*Parameter, error) {
	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}
	return &Parameter{
		TenantID:      tenantID,
		IntegrationID: integrationID,
		UserID:        userID,
		Timestamp:     now.UnixMilli(),
		Nonce:         nonce,
	}, nil
}

// Encode serializes the parameter for the authorization redirect.
func (p *Parameter) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// stateEncodings are tried in order when decoding: providers echo the state
// verbatim, but clients have been seen padding or standard-encoding it.
var stateEncodings = []*base64.Encoding{
	base64.RawURLEncoding,
	base64.URLEncoding,
	base64.StdEncoding,
}

// DecodeState parses a raw state string back into a Parameter. Failures wrap
// ErrStateDecode when the envelope is unreadable and ErrStateStructure when
// the JSON shape is wrong.
func DecodeState(raw string) (*Parameter, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty state", ErrStateDecode)
	}

	var data []byte
	var decodeErr error
	for _, enc := range stateEncodings {
		data, decodeErr = enc.DecodeString(raw)
		if decodeErr == nil {
			break
		}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: not valid base64", ErrStateDecode)
	}

	var p Parameter
	if err := json.Unmarshal(data, &p); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, fmt.Errorf("%w: field %s has wrong type", ErrStateStructure, typeErr.Field)
		}
		return nil, fmt.Errorf("%w: not valid JSON", ErrStateDecode)
	}

	return &p, nil
}

// Validate checks the decoded structure: required fields present, ids in
// object-id format, timestamp plausible. Nonce quality and expiry are
// separate checks with their own error codes.
func (p *Parameter) Validate() error {
	if p.TenantID == "" || p.IntegrationID == "" || p.UserID == "" || p.Nonce == "" {
		return fmt.Errorf("%w: missing required fields", ErrStateStructure)
	}
	if err := validation.ValidateObjectID(p.TenantID); err != nil {
		return fmt.Errorf("%w: malformed tenant id", ErrStateStructure)
	}
	if err := validation.ValidateObjectID(p.IntegrationID); err != nil {
		return fmt.Errorf("%w: malformed integration id", ErrStateStructure)
	}
	if err := validation.ValidateObjectID(p.UserID); err != nil {
		return fmt.Errorf("%w: malformed user id", ErrStateStructure)
	}
	if p.Timestamp <= 0 {
		return fmt.Errorf("%w: missing timestamp", ErrStateStructure)
	}
	return nil
}

// Age returns how old the state is relative to now. Negative means the state
// claims to come from the future.
func (p *Parameter) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(p.Timestamp))
}

// HashState returns the SHA-256 hex digest of the raw state string. The
// digest is stored in the flow context at initiation and compared at
// callback, binding the callback to exactly one initiation.
func HashState(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
