package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// SignatureHeader carries the hex HMAC-SHA256 digest of the delivery payload.
const SignatureHeader = "X-Signature"

// AuthError rejects a delivery whose signature does not verify. It is fatal
// for the request and never retried.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "signature verification failed: " + e.Reason
}

// CanonicalPayload re-encodes a JSON body with stable key order so that
// semantically identical deliveries sign and fingerprint identically.
func CanonicalPayload(raw []byte) ([]byte, error) {
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	// encoding/json sorts map keys on marshal.
	return json.Marshal(decoded)
}

// Sign computes the hex HMAC-SHA256 digest of payload under secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the delivery signature against the canonicalized payload,
// falling back to the raw body for senders that sign the bytes as-sent.
// Comparison is constant-time in both cases.
func Verify(raw []byte, signatureHex, secret string) error {
	if secret == "" {
		return &AuthError{Reason: "no secret configured"}
	}
	if signatureHex == "" {
		return &AuthError{Reason: "missing signature header"}
	}

	canonical, err := CanonicalPayload(raw)
	if err == nil && hmac.Equal([]byte(Sign(canonical, secret)), []byte(signatureHex)) {
		return nil
	}
	if hmac.Equal([]byte(Sign(raw, secret)), []byte(signatureHex)) {
		return nil
	}
	return &AuthError{Reason: "digest mismatch"}
}
