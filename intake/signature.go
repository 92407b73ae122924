package intake

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// Signature header scheme: "sha256=<hex hmac of the raw body>".
const signaturePrefix = "sha256="

var (
	// ErrNoSecret means no webhook secret is configured. Requests must
	// never be accepted unverified.
	ErrNoSecret = errors.New("webhook secret not configured")

	// ErrMissingSignature means the signature header was absent.
	ErrMissingSignature = errors.New("missing signature header")

	// ErrInvalidSignature means the header did not match the body.
	ErrInvalidSignature = errors.New("invalid signature")
)

// VerifySignature checks the x-hub-signature-256 header against the
// raw body in constant time.
func VerifySignature(secret string, body []byte, header string) error {
	if secret == "" {
		return ErrNoSecret
	}
	if header == "" {
		return ErrMissingSignature
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	got := strings.TrimPrefix(header, signaturePrefix)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(got))) != 1 {
		return ErrInvalidSignature
	}
	return nil
}

// SignBody produces the header value for a body, for tests and
// outbound webhook emission.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
