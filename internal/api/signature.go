package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
)

// signatureHeader carries the CRM's webhook signature.
const signatureHeader = "FUB-Signature"

var (
	// ErrMissingSignature is returned when verification is enabled and the header is absent.
	ErrMissingSignature = errors.New("missing webhook signature")

	// ErrInvalidSignature is returned when the signature does not match the body.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// SignPayload returns the hex HMAC-SHA256, keyed by secret, of the base64 encoding of body.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(base64.StdEncoding.EncodeToString(body)))

	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a FUB-Signature header value against body.
func VerifySignature(secret, signature string, body []byte) error {
	signature = strings.ToLower(strings.TrimSpace(signature))
	if signature == "" {
		return ErrMissingSignature
	}

	if !hmac.Equal([]byte(SignPayload(secret, body)), []byte(signature)) {
		return ErrInvalidSignature
	}

	return nil
}
