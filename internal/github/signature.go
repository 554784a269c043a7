package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const signaturePrefix = "sha256="

// ValidateSignature verifies a webhook payload against its
// X-Hub-Signature-256 header value using the repo's shared secret.
// The comparison is constant-time; a malformed header, wrong scheme or
// empty secret is rejected without any upstream call.
func ValidateSignature(body []byte, signature, secret string) bool {
	if secret == "" || !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}

	provided, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// SignBody computes the header value this service would expect for body,
// used when registering webhooks and in tests.
func SignBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
