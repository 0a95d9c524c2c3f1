package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignaturePrefix is the scheme tag carried by every signature value.
const SignaturePrefix = "sha256="

// Sign computes the delivery signature: "sha256=" followed by the hex
// HMAC-SHA256 of the payload bytes under the integration's secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches the payload under secret.
// Comparison is constant-time.
func Verify(payload []byte, secret, signature string) bool {
	if !strings.HasPrefix(signature, SignaturePrefix) {
		return false
	}
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
