// Package payments reconciles the lifecycle against the external payment
// gateway: it mints intent records, mirrors gateway state and applies
// confirmed successes to the lifecycle exactly once.
package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignPayload computes the hex HMAC-SHA256 of body under secret, the scheme
// the gateway uses for webhook signatures.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a presented signature in constant time.
func VerifySignature(secret string, body []byte, presented string) bool {
	expected := SignPayload(secret, body)
	return hmac.Equal([]byte(expected), []byte(presented))
}
