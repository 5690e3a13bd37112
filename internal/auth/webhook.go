package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// WebhookSignatureHeader carries the hex HMAC-SHA256 of the request body,
// keyed with the shared webhook secret. Absent when no secret is configured.
const WebhookSignatureHeader = "X-Kokoro-Signature"

// SignWebhook computes the signature for a webhook body.
func SignWebhook(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhook checks a received signature against the body in constant
// time.
func VerifyWebhook(secret string, body []byte, signature string) bool {
	expected := SignWebhook(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
