package parser

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Headers carrying the webhook callback signature.
const (
	HeaderSignature = "X-Parser-Signature"
	HeaderTimestamp = "X-Parser-Timestamp"
)

// Signature computes the hex HMAC-SHA256 of "{jobID}:{timestamp}".
func Signature(secret, jobID, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s:%s", jobID, timestamp)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhook checks an inbound callback signature against the configured
// secret. Verification is disabled (always true) when no secret is set.
func (c *Client) VerifyWebhook(jobID, timestamp, signature string) bool {
	return VerifySignature(c.webhookSecret, jobID, timestamp, signature)
}

// VerifySignature checks a callback signature in constant time.
func VerifySignature(secret, jobID, timestamp, signature string) bool {
	if secret == "" {
		return true
	}
	want := Signature(secret, jobID, timestamp)
	return hmac.Equal([]byte(want), []byte(signature))
}
