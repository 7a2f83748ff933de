package dispatcher

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Callback signature headers
const (
	HeaderSignature          = "X-Signature"
	HeaderSignatureTimestamp = "X-Signature-Timestamp"
	HeaderIdempotencyKey     = "Idempotency-Key"
)

// Sign computes the callback signature header value for a body sent at the
// given unix timestamp: "v1=" followed by hex HMAC-SHA256 over
// timestamp + "." + body under the merchant's secret
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value in constant time. Merchants use
// the same scheme on their side; this is also what our tests verify
// deliveries with.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	if !strings.HasPrefix(signature, "v1=") {
		return false
	}
	expected := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
