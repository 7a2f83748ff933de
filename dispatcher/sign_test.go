package dispatcher_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stanislawq/Cryptocurrency-gateway/dispatcher"
)

func TestSign(t *testing.T) {
	t.Parallel()

	secret := "whsec_c2VjcmV0"
	timestamp := "1700000000"
	body := []byte(`{"invoiceId":"a","status":"CONFIRMED"}`)

	signature := dispatcher.Sign(secret, timestamp, body)

	t.Run("has the versioned hex format", func(t *testing.T) {
		assert.True(t, strings.HasPrefix(signature, "v1="))
		assert.Len(t, signature, len("v1=")+64)
	})

	t.Run("verifies against the same inputs", func(t *testing.T) {
		assert.True(t, dispatcher.Verify(secret, timestamp, body, signature))
	})

	t.Run("covers the timestamp", func(t *testing.T) {
		assert.False(t, dispatcher.Verify(secret, "1700000001", body, signature))
	})

	t.Run("covers the body", func(t *testing.T) {
		tampered := []byte(`{"invoiceId":"a","status":"EXPIRED"}`)
		assert.False(t, dispatcher.Verify(secret, timestamp, tampered, signature))
	})

	t.Run("depends on the secret", func(t *testing.T) {
		assert.False(t, dispatcher.Verify("whsec_other", timestamp, body, signature))
	})

	t.Run("rejects unversioned signatures", func(t *testing.T) {
		assert.False(t, dispatcher.Verify(secret, timestamp, body, signature[len("v1="):]))
	})
}
