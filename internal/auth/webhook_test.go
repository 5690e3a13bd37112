package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/kokoro/internal/auth"
)

func TestWebhookSignature(t *testing.T) {
	body := []byte(`{"room_name":"emotional_guidance_u1_1700000000000","transcript":"User: hi\n","duration_seconds":42}`)

	sig := auth.SignWebhook("whsec_test", body)
	assert.Len(t, sig, 64, "hex-encoded HMAC-SHA256")
	assert.True(t, auth.VerifyWebhook("whsec_test", body, sig))

	assert.False(t, auth.VerifyWebhook("whsec_other", body, sig), "wrong secret")
	assert.False(t, auth.VerifyWebhook("whsec_test", []byte(`{}`), sig), "tampered body")
	assert.False(t, auth.VerifyWebhook("whsec_test", body, sig+"00"), "tampered signature")
	assert.False(t, auth.VerifyWebhook("whsec_test", body, ""), "missing signature")
}

func TestWebhookSignatureDeterministic(t *testing.T) {
	body := []byte("payload")
	assert.Equal(t, auth.SignWebhook("s", body), auth.SignWebhook("s", body))
	assert.NotEqual(t, auth.SignWebhook("s", body), auth.SignWebhook("s2", body))
}
