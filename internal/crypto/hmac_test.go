package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHMACAuth_HeadersAt(t *testing.T) {
	h := &HMACAuth{Key: "key-1", Secret: base64.StdEncoding.EncodeToString([]byte("s3cret"))}
	headers := h.HeadersAt("POST", "/channels/c1/metadata", `{"a":1}`, 1_700_000_000)

	assert.Equal(t, "key-1", headers[HeaderAPIKey])
	assert.Equal(t, "1700000000", headers[HeaderTimestamp])
	assert.NotEmpty(t, headers[HeaderSignature])

	assert.True(t, h.Verify("POST", "/channels/c1/metadata", `{"a":1}`, "1700000000", headers[HeaderSignature]))
	assert.False(t, h.Verify("PUT", "/channels/c1/metadata", `{"a":1}`, "1700000000", headers[HeaderSignature]))
	assert.False(t, h.Verify("POST", "/channels/c1/metadata", `{"a":2}`, "1700000000", headers[HeaderSignature]))
}

func TestHMACAuth_RawSecret(t *testing.T) {
	raw := &HMACAuth{Key: "k", Secret: "not base64!"}
	a := raw.HeadersAt("GET", "/orders/sell", "", 1)
	b := raw.HeadersAt("GET", "/orders/sell", "", 1)
	assert.Equal(t, a, b, "signatures are deterministic for a fixed timestamp")
}

func TestHMACAuth_StringRedacts(t *testing.T) {
	h := &HMACAuth{Key: "abcdefgh", Secret: "xyz"}
	assert.Equal(t, "HMACAuth{key=abcd****, secret=****}", h.String())
}
