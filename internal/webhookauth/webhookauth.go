// Package webhookauth verifies HMAC signatures on inbound provider webhooks.
package webhookauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sign computes the hex-encoded HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a plain hex HMAC signature in constant time.
// An empty secret disables verification (development mode).
func Verify(payload []byte, secret, signature string) bool {
	if secret == "" {
		return true
	}
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// VerifyVersioned checks a "t=<ts>,v1=<hex>" style signature header as
// sent by Persona and Stripe. The timestamp is prepended to the payload
// with a dot separator before signing. Any matching v1 entry passes.
func VerifyVersioned(payload []byte, secret, header string) bool {
	if secret == "" {
		return true
	}

	var timestamp string
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			timestamp = v
		case "v1":
			candidates = append(candidates, v)
		}
	}
	if timestamp == "" || len(candidates) == 0 {
		return false
	}

	signed := append([]byte(timestamp+"."), payload...)
	expected := Sign(signed, secret)
	for _, c := range candidates {
		if hmac.Equal([]byte(expected), []byte(c)) {
			return true
		}
	}
	return false
}
