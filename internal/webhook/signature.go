package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	SignatureHeader = "X-Hub-Signature-256"
	SignaturePrefix = "sha256="
)

// VerifySignature checks a GitHub "sha256=<hex>" signature over the raw
// payload bytes.
func VerifySignature(payload []byte, signature string, secret []byte) bool {
	if signature == "" || len(secret) == 0 {
		return false
	}
	if !strings.HasPrefix(signature, SignaturePrefix) {
		return false
	}

	received, err := hex.DecodeString(strings.TrimPrefix(signature, SignaturePrefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), received)
}

// Sign returns the signature header value GitHub would send for payload.
func Sign(payload, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
