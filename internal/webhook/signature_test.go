package webhook

import (
	"testing"
)

var testSecret = []byte("test-secret-at-least-32-chars-long-here")

func TestVerifySignature_Valid(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/main"}`)

	if !VerifySignature(payload, Sign(payload, testSecret), testSecret) {
		t.Error("Expected valid signature to be accepted")
	}
}

func TestVerifySignature_Invalid(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/main"}`)
	signature := Sign(payload, []byte("wrong-secret-at-least-32-chars-long-x"))

	if VerifySignature(payload, signature, testSecret) {
		t.Error("Expected invalid signature to be rejected")
	}
}

func TestVerifySignature_TamperedBody(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/main"}`)
	signature := Sign(payload, testSecret)

	if VerifySignature([]byte(`{"ref":"refs/heads/main" }`), signature, testSecret) {
		t.Error("Expected signature over different bytes to be rejected")
	}
}

func TestVerifySignature_MissingInputs(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/main"}`)

	if VerifySignature(payload, "", testSecret) {
		t.Error("Expected missing signature to be rejected")
	}
	if VerifySignature(payload, Sign(payload, nil), nil) {
		t.Error("Expected empty secret to reject every signature")
	}
}

func TestVerifySignature_MalformedSignature(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/main"}`)

	testCases := []struct {
		name      string
		signature string
	}{
		{"no prefix", "abc123def456"},
		{"wrong prefix", "sha1=abc123def456"},
		{"no equals", "sha256abc123def456"},
		{"empty after prefix", "sha256="},
		{"not hex", "sha256=zzzz"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if VerifySignature(payload, tc.signature, testSecret) {
				t.Errorf("Expected malformed signature '%s' to be rejected", tc.signature)
			}
		})
	}
}
