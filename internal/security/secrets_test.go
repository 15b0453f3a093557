package security

import (
	"strings"
	"testing"
)

func TestValidateSecret(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		wantErr bool
	}{
		{"strong random secret", "kJ8mN2pQ5tR7vX1zB4cE6gH9jL3nP8qS2uW5yA7bD0fG3hK6", false},
		{"exactly minimum length", "kJ8mN2pQ5tR7vX1zB4cE6gH9jL3nP8qS", false},
		{"one under minimum", "kJ8mN2pQ5tR7vX1zB4cE6gH9jL3nP8q", true},
		{"empty", "", true},
		{"placeholder", "replace-with-secret-must-be-at-least-32-chars-long", true},
		{"placeholder uppercase", "CHANGEME-CHANGEME-CHANGEME-CHANGEME-1234", true},
		{"long but low entropy", strings.Repeat("ab", 40), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSecret(tt.secret)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSecret() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGenerateToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, err := GenerateToken()
		if err != nil {
			t.Fatalf("GenerateToken() error = %v", err)
		}
		if len(token) != 48 {
			t.Errorf("GenerateToken() length = %d, want 48", len(token))
		}
		if strings.ContainsAny(token, "+/") {
			t.Errorf("Token is not URL safe: %s", token)
		}
		if seen[token] {
			t.Fatal("GenerateToken() produced a duplicate")
		}
		seen[token] = true
	}
}

func TestCalculateEntropy(t *testing.T) {
	tests := []struct {
		input    string
		min, max float64
	}{
		{"", 0, 0},
		{"aaaaaaa", 0, 0},
		{"ababababab", 1, 1},
		{"abcdefghij", 3, 4},
		{"kJ8mN2pQ5tR7vX1zB4cE6gH9jL3nP8qS", 4, 6},
	}

	for _, tt := range tests {
		got := calculateEntropy(tt.input)
		if got < tt.min || got > tt.max {
			t.Errorf("calculateEntropy(%q) = %.2f, want between %.2f and %.2f", tt.input, got, tt.min, tt.max)
		}
	}
}
