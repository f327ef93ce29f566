package auth

import (
	"testing"
)

func TestHashKey(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "key with whitespace trimmed",
			input:    "  test-api-key  ",
			expected: HashKey("test-api-key"),
		},
		{
			name:     "empty string",
			input:    "",
			expected: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", // SHA256 of empty
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := HashKey(tt.input)
			if len(result) != 64 {
				t.Errorf("HashKey() returned %d chars, want 64", len(result))
			}
			if result != tt.expected {
				t.Errorf("HashKey(%q) = %s, want %s", tt.input, result, tt.expected)
			}
		})
	}
}

func TestTokenMatches(t *testing.T) {
	tests := []struct {
		name      string
		presented string
		expected  string
		want      bool
	}{
		{"exact", "s3cret", "s3cret", true},
		{"surrounding whitespace", " s3cret\n", "s3cret", true},
		{"wrong token", "guess", "s3cret", false},
		{"prefix", "s3c", "s3cret", false},
		{"empty expected never matches", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TokenMatches(tt.presented, tt.expected); got != tt.want {
				t.Errorf("TokenMatches(%q, %q) = %v, want %v", tt.presented, tt.expected, got, tt.want)
			}
		})
	}
}
