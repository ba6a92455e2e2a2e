package rand

import (
	"strings"
	"testing"
)

func TestToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok, err := Token()
		if err != nil {
			t.Fatalf("Token() error: %v", err)
		}
		if len(tok) != TokenLength {
			t.Fatalf("len(token) = %d, want %d", len(tok), TokenLength)
		}
		for _, c := range tok {
			if !strings.ContainsRune(tokenAlphabet, c) {
				t.Fatalf("token %q contains %q outside the alphabet", tok, c)
			}
		}
		if seen[tok] {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = true
	}
}

func TestSecret(t *testing.T) {
	s, err := Secret()
	if err != nil {
		t.Fatalf("Secret() error: %v", err)
	}
	if len(s) != 2*secretBytes {
		t.Errorf("len(secret) = %d, want %d", len(s), 2*secretBytes)
	}
}

func TestFromAlphabetRejectsEmpty(t *testing.T) {
	if _, err := fromAlphabet("", 8); err == nil {
		t.Error("fromAlphabet(\"\") error = nil, want error")
	}
}
