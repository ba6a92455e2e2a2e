package rand

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const (
	tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// TokenLength is the length of generated host update tokens.
	TokenLength = 40
	secretBytes = 32
)

// Token returns a new host update token drawn from an alphanumeric alphabet
// using crypto/rand. Tokens are safe to embed in query strings.
func Token() (string, error) {
	return fromAlphabet(tokenAlphabet, TokenLength)
}

// Secret returns a hex encoded 256 bit secret, used for webhook signing keys.
func Secret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// fromAlphabet builds a string of the given length with characters chosen
// uniformly from alphabet. Bytes that would bias the distribution are
// rejected rather than folded with a modulo.
func fromAlphabet(alphabet string, length int) (string, error) {
	if len(alphabet) == 0 || len(alphabet) > 256 {
		return "", fmt.Errorf("alphabet length %d out of range", len(alphabet))
	}

	limit := 256 - (256 % len(alphabet))
	result := make([]byte, 0, length)
	buf := make([]byte, length+length/3)

	for len(result) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("reading random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			result = append(result, alphabet[int(b)%len(alphabet)])
			if len(result) == length {
				break
			}
		}
	}

	return string(result), nil
}
