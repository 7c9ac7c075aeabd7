// Package randstr generates short random strings for workspace suffixes and object keys.
package randstr

import (
	"crypto/rand"
	"errors"
	"fmt"
)

const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// maxByte is the largest multiple of len(alphabet) that fits in a byte; bytes at or
// above it are rejected so every character is equally likely.
const maxByte = 256 - (256 % len(alphabet))

// Alnum returns n characters drawn uniformly from [a-z0-9].
func Alnum(n int) (string, error) {
	if n <= 0 {
		return "", errors.New("length must be positive")
	}
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxByte {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
