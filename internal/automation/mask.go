package automation

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	secretMask = "********"
	// Shorter secrets are only masked where a known key names them; matching them
	// anywhere would rewrite ordinary words in the log.
	minFreeMaskLen = 6
)

// keyedSecret matches values assigned to the connection password variables,
// whatever their value, as ansible prints them in verbose output.
var keyedSecret = regexp.MustCompile(`((?:ansible_ssh_pass|ansible_password|ansible_become_pass)["']?\s*[:=]\s*["']?)([^"'\s,}]+)`)

// maskSecret hides secret in a log meant for archival. Values of the password
// variables are always masked; other occurrences are masked only when the secret
// is at least minFreeMaskLen long and stands as a whole token.
func maskSecret(text, secret string) string {
	if secret == "" {
		return text
	}
	text = keyedSecret.ReplaceAllString(text, "${1}"+secretMask)
	if utf8.RuneCountInString(secret) < minFreeMaskLen {
		return text
	}

	var b strings.Builder
	for {
		i := strings.Index(text, secret)
		if i < 0 {
			b.WriteString(text)
			return b.String()
		}
		end := i + len(secret)
		if tokenBoundary(text[:i], true) && tokenBoundary(text[end:], false) {
			b.WriteString(text[:i])
			b.WriteString(secretMask)
		} else {
			b.WriteString(text[:end])
		}
		text = text[end:]
	}
}

// tokenBoundary reports whether the rune adjacent to a match is absent or not
// part of a word.
func tokenBoundary(side string, before bool) bool {
	var r rune
	if before {
		r, _ = utf8.DecodeLastRuneInString(side)
	} else {
		r, _ = utf8.DecodeRuneInString(side)
	}
	if r == utf8.RuneError {
		return true
	}
	return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
}
