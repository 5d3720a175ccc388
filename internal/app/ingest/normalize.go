package ingest

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	urlQueryRe = regexp.MustCompile(`(https?://[^\s?#'"]+)[?#][^\s'"]*`)
	lineColRe  = regexp.MustCompile(`:\d+(:\d+)?`)
	digitsRe   = regexp.MustCompile(`\d+`)
	spaceRe    = regexp.MustCompile(`\s+`)
)

// Normalize reduces an error message to the part that identifies the bug.
// Cache-busting query strings, line/column positions and counters differ
// between repeats of the same error and are dropped.
func Normalize(text string) string {
	s := strings.ToLower(text)
	s = urlQueryRe.ReplaceAllString(s, "$1")
	s = lineColRe.ReplaceAllString(s, "")
	s = digitsRe.ReplaceAllString(s, "#")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// DedupKey is the hex SHA-1 of the normalized text.
func DedupKey(text string) string {
	sum := sha1.Sum([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}
