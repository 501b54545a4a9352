package utils

import (
	"crypto/md5"
	"fmt"
	"strings"
)

func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}

// HashKey hashes the normalised parts of a composite key. Parts are
// lower-cased and trimmed so "Pump " and "pump" share a key.
func HashKey(parts ...string) string {
	normalised := make([]string, len(parts))
	for i, p := range parts {
		normalised[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return HashString(strings.Join(normalised, "\x1f"))
}
