// Package sanitize normalizes identifiers and validates untrusted names
// before they reach the vector store, the object store or the filesystem.
//
// Collection names in vector stores (Qdrant, chromem) must match: ^[a-z0-9_]{1,64}$
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/fyrsmithlabs/lexd/internal/textnorm"
)

const (
	// MaxIdentifierLength is the maximum length of a collection name.
	MaxIdentifierLength = 64

	// HashSuffixLength is the length of the hash suffix added to truncated identifiers.
	// Format: _<8-char-hash> = 9 characters total
	HashSuffixLength = 9

	// DefaultIdentifier is used when sanitization produces an empty result.
	DefaultIdentifier = "default"
)

var turkishASCII = strings.NewReplacer(
	"ç", "c", "ğ", "g", "ı", "i", "ö", "o", "ş", "s", "ü", "u", "â", "a", "î", "i", "û", "u",
)

// Identifier sanitizes a string for use as a collection name.
//
// Rules applied:
//   - Lowercases with Turkish rules and transliterates Turkish letters
//   - Replaces invalid characters with underscores
//   - Collapses multiple underscores
//   - Trims leading/trailing underscores
//   - Truncates to MaxIdentifierLength with hash suffix if too long
//   - Returns DefaultIdentifier if result would be empty
//
// Examples:
//
//	"Legal Chunks"      -> "legal_chunks"
//	"Yargıtay Kararları" -> "yargitay_kararlari"
//	"" or "!!!"         -> "default"
func Identifier(s string) string {
	s = turkishASCII.Replace(textnorm.Lower(strings.TrimSpace(s)))

	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			result.WriteRune(r)
		} else {
			result.WriteRune('_')
		}
	}

	sanitized := result.String()
	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}
	sanitized = strings.Trim(sanitized, "_")

	if sanitized == "" {
		return DefaultIdentifier
	}
	if len(sanitized) > MaxIdentifierLength {
		sanitized = truncateWithHash(sanitized)
	}
	return sanitized
}

// truncateWithHash truncates a string to fit within MaxIdentifierLength,
// appending a hash suffix to preserve uniqueness.
//
// Format: <truncated>_<8-char-hash>
func truncateWithHash(s string) string {
	hash := sha256.Sum256([]byte(s))
	hashSuffix := "_" + hex.EncodeToString(hash[:])[:8]

	truncated := s[:MaxIdentifierLength-HashSuffixLength]
	truncated = strings.TrimRight(truncated, "_")
	return truncated + hashSuffix
}
