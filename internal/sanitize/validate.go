package sanitize

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"unicode"
)

// Validation errors.
var (
	// ErrPathTraversal indicates a key or id contains directory traversal sequences.
	ErrPathTraversal = errors.New("path contains directory traversal")

	// ErrEmptyKey indicates an empty object key.
	ErrEmptyKey = errors.New("key cannot be empty")

	// ErrInvalidKey indicates an object key that names no object.
	ErrInvalidKey = errors.New("invalid object key")

	// ErrInvalidDocumentID indicates the document id format is invalid.
	ErrInvalidDocumentID = errors.New("invalid document ID format")
)

// MaxDocumentIDLength bounds document ids, which end up in object keys,
// workflow ids and NATS subjects.
const MaxDocumentIDLength = 128

var documentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ObjectKey normalizes an object key to a slash-separated relative path.
// Backslashes become slashes, duplicate and leading slashes are dropped.
// Any ".." segment is rejected rather than resolved.
func ObjectKey(key string) (string, error) {
	key = strings.TrimSpace(strings.ReplaceAll(key, "\\", "/"))
	if key == "" {
		return "", ErrEmptyKey
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrPathTraversal, key)
		}
	}
	for _, r := range key {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: control character in %q", ErrInvalidKey, key)
		}
	}
	cleaned := path.Clean("/" + key)[1:]
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}

// ValidateDocumentID checks that a document id is safe to embed in object
// keys, workflow ids and NATS subjects: ASCII letters, digits, dot, dash
// and underscore, starting with a letter or digit, at most
// MaxDocumentIDLength characters.
func ValidateDocumentID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(id) > MaxDocumentIDLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidDocumentID, MaxDocumentIDLength)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("%w: %w", ErrInvalidDocumentID, ErrPathTraversal)
	}
	if !documentIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidDocumentID, id)
	}
	return nil
}
