package cards

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ValidateIdentifier trims a raw scan and rejects it when empty, not valid
// UTF-8, or shorter than minLength.
func ValidateIdentifier(raw string, minLength int) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", fmt.Errorf("%w: empty scan", ErrInvalidIdentifier)
	}
	if !utf8.ValidString(id) {
		return "", fmt.Errorf("%w: %q is not valid UTF-8", ErrInvalidIdentifier, id)
	}
	if utf8.RuneCountInString(id) < minLength {
		return "", fmt.Errorf("%w: %q is shorter than %d characters", ErrInvalidIdentifier, id, minLength)
	}
	return id, nil
}
