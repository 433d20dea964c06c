package settlement

import (
	"strings"
	"unicode/utf8"
)

// MinDescriptionLength is the shortest accepted dispute or offer description.
const MinDescriptionLength = 20

// CheckDescription enforces the minimum description length on trimmed text.
func CheckDescription(field, description string) error {
	if n := utf8.RuneCountInString(strings.TrimSpace(description)); n < MinDescriptionLength {
		return Invalid(field, "must be at least %d characters, got %d", MinDescriptionLength, n)
	}
	return nil
}

// RequireID rejects blank identifiers.
func RequireID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return Invalid(field, "required")
	}
	return nil
}
