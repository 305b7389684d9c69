// Package uuid generates and checks the identifiers of queue items and conflict records.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// New generates a new UUID v4 string.
func New() string {
	return uuid.New().String()
}

// IsValid reports whether s is a canonical, hyphenated UUID v4.
func IsValid(s string) bool {
	if len(s) != 36 {
		return false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 4 && id.Variant() == uuid.RFC4122
}

// Validate returns an error if s is not a valid item id.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid item id %q: expected UUID v4", s)
	}
	return nil
}
