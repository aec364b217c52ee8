package idgen

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// New returns a UUIDv7 identifier string.
// If UUIDv7 generation fails, it falls back to a random UUIDv4.
//
// UUIDv7 strings sort lexicographically in creation order, which the
// event history relies on when evicting its oldest entries.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

var handlePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ValidateHandle checks that handle is a valid profile handle.
// Rules: lowercase letters, digits, and dashes; must start with a letter and
// end with a letter or digit; max 64 characters.
func ValidateHandle(handle string) error {
	if len(handle) > 64 {
		return fmt.Errorf("handle too long (max 64 characters)")
	}
	if !handlePattern.MatchString(handle) {
		return fmt.Errorf("handle %q is invalid: must match %s", handle, handlePattern.String())
	}
	return nil
}
