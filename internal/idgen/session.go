package idgen

import (
	"errors"
	"fmt"
	"regexp"
)

var ErrInvalidSessionID = errors.New("invalid session id")

const maxSessionIDLen = 128

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateSessionID checks a client-supplied session id.
// Rules: letters, digits, dots, underscores and dashes; must start with a
// letter or digit; max 128 characters.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSessionID)
	}
	if len(id) > maxSessionIDLen {
		return fmt.Errorf("%w: too long (max %d characters)", ErrInvalidSessionID, maxSessionIDLen)
	}
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q must match %s", ErrInvalidSessionID, id, sessionIDPattern.String())
	}
	return nil
}
