package policy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DefaultSessionID is used when a client does not name a session.
const DefaultSessionID = "default"

const maxSessionIDLength = 128

var (
	ErrInvalidSessionID = errors.New("invalid session id")

	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:\-]*$`)
)

// NormalizeSessionID trims the id, substitutes the default for an empty one
// and rejects ids that are too long or would be awkward in URLs and keys.
func NormalizeSessionID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return DefaultSessionID, nil
	}
	if len(id) > maxSessionIDLength {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidSessionID, maxSessionIDLength)
	}
	if !sessionIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return id, nil
}
