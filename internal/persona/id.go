package persona

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ErrInvalidPersonaID is returned for ids that are unsafe as path components.
var ErrInvalidPersonaID = errors.New("invalid persona id: use only letters, numbers, hyphens, and underscores")

// IsValidID reports whether id can be used as a path component.
func IsValidID(id string) bool { return idPattern.MatchString(id) }

// ValidateID returns id or an error wrapping ErrInvalidPersonaID.
func ValidateID(id string) (string, error) {
	if !IsValidID(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPersonaID, id)
	}
	return id, nil
}

func scopeID(personaID, userID string) (string, error) {
	if _, err := ValidateID(personaID); err != nil {
		return "", err
	}
	if !IsValidID(userID) {
		return "", fmt.Errorf("persona: invalid user id %q", userID)
	}
	return personaID + "-" + userID, nil
}

// splitScope reverses scopeID. Persona ids may contain hyphens, so the user
// id is everything after the last one.
func splitScope(scope string) (personaID, userID string, err error) {
	i := strings.LastIndexByte(scope, '-')
	if i <= 0 || i == len(scope)-1 {
		return "", "", fmt.Errorf("persona: malformed scope %q", scope)
	}
	personaID, userID = scope[:i], scope[i+1:]
	if _, err := scopeID(personaID, userID); err != nil {
		return "", "", err
	}
	return personaID, userID, nil
}
