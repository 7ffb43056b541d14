package session

import (
	"fmt"
	"regexp"
)

// Session names become directory names under ~/.fieldchat/sessions, so the
// alphabet is restricted to filesystem-safe lowercase.
var namePattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName rejects names that cannot serve as a session directory.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("session name %q: use 1-64 lowercase letters, digits, '-' or '_'", name)
	}
	return nil
}
