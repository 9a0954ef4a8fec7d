// Package team holds the pure validation rules for team identities and
// passcodes. These checks run before any cluster API call so malformed input
// never leaves the process.
package team

import (
	"errors"
	"regexp"
)

// AdminTeam is the reserved team name for the privileged admin identity.
// It never gets a namespace of its own and bypasses passcode and capacity
// checks on the join path.
const AdminTeam = "admin"

// NamespacePrefix is prepended to a team name to form its namespace.
const NamespacePrefix = "t-"

var (
	// ErrInvalidTeamName indicates a team name that does not match the
	// allowed pattern: 1-15 lowercase alphanumerics and hyphens, not
	// starting or ending with a hyphen.
	ErrInvalidTeamName = errors.New("invalid team name")

	// ErrInvalidPasscode indicates a passcode that is not exactly 8
	// alphanumeric characters.
	ErrInvalidPasscode = errors.New("invalid passcode")
)

var (
	teamNamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,13}[a-z0-9])?$`)
	passcodePattern = regexp.MustCompile(`^[a-zA-Z0-9]{8}$`)
)

// ValidateName checks that name is a usable team identifier. The pattern also
// guarantees the derived namespace is a valid DNS label.
func ValidateName(name string) error {
	if !teamNamePattern.MatchString(name) {
		return ErrInvalidTeamName
	}
	return nil
}

// ValidatePasscode checks passcode syntax only; it says nothing about whether
// the passcode matches a stored hash.
func ValidatePasscode(passcode string) error {
	if !passcodePattern.MatchString(passcode) {
		return ErrInvalidPasscode
	}
	return nil
}

// NamespaceFor derives the namespace holding all of a team's resources.
func NamespaceFor(name string) string {
	return NamespacePrefix + name
}

// IsAdmin reports whether name is the reserved admin identity.
func IsAdmin(name string) bool {
	return name == AdminTeam
}
