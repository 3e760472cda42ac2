package ota

import (
	"regexp"
	"strings"
)

// MaxVersionLength is the longest version string embedded clients accept.
const MaxVersionLength = 31

// PlaceholderVersion is advertised before any firmware exists.
const PlaceholderVersion = "v0.0.0"

var (
	semverPattern    = regexp.MustCompile(`^v\d+\.\d+\.\d+$`)
	timestampPattern = regexp.MustCompile(`^\d{12}$`)
	combinedPattern  = regexp.MustCompile(`^v\d+\.\d+\.\d+\+\d{12}$`)
)

// ValidateVersion accepts vMAJOR.MINOR.PATCH, a 12-digit timestamp, or
// vMAJOR.MINOR.PATCH+<12-digit timestamp>, at most MaxVersionLength long.
func ValidateVersion(version string) error {
	if version == "" {
		return validationError("missing version (field 'version' or 'version_file')")
	}
	if !semverPattern.MatchString(version) &&
		!timestampPattern.MatchString(version) &&
		!combinedPattern.MatchString(version) {
		return validationError("invalid version %q: want vX.Y.Z, a 12-digit timestamp, or vX.Y.Z+<12-digit timestamp>", version)
	}
	if len(version) > MaxVersionLength {
		return validationError("version too long: %d characters, max %d", len(version), MaxVersionLength)
	}
	return nil
}

// ResolveVersion picks the declared version: the side-file contents when
// present and non-blank, otherwise the form field.
func ResolveVersion(sideFile []byte, field string) string {
	if v := strings.TrimSpace(string(sideFile)); v != "" {
		return v
	}
	return strings.TrimSpace(field)
}
