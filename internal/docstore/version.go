package docstore

import (
	"fmt"

	"golang.org/x/mod/semver"
)

// SchemaVersion is the on-disk layout version written by persistent backends.
// Backends refuse to open stores with a different major version.
const SchemaVersion = "v1.1.0"

// CheckSchemaVersion compares a stored layout version against SchemaVersion.
// An empty stored version means a fresh store and is accepted.
func CheckSchemaVersion(stored string) error {
	if stored == "" {
		return nil
	}
	if !semver.IsValid(stored) {
		return fmt.Errorf("%w: malformed version %q", ErrIncompatibleSchema, stored)
	}
	if semver.Major(stored) != semver.Major(SchemaVersion) {
		return fmt.Errorf("%w: store has %s, binary supports %s", ErrIncompatibleSchema, stored, SchemaVersion)
	}
	return nil
}

// NeedsVersionBump reports whether a stored version is older than
// SchemaVersion within the same major line.
func NeedsVersionBump(stored string) bool {
	return stored == "" || semver.Compare(stored, SchemaVersion) < 0
}
