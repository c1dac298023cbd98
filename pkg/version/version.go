// Package version carries the build version stamp.
package version

import "fmt"

// Version is updated automatically as part of the build process, and is the
// ground source of truth for the current process's build version.
var Version = undefinedVersion

const undefinedVersion = "dev-undefined"

// UserAgent returns the value applied to requests this process originates.
func UserAgent() string {
	return fmt.Sprintf("jpipstream/%s", Version)
}

// Match validates whether an expected version string matches the actual.
func Match(expected, actual string) error {
	if expected == "" || actual == "" {
		return fmt.Errorf("version is empty")
	}
	if expected != actual {
		return fmt.Errorf("is running version %s but the latest version is %s", actual, expected)
	}
	return nil
}
