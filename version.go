// version.go: semantic version parsing and comparison for plugin identities
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package chainloader

import (
	"strconv"
	"strings"

	"github.com/agilira/go-errors"
)

// Version represents a semantic version with comparison capabilities.
//
// Plugin identities and minimum-version dependency constraints are both
// expressed as a Version. Parsing accepts strict semantic versions
// ("1.2.3-beta.1+build.5") and falls back to dotted numeric versions with two
// to four components ("1.2", "1.2.3.4"), which are mapped onto
// major.minor.patch with missing components set to zero.
//
// Example usage:
//
//	v1, _ := ParseVersion("1.2.3-beta.1")
//	v2, _ := ParseVersion("1.2.3")
//	if v1.Compare(v2) < 0 {
//	    // prerelease sorts before the release
//	}
type Version struct {
	Major      uint64 `json:"major"`
	Minor      uint64 `json:"minor"`
	Patch      uint64 `json:"patch"`
	Prerelease string `json:"prerelease,omitempty"`
	Build      string `json:"build,omitempty"`
	Original   string `json:"original"`
}

// ParseVersion parses a semantic version string, falling back to a dotted
// numeric version when the input is not valid semver.
func ParseVersion(versionStr string) (*Version, error) {
	trimmed := strings.TrimSpace(versionStr)
	if trimmed == "" {
		return nil, NewInvalidVersionError(versionStr, nil)
	}

	if v, err := parseSemanticVersion(trimmed); err == nil {
		v.Original = versionStr
		return v, nil
	}

	v, err := parseLongVersion(trimmed)
	if err != nil {
		return nil, NewInvalidVersionError(versionStr, err)
	}
	v.Original = versionStr
	return v, nil
}

// MustParseVersion is like ParseVersion but panics on malformed input.
// Intended for constants and tests.
func MustParseVersion(versionStr string) *Version {
	v, err := ParseVersion(versionStr)
	if err != nil {
		panic(err)
	}
	return v
}

// parseSemanticVersion parses major.minor.patch[-prerelease][+build]
func parseSemanticVersion(versionStr string) (*Version, error) {
	core := versionStr
	var prerelease, build string

	if idx := strings.Index(core, "+"); idx >= 0 {
		build = core[idx+1:]
		core = core[:idx]
		if err := validateIdentifiers(build, "build"); err != nil {
			return nil, err
		}
	}
	if idx := strings.Index(core, "-"); idx >= 0 {
		prerelease = core[idx+1:]
		core = core[:idx]
		if err := validateIdentifiers(prerelease, "prerelease"); err != nil {
			return nil, err
		}
	}

	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return nil, errors.New(ErrCodeInvalidVersion, "semantic version needs exactly three numeric components").
			WithContext("version", versionStr)
	}

	components := make([]uint64, 3)
	names := []string{"major", "minor", "patch"}
	for i, part := range parts {
		value, err := parseVersionComponent(part, names[i])
		if err != nil {
			return nil, err
		}
		components[i] = value
	}

	return &Version{
		Major:      components[0],
		Minor:      components[1],
		Patch:      components[2],
		Prerelease: prerelease,
		Build:      build,
	}, nil
}

// parseLongVersion parses a dotted numeric version of two to four components.
// The fourth (revision) component is validated and dropped.
func parseLongVersion(versionStr string) (*Version, error) {
	parts := strings.Split(versionStr, ".")
	if len(parts) < 2 || len(parts) > 4 {
		return nil, errors.New(ErrCodeInvalidVersion, "dotted version needs two to four components").
			WithContext("version", versionStr)
	}

	names := []string{"major", "minor", "build", "revision"}
	components := make([]uint64, 4)
	for i, part := range parts {
		value, err := parseVersionComponent(part, names[i])
		if err != nil {
			return nil, err
		}
		components[i] = value
	}

	return &Version{
		Major: components[0],
		Minor: components[1],
		Patch: components[2],
	}, nil
}

// parseVersionComponent parses a single numeric version component
func parseVersionComponent(component, componentType string) (uint64, error) {
	value, err := strconv.ParseUint(component, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, ErrCodeInvalidVersion, "Invalid version component").
			WithContext("component_type", componentType).
			WithContext("component_value", component).
			WithSeverity("error")
	}
	return value, nil
}

// validateIdentifiers checks dot-separated prerelease or build identifiers
func validateIdentifiers(identifiers, kind string) error {
	for _, id := range strings.Split(identifiers, ".") {
		if id == "" {
			return errors.New(ErrCodeInvalidVersion, "empty "+kind+" identifier")
		}
		for _, r := range id {
			if !isIdentifierRune(r) {
				return errors.New(ErrCodeInvalidVersion, "invalid character in "+kind+" identifier").
					WithContext("identifier", id)
			}
		}
	}
	return nil
}

func isIdentifierRune(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '-'
}

// Compare compares two versions using semantic version precedence.
// Build metadata is ignored. Returns -1, 0, or 1.
func (v *Version) Compare(other *Version) int {
	if result := compareComponent(v.Major, other.Major); result != 0 {
		return result
	}
	if result := compareComponent(v.Minor, other.Minor); result != 0 {
		return result
	}
	if result := compareComponent(v.Patch, other.Patch); result != 0 {
		return result
	}
	return comparePrerelease(v.Prerelease, other.Prerelease)
}

// AtLeast reports whether v satisfies a minimum version constraint.
// A nil minimum is always satisfied; a nil version satisfies nothing else.
func (v *Version) AtLeast(minimum *Version) bool {
	if minimum == nil {
		return true
	}
	if v == nil {
		return false
	}
	return v.Compare(minimum) >= 0
}

// String returns the canonical semantic version form.
func (v *Version) String() string {
	if v == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(strconv.FormatUint(v.Major, 10))
	b.WriteByte('.')
	b.WriteString(strconv.FormatUint(v.Minor, 10))
	b.WriteByte('.')
	b.WriteString(strconv.FormatUint(v.Patch, 10))
	if v.Prerelease != "" {
		b.WriteByte('-')
		b.WriteString(v.Prerelease)
	}
	if v.Build != "" {
		b.WriteByte('+')
		b.WriteString(v.Build)
	}
	return b.String()
}

// compareComponent compares two uint64 version components
func compareComponent(a, b uint64) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// comparePrerelease orders prerelease tags: a release outranks any
// prerelease, numeric identifiers compare numerically and sort below
// alphanumeric ones, and a shorter identifier list sorts first on a tie.
func comparePrerelease(a, b string) int {
	if a == b {
		return 0
	}
	if a == "" {
		return 1
	}
	if b == "" {
		return -1
	}

	left := strings.Split(a, ".")
	right := strings.Split(b, ".")
	for i := 0; i < len(left) && i < len(right); i++ {
		if result := compareIdentifier(left[i], right[i]); result != 0 {
			return result
		}
	}
	return compareComponent(uint64(len(left)), uint64(len(right)))
}

func compareIdentifier(a, b string) int {
	aNum, aErr := strconv.ParseUint(a, 10, 64)
	bNum, bErr := strconv.ParseUint(b, 10, 64)
	switch {
	case aErr == nil && bErr == nil:
		return compareComponent(aNum, bNum)
	case aErr == nil:
		return -1
	case bErr == nil:
		return 1
	default:
		return strings.Compare(a, b)
	}
}
