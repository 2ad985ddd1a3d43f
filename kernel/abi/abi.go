// Package abi pins the kernel's user-visible syscall ABI to a single
// version string, checked at boot rather than negotiated at runtime
// (this kernel never runs two ABI revisions side by side).
package abi

import "golang.org/x/mod/semver"

// Version is the ABI this build implements: the register convention
// of spec.md §4.7 (args in a0-a6, number in a7, (value, error-flag)
// return in a0/a1) plus the eleven syscalls that convention carries.
// Bump the minor component when a syscall is added without changing
// existing numbers or argument order; bump major on any breaking
// change to the calling convention itself.
const Version = "v1.1.0"

// Check validates that want (typically burned into a user binary's
// own header at build time) is compatible with Version: same major
// component, and want's minor no greater than what this kernel
// implements.
func Check(want string) bool {
	if !semver.IsValid(want) || !semver.IsValid(Version) {
		return false
	}
	if semver.Major(want) != semver.Major(Version) {
		return false
	}
	return semver.Compare(want, Version) <= 0
}
