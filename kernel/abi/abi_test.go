package abi

import "testing"

func TestCheckAcceptsOwnVersion(t *testing.T) {
	if !Check(Version) {
		t.Fatalf("expected a build to accept its own ABI version")
	}
}

func TestCheckAcceptsOlderMinor(t *testing.T) {
	if !Check("v1.0.0") {
		t.Fatalf("expected an older minor version to remain compatible")
	}
}

func TestCheckRejectsNewerMinor(t *testing.T) {
	if Check("v1.2.0") {
		t.Fatalf("expected a newer minor version to be rejected")
	}
}

func TestCheckRejectsDifferentMajor(t *testing.T) {
	if Check("v2.0.0") {
		t.Fatalf("expected a different major version to be rejected")
	}
}

func TestCheckRejectsGarbage(t *testing.T) {
	if Check("not-a-version") {
		t.Fatalf("expected an invalid version string to be rejected")
	}
}
