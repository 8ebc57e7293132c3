package version

import (
	"strings"
	"testing"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "rc1", Build: "abcdef"}
	if s := v.String(); s != "Version: 1.2.3-rc1\nBuild: abcdef" {
		t.Fatalf("unexpected version string %q", s)
	}
	if s := RegtapVersion.String(); !strings.HasPrefix(s, "Version: 0.3.0\n") {
		t.Fatalf("unexpected version string %q", s)
	}
	if !strings.Contains(BuildInfo(), "go") {
		t.Fatalf("missing go version in %q", BuildInfo())
	}
}
