package main

import (
	"os"

	"github.com/regtap/regtap/cmd/regtap/cmds"
	"github.com/regtap/regtap/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.RegtapVersion.Build = Build
	}
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
