package main

import (
	"os"

	"github.com/go-delve/fdefind/cmd/fdefind/cmds"
	"github.com/go-delve/fdefind/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.FdefindVersion.Build = Build
	}
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
