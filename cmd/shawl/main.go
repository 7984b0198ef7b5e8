// shawl - submit and track batch jobs on a remote SLURM cluster.
package main

import (
	"os"

	"github.com/shawl-hpc/shawl/internal/cli"
	"github.com/shawl-hpc/shawl/internal/version"
)

// Version information, overridden with -ldflags at release time.
var (
	Version   = ""
	BuildTime = ""
)

func main() {
	if Version != "" {
		version.Version = Version
	}
	if BuildTime != "" {
		version.BuildTime = BuildTime
	}

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
