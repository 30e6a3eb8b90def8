package main

import (
	"fmt"
	"os"

	"github.com/highclaw/clawdesk/internal/cli"
)

// Build-time variables injected via ldflags.
var (
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	cli.SetBuildInfo(Version, BuildDate, GitCommit)

	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "[clawdesk] %v\n", cli.Describe(err))
		os.Exit(1)
	}
}
