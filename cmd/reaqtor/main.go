package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/reaqtor/internal/cli"
)

// Version is set via ldflags during build.
var Version = "dev"

func main() {
	cmd := cli.NewRootCommand()
	cmd.Version = Version

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
