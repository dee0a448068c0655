// Command canvaspipe loads Canvas LMS exports into a raw SQLite store and
// incrementally builds a dimensional warehouse from them.
package main

import (
	"fmt"
	"os"

	"github.com/luyangsi/canvas-pipeline/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
