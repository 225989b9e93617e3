// Command isocheck runs isolation level scenarios against a row store.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/isocheck/internal/cli"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run executes the CLI and returns an exit code.
func run(args []string) int {
	cmd := cli.NewRootCommand()
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err == nil {
		return cli.ExitSuccess
	}

	var exitErr *cli.ExitError
	if !errors.As(err, &exitErr) {
		// Cobra's own errors (unknown flag, wrong arguments) are not
		// printed by the silenced subcommands.
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return cli.GetExitCode(err)
}
