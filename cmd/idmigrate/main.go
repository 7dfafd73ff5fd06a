// Command idmigrate migrates Auth0 user exports into WorkOS.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/idmigrate/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err == nil {
		return
	}

	// Commands report their own failures; anything else came from cobra
	// (flag parsing, unknown command) and has not been printed yet.
	var exitErr *cli.ExitError
	if !errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
