// Command cloudsync runs sync scenarios, validates engine configuration
// and inspects local stores.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/cloudsync/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()

	// ExitErrors were already reported by the command's formatter.
	var exitErr *cli.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
