package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/rowsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		// Structured output already went to stdout.
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
