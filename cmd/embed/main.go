package main

import (
	stderrors "errors"
	"os"

	"github.com/grovetools/embed/cli"
	"github.com/grovetools/embed/cmd"

	// Bundled probe drivers.
	_ "github.com/grovetools/embed/internal/probe/sim"
)

func main() {
	rootCmd := cmd.NewRootCmd()

	if err := rootCmd.Execute(); err != nil {
		verbose, _ := rootCmd.PersistentFlags().GetBool("verbose")
		code := 1
		var exitErr *cmd.ExitError
		if stderrors.As(err, &exitErr) {
			code = exitErr.Code
			err = exitErr.Err
		}
		if err != nil {
			cli.NewErrorHandler(verbose).Handle(err)
		}
		os.Exit(code)
	}
}
