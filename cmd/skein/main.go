package main

import (
	"fmt"
	"os"

	"github.com/skeinhq/skein/internal/errs"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errs.IsRecoverable(err) {
			fmt.Fprintln(os.Stderr, "run `skein doctor --fix` to rebuild local state")
		}
		os.Exit(errs.ExitCode(err))
	}
}
