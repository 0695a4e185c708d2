package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := run(os.Args); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, "illogical-updots:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cmd := newRootCommand(args, streams{in: os.Stdin, out: os.Stdout, err: os.Stderr})
	return cmd.Execute()
}

// exitError carries a child exit status out of a command without printing
// anything further.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func exitStatus(code int) error {
	if code == 0 {
		return nil
	}
	if code < 0 {
		// killed by a signal; follow the shell convention
		code = 128 - code
	}
	return exitError{code: code}
}
