package main

import (
	"context"
	"os"

	"github.com/charmbracelet/fang"

	"library-lending/cli"
)

const version = "0.2.0"

func main() {
	root := cli.NewRootCmd()

	// fang adds styled help, completions, manpages and --version.
	if err := fang.Execute(
		context.Background(),
		root,
		fang.WithVersion(version),
		fang.WithNotifySignal(os.Interrupt, os.Kill),
	); err != nil {
		os.Exit(1)
	}
}
